package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/vnmchuo/chat-gateway/internal/provider"
	"github.com/vnmchuo/chat-gateway/internal/settings"
)

func TestPrepareMessage(t *testing.T) {
	messages := []string{"hi", "", "Relevant context:\n", "what is\n\nthis"}
	for _, msg := range messages {
		if got := PrepareMessage(msg, nil, ""); got != msg {
			t.Errorf("PrepareMessage(%q) = %q, want message unchanged", msg, got)
		}

		got := PrepareMessage(msg, []string{"c1", "c2"}, "\n\nS")
		want := msg + "\n\nS" + "\n\nRelevant context:\nc1\nc2"
		if got != want {
			t.Errorf("Unexpected prompt:\n%q\nwant\n%q", got, want)
		}
		if !strings.HasPrefix(got, msg) {
			t.Errorf("Prompt does not start with message")
		}
		if strings.Index(got, "\n\nS") > strings.LastIndex(got, "Relevant context:") {
			t.Errorf("Search text must precede context")
		}
	}
}

func TestNew_BestEffortInit(t *testing.T) {
	factories := map[provider.ID]Factory{
		provider.OpenAI: factoryFor(reply(provider.OpenAI, "from openai", nil)),
		provider.Google: func() (provider.Provider, error) {
			return nil, provider.ErrMissingAPIKey
		},
		provider.Anthropic: factoryFor(reply(provider.Anthropic, "from claude", nil)),
	}

	o := New(testSettings(), factories)

	got := o.Available()
	if len(got) != 2 || got[0] != provider.OpenAI || got[1] != provider.Anthropic {
		t.Fatalf("Expected openai and anthropic available, got %v", got)
	}

	r := o.Chat(context.Background(), "hello", nil)
	if !r.Success || r.Text != "from openai" {
		t.Errorf("Expected working openai adapter, got %+v", r)
	}

	s := testSettings()
	s.UI.SelectedProvider = provider.Anthropic
	o.UpdateSettings(s)
	if r := o.Chat(context.Background(), "hello", nil); !r.Success || r.Text != "from claude" {
		t.Errorf("Expected working anthropic adapter, got %+v", r)
	}
}

func TestSelectProvider_SingleModeNoFallback(t *testing.T) {
	s := testSettings()
	s.UI.SelectedProvider = provider.Google
	o := New(s, map[provider.ID]Factory{
		provider.OpenAI: factoryFor(reply(provider.OpenAI, "ok", nil)),
	})

	id, err := o.SelectProvider("hi")
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("Expected ErrProviderUnavailable, got %v", err)
	}
	if id != provider.Google {
		t.Errorf("Expected the selected provider to be reported, got %s", id)
	}

	r := o.Chat(context.Background(), "hi", nil)
	if r.Success || r.ErrorKind != KindProviderUnavailable || r.LatencyMs != 0 {
		t.Errorf("Unexpected result: %+v", r)
	}
	if !strings.HasPrefix(r.Text, "Error: ") {
		t.Errorf("Expected error text, got %q", r.Text)
	}
}

func TestSelectProvider_SingleModeDisabled(t *testing.T) {
	s := testSettings()
	s.Providers[provider.OpenAI] = settings.ProviderConfig{Enabled: false, Priority: 1}
	o := New(s, map[provider.ID]Factory{
		provider.OpenAI: factoryFor(reply(provider.OpenAI, "ok", nil)),
	})
	if _, err := o.SelectProvider("hi"); !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("Disabled provider should be unavailable, got %v", err)
	}
}

func TestSelectProvider_PriorityMode(t *testing.T) {
	all := map[provider.ID]Factory{
		provider.OpenAI:    factoryFor(reply(provider.OpenAI, "", nil)),
		provider.Google:    factoryFor(reply(provider.Google, "", nil)),
		provider.Anthropic: factoryFor(reply(provider.Anthropic, "", nil)),
	}

	s := testSettings()
	s.Routing.Mode = settings.ModePriority
	s.Providers[provider.OpenAI] = settings.ProviderConfig{Enabled: true, Priority: 2, Fallback: true}
	s.Providers[provider.Google] = settings.ProviderConfig{Enabled: true, Priority: 2, Fallback: true}
	s.Providers[provider.Anthropic] = settings.ProviderConfig{Enabled: true, Priority: 3, Fallback: false}

	o := New(s, all)
	if id, err := o.SelectProvider("hi"); err != nil || id != provider.OpenAI {
		t.Errorf("Tie should break by enumeration order, got %s, %v", id, err)
	}

	// openai missing: google allows fallback
	delete(all, provider.OpenAI)
	o = New(s, all)
	if id, err := o.SelectProvider("hi"); err != nil || id != provider.Google {
		t.Errorf("Expected fallback to google, got %s, %v", id, err)
	}

	// only anthropic left and it does not allow fallback
	delete(all, provider.Google)
	o = New(s, all)
	if _, err := o.SelectProvider("hi"); !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("Expected ErrProviderUnavailable, got %v", err)
	}

	for id := range s.Providers {
		s.Providers[id] = settings.ProviderConfig{}
	}
	o.UpdateSettings(s)
	if _, err := o.SelectProvider("hi"); !errors.Is(err, ErrNoProvidersEnabled) {
		t.Errorf("Expected ErrNoProvidersEnabled, got %v", err)
	}
}

func TestSelectProvider_RoutingExpression(t *testing.T) {
	s := testSettings()
	s.Routing = settings.RoutingSettings{
		Mode:       settings.ModePriority,
		Expression: `length > 20 ? "anthropic" : ""`,
	}
	o := New(s, map[provider.ID]Factory{
		provider.OpenAI:    factoryFor(reply(provider.OpenAI, "", nil)),
		provider.Anthropic: factoryFor(reply(provider.Anthropic, "", nil)),
	})

	if id, _ := o.SelectProvider("short"); id != provider.OpenAI {
		t.Errorf("Expected openai for short message, got %s", id)
	}
	if id, _ := o.SelectProvider("a considerably longer message"); id != provider.Anthropic {
		t.Errorf("Expected anthropic for long message, got %s", id)
	}

	s.Routing.Expression = `"mistral"`
	o.UpdateSettings(s)
	if id, _ := o.SelectProvider("a considerably longer message"); id != provider.OpenAI {
		t.Errorf("Unknown provider from rule should be ignored, got %s", id)
	}

	s.Routing.Expression = `this is not ( valid`
	o.UpdateSettings(s)
	if id, _ := o.SelectProvider("hi"); id != provider.OpenAI {
		t.Errorf("Invalid rule should be ignored, got %s", id)
	}
}

func TestChat_Success(t *testing.T) {
	s := testSettings()
	s.Cost.TrackCosts = true
	s.Cost.DailyBudget = 100
	usage := &provider.Usage{Input: 12, Output: 30, Total: 42}
	p := reply(provider.OpenAI, "hello there", usage)
	costs := &mockCosts{}

	o := New(s, map[provider.ID]Factory{provider.OpenAI: factoryFor(p)}, WithCostEstimator(costs))
	r := o.Chat(context.Background(), "hi", []string{"User: earlier"})

	if !r.Success || r.Text != "hello there" || r.Provider != provider.OpenAI {
		t.Fatalf("Unexpected result: %+v", r)
	}
	if r.Model != "gpt-3.5-turbo" || r.LatencyMs != 7 {
		t.Errorf("Unexpected model/latency: %+v", r)
	}
	if r.Tokens != usage {
		t.Errorf("Expected reported usage, got %+v", r.Tokens)
	}
	if r.EstimatedCostUSD == nil || *r.EstimatedCostUSD != 0.042 {
		t.Errorf("Expected cost from actual usage, got %v", r.EstimatedCostUSD)
	}
	if len(costs.recorded) != 1 || costs.recorded[0].usage != *usage {
		t.Errorf("Expected actual usage to be recorded, got %+v", costs.recorded)
	}

	if got := p.prompt(); got != "hi\n\nRelevant context:\nUser: earlier" {
		t.Errorf("Unexpected prompt %q", got)
	}
	if p.lastReq.MaxTokens != 1000 || p.lastReq.Temperature != 0.7 || p.lastReq.Timeout.Seconds() != 30 {
		t.Errorf("Request settings not applied: %+v", p.lastReq)
	}
}

func TestChat_NoUsageFallsBackToEstimate(t *testing.T) {
	s := testSettings()
	s.Cost.TrackCosts = true
	s.Cost.DailyBudget = 100
	costs := &mockCosts{}
	o := New(s, map[provider.ID]Factory{
		provider.OpenAI: factoryFor(reply(provider.OpenAI, strings.Repeat("a", 40), nil)),
	}, WithCostEstimator(costs))

	r := o.Chat(context.Background(), strings.Repeat("q", 80), nil)
	if !r.Success || r.Tokens != nil {
		t.Fatalf("Tokens must stay absent when not reported: %+v", r)
	}
	if len(costs.recorded) != 1 {
		t.Fatalf("Expected one recorded cost, got %d", len(costs.recorded))
	}
	if u := costs.recorded[0].usage; u.Input != 20 || u.Output != 10 {
		t.Errorf("Expected estimated tokens 20/10, got %+v", u)
	}
}

func TestChat_NoCostWhenTrackingDisabled(t *testing.T) {
	costs := &mockCosts{}
	o := New(testSettings(), map[provider.ID]Factory{
		provider.OpenAI: factoryFor(reply(provider.OpenAI, "ok", nil)),
	}, WithCostEstimator(costs))

	r := o.Chat(context.Background(), "hi", nil)
	if r.EstimatedCostUSD != nil || len(costs.recorded) != 0 {
		t.Errorf("Cost must be absent when tracking is off: %+v", r)
	}
}

func TestChat_ProviderError(t *testing.T) {
	perr := &provider.Error{Provider: provider.OpenAI, StatusCode: 500, Message: "boom"}
	o := New(testSettings(), map[provider.ID]Factory{
		provider.OpenAI: factoryFor(failing(provider.OpenAI, perr)),
	})

	r := o.Chat(context.Background(), "hi", nil)
	if r.Success || r.ErrorKind != KindProviderCallFailed {
		t.Fatalf("Unexpected result: %+v", r)
	}
	if r.Text != "Error: openai api error (status 500): boom" {
		t.Errorf("Unexpected text %q", r.Text)
	}
}

func TestChat_ContextTruncated(t *testing.T) {
	s := testSettings()
	s.Memory.ContextCount = 2
	p := reply(provider.OpenAI, "ok", nil)
	o := New(s, map[provider.ID]Factory{provider.OpenAI: factoryFor(p)})

	o.Chat(context.Background(), "hi", []string{"a", "b", "c", "d"})
	if got := p.prompt(); got != "hi\n\nRelevant context:\na\nb" {
		t.Errorf("Unexpected prompt %q", got)
	}
}

func TestBudgetGate_RejectsBeforeCall(t *testing.T) {
	s := testSettings()
	s.Cost.TrackCosts = true
	s.Cost.DailyBudget = 1.00
	half := 0.50
	p := reply(provider.OpenAI, "should not be called", nil)

	o := New(s, map[provider.ID]Factory{provider.OpenAI: factoryFor(p)}, WithCostEstimator(&mockCosts{fixed: &half}))

	r := o.Chat(context.Background(), "hi", nil)
	if r.Success || r.ErrorKind != KindBudgetExceeded || r.LatencyMs != 0 {
		t.Errorf("Expected budget rejection, got %+v", r)
	}

	events := collect(o.ChatStream(context.Background(), "hi", nil))
	if len(events) != 1 || events[0].Type != EventError || events[0].ErrorKind != KindBudgetExceeded {
		t.Errorf("Expected a single budget error event, got %+v", events)
	}
	if events[0].LatencyMs == nil || *events[0].LatencyMs != 0 {
		t.Errorf("Budget rejection should report zero latency")
	}

	if n := p.calls.Load(); n != 0 {
		t.Errorf("Adapter must not be called, got %d calls", n)
	}
}

func TestBudgetGate_Idempotent(t *testing.T) {
	s := testSettings()
	s.Cost.TrackCosts = true
	o := New(s, nil, WithCostEstimator(&mockCosts{}))

	msg := strings.Repeat("x", 3000)
	for _, budget := range []float64{0.01, 5.0, 5.9, 6.0, 100} {
		s.Cost.DailyBudget = budget
		c1, err1 := o.CheckBudget(s, provider.OpenAI, msg)
		c2, err2 := o.CheckBudget(s, provider.OpenAI, msg)
		if c1 != c2 || (err1 == nil) != (err2 == nil) {
			t.Errorf("budget %v: decisions differ: %v/%v, %v/%v", budget, c1, c2, err1, err2)
		}
	}

	// 750 input + 1000 output tokens at 1/1000 = 1.75 against 20% of budget
	s.Cost.DailyBudget = 10
	if _, err := o.CheckBudget(s, provider.OpenAI, msg); err != nil {
		t.Errorf("Estimate under the limit should pass, got %v", err)
	}
	s.Cost.DailyBudget = 8
	if _, err := o.CheckBudget(s, provider.OpenAI, msg); !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("Expected ErrBudgetExceeded, got %v", err)
	}
}
