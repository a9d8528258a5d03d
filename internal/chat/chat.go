// Package chat selects a provider for each message, applies the per-request
// budget, assembles the outbound prompt and normalizes every provider's
// output into a Result or a stream of Events.
package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/chat-gateway/internal/cost"
	"github.com/vnmchuo/chat-gateway/internal/provider"
	"github.com/vnmchuo/chat-gateway/internal/search"
	"github.com/vnmchuo/chat-gateway/internal/settings"
	"github.com/vnmchuo/chat-gateway/pkg/logger"
)

// searchCount is how many web results are requested per streamed chat.
const searchCount = 5

type Searcher interface {
	ShouldSearch(message string) bool
	Search(ctx context.Context, query string, count int, extract bool) []search.Result
	FormatForLLM(query string, results []search.Result) string
}

type CostEstimator interface {
	EstimateTokens(text string) int
	EstimateCost(id provider.ID, model string, inputTokens, outputTokens int) float64
	RecordCost(id provider.ID, model string, usage provider.Usage, usd float64)
}

// Factory builds one provider adapter. A non-nil error leaves the provider
// out of the available set.
type Factory func() (provider.Provider, error)

type state struct {
	settings settings.Settings
	adapters map[provider.ID]*adapter
	rule     *routingRule
}

type Orchestrator struct {
	state    atomic.Pointer[state]
	searcher Searcher
	costs    CostEstimator
	tracer   trace.Tracer
}

type Option func(*Orchestrator)

func WithSearcher(s Searcher) Option {
	return func(o *Orchestrator) { o.searcher = s }
}

func WithCostEstimator(c CostEstimator) Option {
	return func(o *Orchestrator) { o.costs = c }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// estimateOnly prices requests without recording anything.
type estimateOnly struct{}

func (estimateOnly) EstimateTokens(text string) int { return cost.EstimateTokens(text) }

func (estimateOnly) EstimateCost(id provider.ID, model string, in, out int) float64 {
	return cost.EstimateCost(id, model, in, out)
}

func (estimateOnly) RecordCost(provider.ID, string, provider.Usage, float64) {}

// New initializes every factory; failures are logged and skipped so one bad
// credential never takes the other providers down.
func New(s settings.Settings, factories map[provider.ID]Factory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		costs:  estimateOnly{},
		tracer: otel.Tracer("chat-gateway/chat"),
	}
	for _, opt := range opts {
		opt(o)
	}

	ids := make([]provider.ID, 0, len(factories))
	for id := range factories {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Rank() != ids[j].Rank() {
			return ids[i].Rank() < ids[j].Rank()
		}
		return ids[i] < ids[j]
	})

	adapters := make(map[provider.ID]*adapter, len(ids))
	for _, id := range ids {
		p, err := factories[id]()
		if err != nil {
			logger.Warn("provider initialization failed", "provider", id, "error", err)
			continue
		}
		if p == nil {
			continue
		}
		adapters[id] = newAdapter(p)
		logger.Info("provider initialized", "provider", id)
	}

	o.state.Store(&state{
		settings: s.Clone(),
		adapters: adapters,
		rule:     compileRule(s.Routing.Expression),
	})
	return o
}

// UpdateSettings publishes a new snapshot. Requests already running keep
// the snapshot they started with.
func (o *Orchestrator) UpdateSettings(s settings.Settings) {
	old := o.state.Load()
	o.state.Store(&state{
		settings: s.Clone(),
		adapters: old.adapters,
		rule:     compileRule(s.Routing.Expression),
	})
}

// Available lists initialized providers in enumeration order.
func (o *Orchestrator) Available() []provider.ID {
	st := o.state.Load()
	var ids []provider.ID
	for _, id := range provider.Order {
		if _, ok := st.adapters[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (o *Orchestrator) Settings() settings.Settings {
	return o.state.Load().settings.Clone()
}

// SelectProvider resolves the provider the next call for message would use.
func (o *Orchestrator) SelectProvider(message string) (provider.ID, error) {
	return o.state.Load().selectProvider(message, o.costs)
}

func (st *state) selectProvider(message string, costs CostEstimator) (provider.ID, error) {
	s := st.settings

	if s.Routing.Mode != settings.ModePriority {
		id := s.UI.SelectedProvider
		if _, ok := st.adapters[id]; !ok || !s.Providers[id].Enabled {
			return id, fmt.Errorf("%w: %s", ErrProviderUnavailable, id)
		}
		return id, nil
	}

	candidates := s.EnabledProviders()
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: %w", ErrProviderUnavailable, ErrNoProvidersEnabled)
	}
	if st.rule != nil {
		candidates = st.rule.apply(candidates, message, costs.EstimateTokens(message))
	}

	for i, id := range candidates {
		if i > 0 && !s.Providers[id].Fallback {
			continue
		}
		a, ok := st.adapters[id]
		if !ok || a.open() {
			continue
		}
		if i > 0 {
			logger.Info("falling back to provider", "provider", id, "preferred", candidates[0])
		}
		return id, nil
	}
	return candidates[0], fmt.Errorf("%w: %s", ErrProviderUnavailable, candidates[0])
}

// PrepareMessage appends searchText and then a labeled context block to
// message. That order is part of the prompt contract.
func PrepareMessage(message string, history []string, searchText string) string {
	var b strings.Builder
	b.WriteString(message)
	if searchText != "" {
		b.WriteString(searchText)
	}
	if len(history) > 0 {
		b.WriteString("\n\nRelevant context:\n")
		b.WriteString(strings.Join(history, "\n"))
	}
	return b.String()
}

// truncateContext keeps the first n entries.
func truncateContext(history []string, n int) []string {
	if n < 0 {
		return history
	}
	if len(history) > n {
		return history[:n]
	}
	return history
}

// CheckBudget reports the estimated cost of sending message to id and
// whether it passes the per-request limit. It depends only on s and
// message.
func (o *Orchestrator) CheckBudget(s settings.Settings, id provider.ID, message string) (float64, error) {
	if !s.Cost.TrackCosts {
		return 0, nil
	}
	inputTokens := o.costs.EstimateTokens(message)
	estimate := o.costs.EstimateCost(id, s.Model(id), inputTokens, s.Response.MaxTokens)
	if limit := s.BudgetLimit(); estimate > limit {
		return estimate, fmt.Errorf("%w: estimated $%.4f, limit $%.4f", ErrBudgetExceeded, estimate, limit)
	}
	return estimate, nil
}

// recordCost prices the call from reported usage, or from estimated tokens
// when the provider reported none, and hands it to the recorder.
func (o *Orchestrator) recordCost(s settings.Settings, id provider.ID, prompt, reply string, usage *provider.Usage) *float64 {
	if !s.Cost.TrackCosts {
		return nil
	}
	var u provider.Usage
	if usage != nil {
		u = *usage
	} else {
		u.Input = o.costs.EstimateTokens(prompt)
		u.Output = o.costs.EstimateTokens(reply)
		u.Total = u.Input + u.Output
	}
	model := s.Model(id)
	usd := o.costs.EstimateCost(id, model, u.Input, u.Output)
	o.costs.RecordCost(id, model, u, usd)
	return &usd
}

// call runs one blocking adapter call under a provider.call span.
func (o *Orchestrator) call(ctx context.Context, a *adapter, req *provider.Request) (*provider.Response, error) {
	ctx, span := o.tracer.Start(ctx, "provider.call", trace.WithAttributes(
		attribute.String("provider", string(a.Name())),
		attribute.String("model", req.Model),
	))
	defer span.End()

	resp, err := a.complete(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if resp.Usage != nil {
		span.SetAttributes(
			attribute.Int("usage.input_tokens", resp.Usage.Input),
			attribute.Int("usage.output_tokens", resp.Usage.Output),
		)
	}
	return resp, nil
}

// Chat sends message to the selected provider and waits for the full
// reply. Failures are reported in the Result, never as an error.
func (o *Orchestrator) Chat(ctx context.Context, message string, history []string) Result {
	st := o.state.Load()
	s := st.settings

	ctx, span := o.tracer.Start(ctx, "chat.complete")
	defer span.End()

	id, err := st.selectProvider(message, o.costs)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return errorResult(id, s.Model(id), err, 0)
	}
	span.SetAttributes(attribute.String("provider", string(id)))

	full := PrepareMessage(message, truncateContext(history, s.Memory.ContextCount), "")
	return o.chatWith(ctx, st, id, full)
}

func (o *Orchestrator) chatWith(ctx context.Context, st *state, id provider.ID, full string) Result {
	s := st.settings
	model := s.Model(id)

	a, ok := st.adapters[id]
	if !ok {
		return errorResult(id, model, fmt.Errorf("%w: %s", ErrProviderUnavailable, id), 0)
	}
	if _, err := o.CheckBudget(s, id, full); err != nil {
		return errorResult(id, model, err, 0)
	}

	start := time.Now()
	resp, err := o.call(ctx, a, s.Request(id, full))
	if err != nil {
		logger.Warn("provider call failed", "provider", id, "error", err)
		return errorResult(id, model, err, provider.Since(start))
	}

	if resp.Model != "" {
		model = resp.Model
	}
	return Result{
		Text:             resp.Content,
		Success:          true,
		LatencyMs:        resp.LatencyMs,
		Provider:         id,
		Model:            model,
		Tokens:           resp.Usage,
		EstimatedCostUSD: o.recordCost(s, id, full, resp.Content, resp.Usage),
	}
}
