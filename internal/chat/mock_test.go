package chat

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/vnmchuo/chat-gateway/internal/provider"
	"github.com/vnmchuo/chat-gateway/internal/search"
	"github.com/vnmchuo/chat-gateway/internal/settings"
)

type mockProvider struct {
	id       provider.ID
	calls    atomic.Int32
	mu       sync.Mutex
	lastReq  *provider.Request
	complete func(ctx context.Context, req *provider.Request) (*provider.Response, error)
}

func (m *mockProvider) Name() provider.ID { return m.id }

func (m *mockProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.lastReq = req
	m.mu.Unlock()
	return m.complete(ctx, req)
}

func (m *mockProvider) prompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastReq == nil || len(m.lastReq.Messages) == 0 {
		return ""
	}
	return m.lastReq.Messages[0].Content
}

type mockStreamer struct {
	*mockProvider
	streamCalls atomic.Int32
	stream      func(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error)
}

func (m *mockStreamer) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	m.streamCalls.Add(1)
	m.mu.Lock()
	m.lastReq = req
	m.mu.Unlock()
	return m.stream(ctx, req)
}

func reply(id provider.ID, text string, usage *provider.Usage) *mockProvider {
	return &mockProvider{
		id: id,
		complete: func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
			return &provider.Response{Content: text, Model: req.Model, Provider: id, Usage: usage, LatencyMs: 7}, nil
		},
	}
}

func failing(id provider.ID, err error) *mockProvider {
	return &mockProvider{
		id: id,
		complete: func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
			return nil, err
		},
	}
}

// chunks replays cs on a channel the way an adapter does.
func chunks(cs ...*provider.Chunk) func(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	return func(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
		ch := make(chan *provider.Chunk)
		go func() {
			defer close(ch)
			for _, c := range cs {
				if !provider.Send(ctx, ch, c) {
					return
				}
			}
		}()
		return ch, nil
	}
}

func streaming(id provider.ID, cs ...*provider.Chunk) *mockStreamer {
	return &mockStreamer{
		mockProvider: reply(id, "unused", nil),
		stream:       chunks(cs...),
	}
}

func factoryFor(p provider.Provider) Factory {
	return func() (provider.Provider, error) { return p, nil }
}

type recordedCost struct {
	id    provider.ID
	model string
	usage provider.Usage
	usd   float64
}

type mockCosts struct {
	fixed    *float64
	mu       sync.Mutex
	recorded []recordedCost
}

func (m *mockCosts) EstimateTokens(text string) int { return len(text) / 4 }

func (m *mockCosts) EstimateCost(id provider.ID, model string, in, out int) float64 {
	if m.fixed != nil {
		return *m.fixed
	}
	return float64(in+out) / 1000
}

func (m *mockCosts) RecordCost(id provider.ID, model string, usage provider.Usage, usd float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded = append(m.recorded, recordedCost{id: id, model: model, usage: usage, usd: usd})
}

type mockSearcher struct {
	should  bool
	results []search.Result
	queries []string
}

func (m *mockSearcher) ShouldSearch(message string) bool { return m.should }

func (m *mockSearcher) Search(ctx context.Context, query string, count int, extract bool) []search.Result {
	m.queries = append(m.queries, query)
	return m.results
}

func (m *mockSearcher) FormatForLLM(query string, results []search.Result) string {
	if len(results) == 0 {
		return "No search results found."
	}
	return "SEARCH[" + query + "]"
}

// testSettings has cost tracking off and openai selected in single mode.
func testSettings() settings.Settings {
	s := settings.Defaults()
	s.Cost.TrackCosts = false
	s.Providers[provider.Anthropic] = settings.ProviderConfig{Enabled: true, Priority: 3, Fallback: true}
	return s
}

func collect(ch <-chan Event) []Event {
	var events []Event
	for e := range ch {
		events = append(events, e)
	}
	return events
}

func types(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}
