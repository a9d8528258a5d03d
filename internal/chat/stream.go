package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/chat-gateway/internal/provider"
	"github.com/vnmchuo/chat-gateway/internal/search"
	"github.com/vnmchuo/chat-gateway/pkg/logger"
)

type EventType string

const (
	EventTyping         EventType = "typing"
	EventSearching      EventType = "searching"
	EventSearchComplete EventType = "search_complete"
	EventStart          EventType = "start"
	EventContent        EventType = "content"
	EventEnd            EventType = "end"
	EventError          EventType = "error"
	EventComplete       EventType = "complete"
)

// Event is one step of a streamed chat. A well-formed stream is
//
//	typing? searching? search_complete? start content* (end | error)
//
// followed by complete once the caller has persisted the turn. Typing and
// complete are emitted by the caller, never by ChatStream.
type Event struct {
	Type             EventType       `json:"type"`
	Message          string          `json:"message,omitempty"`
	Provider         provider.ID     `json:"provider,omitempty"`
	Model            string          `json:"model,omitempty"`
	Text             string          `json:"text,omitempty"`
	FullText         string          `json:"full_response,omitempty"`
	LatencyMs        *int64          `json:"latency_ms,omitempty"`
	Results          []search.Result `json:"results,omitempty"`
	Tokens           *provider.Usage `json:"tokens,omitempty"`
	EstimatedCostUSD *float64        `json:"estimated_cost_usd,omitempty"`
	ErrorKind        ErrorKind       `json:"error_kind,omitempty"`
}

func (e Event) Terminal() bool {
	return e.Type == EventEnd || e.Type == EventError
}

// Result converts a terminal event into the Result stored for the turn.
func (e Event) Result() Result {
	var latency int64
	if e.LatencyMs != nil {
		latency = *e.LatencyMs
	}
	if e.Type == EventEnd {
		return Result{
			Text:             e.FullText,
			Success:          true,
			LatencyMs:        latency,
			Provider:         e.Provider,
			Model:            e.Model,
			Tokens:           e.Tokens,
			EstimatedCostUSD: e.EstimatedCostUSD,
		}
	}
	return Result{
		Text:      e.Message,
		LatencyMs: latency,
		Provider:  e.Provider,
		Model:     e.Model,
		ErrorKind: e.ErrorKind,
	}
}

func ms(v int64) *int64 { return &v }

func errorEvent(id provider.ID, model string, err error, latency *int64) Event {
	return Event{
		Type:      EventError,
		Message:   errorText(err),
		Provider:  id,
		Model:     model,
		LatencyMs: latency,
		ErrorKind: kindOf(err),
	}
}

// emitter delivers events in order and stops once the consumer is gone.
type emitter struct {
	ctx context.Context
	ch  chan<- Event
}

func (e emitter) emit(ev Event) bool {
	select {
	case e.ch <- ev:
		return true
	case <-e.ctx.Done():
		return false
	}
}

// ChatStream runs one chat and reports each step as an Event. The channel
// is unbuffered and closed after the terminal event. Callers must drain it
// or cancel ctx.
func (o *Orchestrator) ChatStream(ctx context.Context, message string, history []string) <-chan Event {
	ch := make(chan Event)
	st := o.state.Load()

	go func() {
		defer close(ch)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		ctx, span := o.tracer.Start(ctx, "chat.stream")
		defer span.End()

		o.stream(ctx, span, st, emitter{ctx: ctx, ch: ch}, message, history)
	}()

	return ch
}

func (o *Orchestrator) stream(ctx context.Context, span trace.Span, st *state, out emitter, message string, history []string) {
	s := st.settings

	id, err := st.selectProvider(message, o.costs)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		out.emit(errorEvent(id, "", err, nil))
		return
	}
	model := s.Model(id)
	span.SetAttributes(attribute.String("provider", string(id)), attribute.String("model", model))

	var searchText string
	if o.searcher != nil && o.searcher.ShouldSearch(message) {
		if !out.emit(Event{Type: EventSearching, Message: "🔍 Searching the web..."}) {
			return
		}
		results := o.searcher.Search(ctx, message, searchCount, true)
		span.SetAttributes(attribute.Int("search.results", len(results)))

		done := Event{Type: EventSearchComplete, Message: "⚠️ No search results found"}
		if len(results) > 0 {
			searchText = "\n\n" + o.searcher.FormatForLLM(message, results)
			done.Message = fmt.Sprintf("📰 Found %d results", len(results))
			done.Results = results
		}
		if !out.emit(done) {
			return
		}
	}

	full := PrepareMessage(message, truncateContext(history, s.Memory.ContextCount), searchText)

	if _, err := o.CheckBudget(s, id, full); err != nil {
		span.SetStatus(codes.Error, err.Error())
		out.emit(errorEvent(id, model, err, ms(0)))
		return
	}

	a, ok := st.adapters[id]
	if !ok {
		out.emit(errorEvent(id, model, fmt.Errorf("%w: %s", ErrProviderUnavailable, id), nil))
		return
	}

	req := s.Request(id, full)
	start := time.Now()
	fail := func(err error) {
		logger.Warn("provider stream failed", "provider", id, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		out.emit(errorEvent(id, model, err, ms(provider.Since(start))))
	}

	if !out.emit(Event{Type: EventStart, Provider: id, Model: model}) {
		return
	}

	var text string
	var usage *provider.Usage

	if streamer, ok := a.streamer(); ok {
		chunks, err := a.stream(ctx, streamer, req)
		if err != nil {
			fail(err)
			return
		}

		var b strings.Builder
		done := false
		for chunk := range chunks {
			if chunk.Err != nil {
				fail(chunk.Err)
				return
			}
			if chunk.Delta != "" {
				b.WriteString(chunk.Delta)
				if !out.emit(Event{Type: EventContent, Text: chunk.Delta, Provider: id}) {
					return
				}
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			if chunk.Done {
				done = true
				break
			}
		}
		if !done {
			if ctx.Err() != nil {
				return
			}
			fail(provider.Wrap(id, errors.New("stream ended without completion")))
			return
		}
		text = b.String()
	} else {
		resp, err := o.call(ctx, a, req)
		if err != nil {
			fail(err)
			return
		}
		if resp.Model != "" {
			model = resp.Model
		}
		text = resp.Content
		usage = resp.Usage
		if !out.emit(Event{Type: EventContent, Text: text, Provider: id}) {
			return
		}
	}

	out.emit(Event{
		Type:             EventEnd,
		Provider:         id,
		Model:            model,
		LatencyMs:        ms(provider.Since(start)),
		FullText:         text,
		Tokens:           usage,
		EstimatedCostUSD: o.recordCost(s, id, full, text, usage),
	})
}
