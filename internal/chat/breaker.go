package chat

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/chat-gateway/internal/provider"
)

// adapter guards one provider with a circuit breaker.
type adapter struct {
	provider.Provider
	cb *gobreaker.CircuitBreaker
}

func newAdapter(p provider.Provider) *adapter {
	settings := gobreaker.Settings{
		Name:        string(p.Name()),
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// a client hanging up is not the provider's fault
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
	return &adapter{Provider: p, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (a *adapter) open() bool {
	return a.cb.State() == gobreaker.StateOpen
}

func (a *adapter) streamer() (provider.Streamer, bool) {
	s, ok := a.Provider.(provider.Streamer)
	return s, ok
}

func (a *adapter) complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	result, err := a.cb.Execute(func() (interface{}, error) {
		return a.Complete(ctx, req)
	})
	if err != nil {
		return nil, provider.Wrap(a.Name(), err)
	}
	return result.(*provider.Response), nil
}

// stream forwards chunks from s and reports the outcome to the breaker once
// the stream ends.
func (a *adapter) stream(ctx context.Context, s provider.Streamer, req *provider.Request) (<-chan *provider.Chunk, error) {
	if a.open() {
		return nil, provider.Wrap(a.Name(), gobreaker.ErrOpenState)
	}

	origCh, err := s.CompleteStream(ctx, req)
	if err != nil {
		a.report(err)
		return nil, provider.Wrap(a.Name(), err)
	}

	wrappedCh := make(chan *provider.Chunk)
	go func() {
		defer close(wrappedCh)
		for chunk := range origCh {
			switch {
			case chunk.Err != nil:
				a.report(chunk.Err)
			case chunk.Done:
				a.report(nil)
			}
			if !provider.Send(ctx, wrappedCh, chunk) {
				return
			}
		}
	}()

	return wrappedCh, nil
}

func (a *adapter) report(err error) {
	_, _ = a.cb.Execute(func() (interface{}, error) {
		return nil, err
	})
}
