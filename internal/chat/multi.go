package chat

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/chat-gateway/internal/provider"
	"github.com/vnmchuo/chat-gateway/pkg/logger"
)

// ChatAll sends message to every enabled provider for side-by-side
// comparison. With Response.ParallelRequests all providers run at once;
// otherwise they run in priority order and, with Cost.SmartRouting, stop
// at the first success. A failing or panicking provider yields an error
// Result without affecting the others.
func (o *Orchestrator) ChatAll(ctx context.Context, message string, history []string) (map[provider.ID]Result, error) {
	st := o.state.Load()
	s := st.settings

	ids := s.EnabledProviders()
	if len(ids) == 0 {
		return nil, ErrNoProvidersEnabled
	}

	ctx, span := o.tracer.Start(ctx, "chat.all")
	defer span.End()

	full := PrepareMessage(message, truncateContext(history, s.Memory.ContextCount), "")
	results := make(map[provider.ID]Result, len(ids))

	if s.Response.ParallelRequests {
		var g errgroup.Group
		var mu sync.Mutex
		for _, id := range ids {
			g.Go(func() error {
				r := o.safeChat(ctx, st, id, full)
				mu.Lock()
				results[id] = r
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
		return results, nil
	}

	for _, id := range ids {
		r := o.safeChat(ctx, st, id, full)
		results[id] = r
		if s.Cost.SmartRouting && r.Success {
			break
		}
	}
	return results, nil
}

func (o *Orchestrator) safeChat(ctx context.Context, st *state, id provider.ID, full string) (r Result) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("provider call panicked", "provider", id, "panic", p)
			r = errorResult(id, st.settings.Model(id), provider.Wrap(id, fmt.Errorf("panic: %v", p)), 0)
		}
	}()
	return o.chatWith(ctx, st, id, full)
}
