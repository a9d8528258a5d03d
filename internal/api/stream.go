package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/vnmchuo/chat-gateway/internal/chat"
	"github.com/vnmchuo/chat-gateway/pkg/logger"
)

const thinkingMessage = "🤔 Thinking..."

// sseWriter writes one `data: <json>` frame per event and flushes it.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s sseWriter) send(ev chat.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// HandleChatStream streams the chat as server-sent events. After the
// orchestrator's terminal event the turn is stored, then the stream is
// closed with complete, or with a persistence_failed error when storing
// failed.
func (h *Handler) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sc, span, ok := h.prepare(w, r, "api.chat_stream")
	if !ok {
		return
	}
	defer span.End()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	out := sseWriter{w: w, flusher: flusher}
	ctx, cancel := context.WithCancel(sc.ctx)
	defer cancel()

	if err := out.send(chat.Event{Type: chat.EventTyping, Message: thinkingMessage}); err != nil {
		return
	}

	var terminal *chat.Event
	for ev := range h.chat.ChatStream(ctx, sc.message, sc.history) {
		if ev.Terminal() {
			t := ev
			terminal = &t
		}
		if err := out.send(ev); err != nil {
			// keep draining so the producer sees the cancellation and exits
			cancel()
		}
	}
	if terminal == nil {
		return
	}

	if err := h.persist(ctx, sc, terminal.Result()); err != nil {
		logger.Error("save conversation failed", "session_id", sc.sessionID, "error", err)
		out.send(chat.Event{
			Type:      chat.EventError,
			Message:   "Error: failed to save conversation: " + err.Error(),
			Provider:  terminal.Provider,
			Model:     terminal.Model,
			ErrorKind: chat.KindPersistenceFailed,
		})
		return
	}
	out.send(chat.Event{Type: chat.EventComplete})
}
