package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/vnmchuo/chat-gateway/internal/auth"
	"github.com/vnmchuo/chat-gateway/internal/session"
)

func NewRouter(h *Handler, authMiddleware auth.Middleware) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", h.HandleHealth)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Use(session.Middleware)
		h.Routes(r)
	})
	return r
}
