package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/chat-gateway/internal/auth"
	"github.com/vnmchuo/chat-gateway/internal/chat"
	"github.com/vnmchuo/chat-gateway/internal/cost"
	"github.com/vnmchuo/chat-gateway/internal/provider"
	"github.com/vnmchuo/chat-gateway/internal/session"
	"github.com/vnmchuo/chat-gateway/internal/settings"
	"github.com/vnmchuo/chat-gateway/pkg/logger"
	"github.com/vnmchuo/chat-gateway/pkg/ratelimit"
)

const maxBodyBytes = 1 << 20

type Orchestrator interface {
	Chat(ctx context.Context, message string, history []string) chat.Result
	ChatStream(ctx context.Context, message string, history []string) <-chan chat.Event
	ChatAll(ctx context.Context, message string, history []string) (map[provider.ID]chat.Result, error)
	Available() []provider.ID
}

type SettingsManager interface {
	Snapshot() settings.Settings
	Update(settings.Settings) error
}

type Memory interface {
	Context(ctx context.Context, accountID, sessionID, message string, limit int, useFacts bool) ([]string, error)
	Save(ctx context.Context, turn *session.Turn, learn bool) error
	Overview(ctx context.Context, accountID string) (*session.Overview, error)
}

type Costs interface {
	Daily(ctx context.Context, day time.Time) (cost.Summary, error)
	Monthly(ctx context.Context, month time.Time) (cost.Summary, error)
	Total(ctx context.Context) (cost.Summary, error)
	IsOverBudget(ctx context.Context, dailyBudget, monthlyBudget float64) (bool, error)
}

type Handler struct {
	chat     Orchestrator
	settings SettingsManager
	memory   Memory
	costs    Costs
	limiter  *ratelimit.Limiter
	tracer   trace.Tracer
}

func NewHandler(orch Orchestrator, sm SettingsManager, memory Memory, costs Costs, limiter *ratelimit.Limiter, tracer trace.Tracer) *Handler {
	return &Handler{
		chat:     orch,
		settings: sm,
		memory:   memory,
		costs:    costs,
		limiter:  limiter,
		tracer:   tracer,
	}
}

// Routes mounts the authenticated API. Callers install auth and session
// middleware on r first.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/v1/chat", h.HandleChat)
	r.Post("/v1/chat/stream", h.HandleChatStream)
	r.Post("/v1/chat/all", h.HandleChatAll)
	r.Get("/v1/settings", h.HandleGetSettings)
	r.Put("/v1/settings", h.HandleUpdateSettings)
	r.Get("/v1/costs", h.HandleCosts)
	r.Get("/v1/memory", h.HandleMemory)
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	available := h.chat.Available()
	if available == nil {
		available = []provider.ID{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   "chat-gateway",
		"providers": available,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type chatRequest struct {
	Message string `json:"message"`
}

// turnScope carries what every chat endpoint resolves before calling the
// orchestrator.
type turnScope struct {
	ctx       context.Context // carries the request span
	accountID string
	sessionID string
	message   string
	history   []string
	settings  settings.Settings
}

// prepare authenticates, decodes, rate-limits and loads memory context. It
// writes the error response itself and returns false when the request
// must stop.
func (h *Handler) prepare(w http.ResponseWriter, r *http.Request, spanName string) (*turnScope, trace.Span, bool) {
	ctx := r.Context()
	accountID := auth.GetAccountID(ctx)
	if accountID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil, nil, false
	}

	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, nil, false
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return nil, nil, false
	}

	sc := &turnScope{
		accountID: accountID,
		sessionID: session.IDFromContext(ctx),
		message:   req.Message,
		settings:  h.settings.Snapshot(),
	}

	ctx, span := h.tracer.Start(ctx, spanName)
	sc.ctx = ctx
	span.SetAttributes(
		attribute.String("account_id", accountID),
		attribute.String("api_key_id", auth.GetAPIKeyID(ctx)),
		attribute.String("request_id", auth.GetRequestID(ctx)),
		attribute.String("session_id", sc.sessionID),
	)

	estimated := cost.EstimateTokens(req.Message) + sc.settings.Response.MaxTokens
	allowed, err := h.limiter.Allow(ctx, accountID, estimated)
	if err != nil {
		logger.Warn("rate limit check failed", "account_id", accountID, "error", err)
	}
	if err != nil || !allowed {
		span.End()
		w.Header().Set("Retry-After", "60s")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return nil, nil, false
	}

	history, err := h.memory.Context(ctx, accountID, sc.sessionID, req.Message,
		sc.settings.Memory.ContextCount, sc.settings.Memory.AutoLearning)
	if err != nil {
		logger.Warn("load conversation context failed", "session_id", sc.sessionID, "error", err)
	}
	sc.history = history

	return sc, span, true
}

func (h *Handler) persist(ctx context.Context, sc *turnScope, result chat.Result) error {
	turn := &session.Turn{
		AccountID:   sc.accountID,
		SessionID:   sc.sessionID,
		UserMessage: sc.message,
		Result:      result,
		Context:     sc.history,
	}
	// the turn is stored even if the client hung up after the answer
	return h.memory.Save(context.WithoutCancel(ctx), turn, sc.settings.Memory.AutoLearning)
}

func statusFor(res chat.Result) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.ErrorKind {
	case chat.KindProviderUnavailable:
		return http.StatusServiceUnavailable
	case chat.KindBudgetExceeded:
		return http.StatusPaymentRequired
	default:
		return http.StatusBadGateway
	}
}

func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	sc, span, ok := h.prepare(w, r, "api.chat")
	if !ok {
		return
	}
	defer span.End()

	result := h.chat.Chat(sc.ctx, sc.message, sc.history)
	if err := h.persist(sc.ctx, sc, result); err != nil {
		logger.Error("save conversation failed", "session_id", sc.sessionID, "error", err)
	}
	writeJSON(w, statusFor(result), result)
}

func (h *Handler) HandleChatAll(w http.ResponseWriter, r *http.Request) {
	sc, span, ok := h.prepare(w, r, "api.chat_all")
	if !ok {
		return
	}
	defer span.End()

	results, err := h.chat.ChatAll(sc.ctx, sc.message, sc.history)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, chat.ErrNoProvidersEnabled) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}

	if best, ok := bestResult(sc.settings, results); ok {
		if err := h.persist(sc.ctx, sc, best); err != nil {
			logger.Error("save conversation failed", "session_id", sc.sessionID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// bestResult picks the turn stored for a fan-out: the first success in
// provider priority order, else the first failure.
func bestResult(s settings.Settings, results map[provider.ID]chat.Result) (chat.Result, bool) {
	var fallback *chat.Result
	for _, id := range s.EnabledProviders() {
		res, ok := results[id]
		if !ok {
			continue
		}
		if res.Success {
			return res, true
		}
		if fallback == nil {
			fallback = &res
		}
	}
	if fallback == nil {
		return chat.Result{}, false
	}
	return *fallback, true
}

func (h *Handler) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.settings.Snapshot())
}

// HandleUpdateSettings applies the given sections over the current
// settings. Sections absent from the body keep their values; a section that
// is present replaces the stored one.
func (h *Handler) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	s := h.settings.Snapshot()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&s); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.settings.Update(s); err != nil {
		logger.Error("save settings failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}
	writeJSON(w, http.StatusOK, h.settings.Snapshot())
}

func (h *Handler) HandleCosts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := h.settings.Snapshot()
	now := time.Now()

	daily, err := h.costs.Daily(ctx, now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	monthly, err := h.costs.Monthly(ctx, now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := h.costs.Total(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	over, err := h.costs.IsOverBudget(ctx, s.Cost.DailyBudget, s.Cost.MonthlyBudget)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]any{
		"daily":          daily,
		"monthly":        monthly,
		"total":          total,
		"daily_budget":   s.Cost.DailyBudget,
		"monthly_budget": s.Cost.MonthlyBudget,
		"request_limit":  s.BudgetLimit(),
		"over_budget":    over,
		"tracking":       s.Cost.TrackCosts,
	}
	if accountID := auth.GetAccountID(ctx); accountID != "" {
		if status, err := h.limiter.Status(ctx, accountID); err == nil {
			resp["rate_limit"] = status
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleMemory(w http.ResponseWriter, r *http.Request) {
	accountID := auth.GetAccountID(r.Context())
	if accountID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	ov, err := h.memory.Overview(r.Context(), accountID)
	if err != nil {
		logger.Error("load memory overview failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load memory")
		return
	}
	writeJSON(w, http.StatusOK, ov)
}
