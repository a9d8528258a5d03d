package chat

import (
	"errors"

	"github.com/vnmchuo/chat-gateway/internal/provider"
)

// ErrorKind classifies a failed Result or error Event.
type ErrorKind string

const (
	KindProviderUnavailable ErrorKind = "provider_unavailable"
	KindBudgetExceeded      ErrorKind = "budget_exceeded"
	KindProviderCallFailed  ErrorKind = "provider_call_failed"
	// KindPersistenceFailed is reported by callers that store the turn
	// after a stream ended; it never comes out of the orchestrator.
	KindPersistenceFailed ErrorKind = "persistence_failed"
)

var (
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrBudgetExceeded      = errors.New("estimated cost exceeds per-request budget")
	ErrNoProvidersEnabled  = errors.New("no providers enabled")
)

func kindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrProviderUnavailable):
		return KindProviderUnavailable
	case errors.Is(err, ErrBudgetExceeded):
		return KindBudgetExceeded
	default:
		return KindProviderCallFailed
	}
}

// Result is the outcome of one non-streaming call. A failure is a normal
// value with Success false and the error text in Text.
type Result struct {
	Text             string          `json:"response"`
	Success          bool            `json:"success"`
	LatencyMs        int64           `json:"latency_ms"`
	Provider         provider.ID     `json:"provider"`
	Model            string          `json:"model,omitempty"`
	Tokens           *provider.Usage `json:"tokens,omitempty"`
	EstimatedCostUSD *float64        `json:"estimated_cost_usd,omitempty"`
	ErrorKind        ErrorKind       `json:"error_kind,omitempty"`
}

func errorResult(id provider.ID, model string, err error, latencyMs int64) Result {
	return Result{
		Text:      errorText(err),
		Success:   false,
		LatencyMs: latencyMs,
		Provider:  id,
		Model:     model,
		ErrorKind: kindOf(err),
	}
}

func errorText(err error) string {
	return "Error: " + err.Error()
}
