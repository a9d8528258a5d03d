package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ID names an upstream LLM provider.
type ID string

const (
	OpenAI    ID = "openai"
	Google    ID = "google"
	Anthropic ID = "anthropic"
)

// Order is the fixed enumeration used to break priority ties.
var Order = []ID{OpenAI, Google, Anthropic}

// Rank returns the position of id in Order, or len(Order) for unknown IDs.
func (id ID) Rank() int {
	for i, o := range Order {
		if o == id {
			return i
		}
	}
	return len(Order)
}

var ErrMissingAPIKey = errors.New("api key not configured")

type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	RequestID   string
}

type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
}

// UserPrompt builds a single-turn request body.
func UserPrompt(prompt string) []Message {
	return []Message{{Role: "user", Content: prompt}}
}

// Usage is only reported when the upstream returns token counts.
type Usage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

type Response struct {
	ID        string
	Content   string
	Model     string
	Provider  ID
	Usage     *Usage
	LatencyMs int64
}

// Chunk is one step of a streamed completion. A stream ends with exactly
// one chunk that has Done or Err set. Usage, when the upstream reports it,
// rides on the Done chunk. An upstream that closes before its end marker
// yields an Err chunk wrapping io.ErrUnexpectedEOF, never Done.
type Chunk struct {
	Delta string
	Usage *Usage
	Done  bool
	Err   error
}

type Provider interface {
	Name() ID
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Streamer is implemented by adapters whose upstream supports incremental
// token delivery. The returned channel is closed after a Done or Err chunk.
type Streamer interface {
	Provider
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
}

// Error is the normalized failure returned by every adapter.
type Error struct {
	Provider   ID
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Timeout reports whether the call hit its deadline.
func (e *Error) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

func Wrap(id ID, err error) error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return err
	}
	return &Error{Provider: id, Err: err}
}

// WithTimeout applies the per-call timeout; a zero timeout only adds
// cancellation.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// Send delivers c unless ctx is done first.
func Send(ctx context.Context, ch chan<- *Chunk, c *Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func Since(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
