package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vnmchuo/chat-gateway/internal/chat"
	"github.com/vnmchuo/chat-gateway/pkg/logger"
)

// assistantContextLen bounds how much of a prior reply is fed back as
// context.
const assistantContextLen = 200

type Turn struct {
	ID          string      `json:"id"`
	AccountID   string      `json:"-"`
	SessionID   string      `json:"session_id"`
	UserMessage string      `json:"user_message"`
	Result      chat.Result `json:"result"`
	Context     []string    `json:"context,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

type Store interface {
	SaveTurn(ctx context.Context, turn *Turn) error
	// RecentTurns returns the newest turns of one session first.
	RecentTurns(ctx context.Context, accountID, sessionID string, limit int) ([]*Turn, error)
	// RecentConversations returns the newest turns across all sessions of
	// an account.
	RecentConversations(ctx context.Context, accountID string, limit int) ([]*Turn, error)
	DeleteTurnsBefore(ctx context.Context, before time.Time) (int64, error)

	SaveFact(ctx context.Context, fact *Fact) error
	FindFacts(ctx context.Context, accountID, keyword string, limit int) ([]*Fact, error)
	ListFacts(ctx context.Context, accountID string, limit int) ([]*Fact, error)
}

// Submitter runs fire-and-forget jobs.
type Submitter interface {
	Submit(job func(ctx context.Context)) bool
}

// Memory owns conversation history and learned user facts.
type Memory struct {
	store Store
	jobs  Submitter
	now   func() time.Time
}

func NewMemory(store Store, jobs Submitter) *Memory {
	return &Memory{store: store, jobs: jobs, now: time.Now}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// RecentContext returns up to limit lines from the newest turns of the
// session, oldest first. Assistant replies are cut to 200 characters.
func (m *Memory) RecentContext(ctx context.Context, accountID, sessionID string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	turns, err := m.store.RecentTurns(ctx, accountID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent turns: %w", err)
	}

	// collected newest first, reversed below
	lines := make([]string, 0, limit)
	for _, t := range turns {
		if t.Result.Success && len(lines) < limit {
			lines = append(lines, "Assistant: "+truncate(t.Result.Text, assistantContextLen))
		}
		if len(lines) < limit {
			lines = append(lines, "User: "+t.UserMessage)
		}
		if len(lines) >= limit {
			break
		}
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}

// Context combines facts relevant to message with the session's recent
// turns. Facts take at most half of limit when useFacts is set.
func (m *Memory) Context(ctx context.Context, accountID, sessionID, message string, limit int, useFacts bool) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []string
	if useFacts {
		facts, err := m.RelevantFacts(ctx, accountID, message, (limit+1)/2)
		if err != nil {
			return nil, err
		}
		out = append(out, facts...)
	}
	recent, err := m.RecentContext(ctx, accountID, sessionID, limit-len(out))
	if err != nil {
		return nil, err
	}
	return append(out, recent...), nil
}

// Save persists the turn. With learn set, facts in the user message are
// extracted in the background.
func (m *Memory) Save(ctx context.Context, turn *Turn, learn bool) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = m.now().UTC()
	}
	if err := m.store.SaveTurn(ctx, turn); err != nil {
		return err
	}
	if learn {
		m.learn(turn.AccountID, turn.UserMessage)
	}
	return nil
}

func (m *Memory) learn(accountID, message string) {
	kind, ok := ExtractFact(message)
	if !ok {
		return
	}
	fact := &Fact{
		AccountID: accountID,
		Type:      kind,
		Content:   message,
		Relevance: 1.0,
		CreatedAt: m.now().UTC(),
	}
	job := func(ctx context.Context) {
		if err := m.store.SaveFact(ctx, fact); err != nil {
			logger.Warn("save user fact failed", "type", kind, "error", err)
		}
	}
	if m.jobs == nil || !m.jobs.Submit(job) {
		logger.Warn("user fact dropped", "type", kind)
	}
}

// RelevantFacts looks up stored facts containing any of the first five
// words of message.
func (m *Memory) RelevantFacts(ctx context.Context, accountID, message string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	words := strings.Fields(strings.ToLower(message))
	if len(words) > 5 {
		words = words[:5]
	}

	seen := make(map[string]bool)
	var out []string
	for _, w := range words {
		w = strings.Trim(w, ".,!?;:\"'()")
		if len([]rune(w)) < 3 {
			continue
		}
		facts, err := m.store.FindFacts(ctx, accountID, w, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to look up facts: %w", err)
		}
		for _, f := range facts {
			if seen[f.Content] {
				continue
			}
			seen[f.Content] = true
			out = append(out, f.Content)
			if len(out) == limit {
				return out, nil
			}
		}
	}
	return out, nil
}

type Overview struct {
	Conversations []*Turn `json:"conversations"`
	Facts         []*Fact `json:"facts"`
}

// Overview lists the latest 20 conversations and the top 50 facts.
func (m *Memory) Overview(ctx context.Context, accountID string) (*Overview, error) {
	turns, err := m.store.RecentConversations(ctx, accountID, 20)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	facts, err := m.store.ListFacts(ctx, accountID, 50)
	if err != nil {
		return nil, fmt.Errorf("failed to list facts: %w", err)
	}
	if turns == nil {
		turns = []*Turn{}
	}
	if facts == nil {
		facts = []*Fact{}
	}
	return &Overview{Conversations: turns, Facts: facts}, nil
}

// Cleanup deletes conversations older than retentionDays.
func (m *Memory) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := m.now().UTC().AddDate(0, 0, -retentionDays)
	return m.store.DeleteTurnsBefore(ctx, cutoff)
}
