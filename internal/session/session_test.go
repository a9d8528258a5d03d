package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vnmchuo/chat-gateway/internal/chat"
)

type memStore struct {
	mu      sync.Mutex
	turns   []*Turn
	facts   []*Fact
	saveErr error
}

func (m *memStore) SaveTurn(ctx context.Context, turn *Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.turns = append(m.turns, turn)
	return nil
}

func (m *memStore) newestFirst(match func(*Turn) bool, limit int) []*Turn {
	var out []*Turn
	for i := len(m.turns) - 1; i >= 0 && len(out) < limit; i-- {
		if match(m.turns[i]) {
			out = append(out, m.turns[i])
		}
	}
	return out
}

func (m *memStore) RecentTurns(ctx context.Context, accountID, sessionID string, limit int) ([]*Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newestFirst(func(t *Turn) bool {
		return t.AccountID == accountID && t.SessionID == sessionID
	}, limit), nil
}

func (m *memStore) RecentConversations(ctx context.Context, accountID string, limit int) ([]*Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newestFirst(func(t *Turn) bool { return t.AccountID == accountID }, limit), nil
}

func (m *memStore) DeleteTurnsBefore(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*Turn
	var n int64
	for _, t := range m.turns {
		if t.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, t)
	}
	m.turns = kept
	return n, nil
}

func (m *memStore) SaveFact(ctx context.Context, fact *Fact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.facts = append(m.facts, fact)
	return nil
}

func (m *memStore) FindFacts(ctx context.Context, accountID, keyword string, limit int) ([]*Fact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Fact
	for _, f := range m.facts {
		if f.AccountID == accountID && strings.Contains(strings.ToLower(f.Content), keyword) && len(out) < limit {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *memStore) ListFacts(ctx context.Context, accountID string, limit int) ([]*Fact, error) {
	return m.FindFacts(ctx, accountID, "", limit)
}

type inline struct{}

func (inline) Submit(job func(ctx context.Context)) bool {
	job(context.Background())
	return true
}

func turn(session, user, reply string, ok bool) *Turn {
	return &Turn{
		AccountID:   "acct",
		SessionID:   session,
		UserMessage: user,
		Result:      chat.Result{Text: reply, Success: ok},
	}
}

func TestRecentContext(t *testing.T) {
	store := &memStore{}
	m := NewMemory(store, inline{})
	ctx := context.Background()

	long := strings.Repeat("r", 250)
	m.Save(ctx, turn("s1", "first", "one", true), false)
	m.Save(ctx, turn("s1", "second", long, true), false)
	m.Save(ctx, turn("s1", "third", "Error: boom", false), false)
	m.Save(ctx, turn("s2", "other session", "x", true), false)

	got, err := m.RecentContext(ctx, "acct", "s1", 4)
	if err != nil {
		t.Fatalf("RecentContext failed: %v", err)
	}
	// failed replies are skipped; the limit cuts off "User: first"
	want := []string{
		"Assistant: one",
		"User: second",
		"Assistant: " + strings.Repeat("r", 200) + "...",
		"User: third",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Unexpected context:\n%v\nwant\n%v", got, want)
	}

	if got, _ := m.RecentContext(ctx, "acct", "s1", 0); got != nil {
		t.Errorf("Zero limit should yield nil, got %v", got)
	}
}

func TestExtractFact(t *testing.T) {
	cases := []struct {
		msg  string
		want FactType
		ok   bool
	}{
		{"I am a backend engineer", FactPersonal, true},
		{"i love hiking", FactPreferences, true},
		{"I work at a bakery", FactWorkInfo, true},
		{"My name is Sam", FactPersonalFacts, true},
		{"I prefer short answers", FactPersonalFacts, true},
		{"what time is it", "", false},
	}
	for _, c := range cases {
		got, ok := ExtractFact(c.msg)
		if got != c.want || ok != c.ok {
			t.Errorf("ExtractFact(%q) = %q, %v; want %q, %v", c.msg, got, ok, c.want, c.ok)
		}
	}
}

func TestSave_LearnsFacts(t *testing.T) {
	store := &memStore{}
	m := NewMemory(store, inline{})
	ctx := context.Background()

	if err := m.Save(ctx, turn("s", "I love jazz music", "nice", true), true); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	m.Save(ctx, turn("s", "I work in finance", "ok", true), false)

	if len(store.facts) != 1 || store.facts[0].Type != FactPreferences {
		t.Fatalf("Expected one preference fact, got %+v", store.facts)
	}
	if store.turns[0].CreatedAt.IsZero() {
		t.Error("Save should stamp CreatedAt")
	}

	facts, err := m.RelevantFacts(ctx, "acct", "Any JAZZ concerts nearby?", 3)
	if err != nil {
		t.Fatalf("RelevantFacts failed: %v", err)
	}
	if !reflect.DeepEqual(facts, []string{"I love jazz music"}) {
		t.Errorf("Unexpected facts %v", facts)
	}
}

func TestSave_Failure(t *testing.T) {
	store := &memStore{saveErr: errors.New("db down")}
	m := NewMemory(store, inline{})
	if err := m.Save(context.Background(), turn("s", "I am here", "x", true), true); err == nil {
		t.Error("Expected save error")
	}
	if len(store.facts) != 0 {
		t.Error("Facts must not be learned from an unsaved turn")
	}
}

func TestContext_FactsThenTurns(t *testing.T) {
	store := &memStore{facts: []*Fact{
		{AccountID: "acct", Content: "golang tips rock"},
		{AccountID: "acct", Content: "golang is my job"},
		{AccountID: "other", Content: "golang elsewhere"},
	}}
	m := NewMemory(store, inline{})
	ctx := context.Background()
	m.Save(ctx, turn("s", "hello", "hi there", true), false)

	// "tips" finds the first fact, "golang" finds it again plus the second
	got, err := m.Context(ctx, "acct", "s", "tips on golang", 4, true)
	if err != nil {
		t.Fatalf("Context failed: %v", err)
	}
	want := []string{"golang tips rock", "golang is my job", "User: hello", "Assistant: hi there"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	got, _ = m.Context(ctx, "acct", "s", "tips on golang", 4, false)
	if len(got) != 2 {
		t.Errorf("Facts must be skipped when learning is off, got %v", got)
	}
}

func TestOverviewAndCleanup(t *testing.T) {
	store := &memStore{}
	m := NewMemory(store, inline{})
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	old := turn("s", "old", "x", true)
	old.CreatedAt = now.AddDate(0, 0, -40)
	m.Save(ctx, old, false)
	m.Save(ctx, turn("s", "new", "y", true), false)

	ov, err := m.Overview(ctx, "acct")
	if err != nil {
		t.Fatalf("Overview failed: %v", err)
	}
	if len(ov.Conversations) != 2 || ov.Conversations[0].UserMessage != "new" || ov.Facts == nil {
		t.Errorf("Unexpected overview %+v", ov)
	}

	n, err := m.Cleanup(ctx, 30)
	if err != nil || n != 1 {
		t.Errorf("Expected one deleted turn, got %d, %v", n, err)
	}
}

func TestMiddleware(t *testing.T) {
	var seen []string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, IDFromContext(r.Context()))
	}))

	// header wins
	id := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderName, id)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if seen[0] != id || rr.Header().Get(HeaderName) != id {
		t.Errorf("Expected header session ID to be used")
	}
	if len(rr.Result().Cookies()) != 0 {
		t.Error("No cookie should be set for a known session")
	}

	// cookie
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: id})
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen[1] != id {
		t.Errorf("Expected cookie session ID, got %q", seen[1])
	}

	// minted
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderName, "not-a-uuid")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if seen[2] == "" || seen[2] == "not-a-uuid" {
		t.Errorf("Expected a new session ID, got %q", seen[2])
	}
	cookies := rr.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value != seen[2] {
		t.Errorf("Expected session cookie, got %v", cookies)
	}
}
