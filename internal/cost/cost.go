package cost

import (
	"context"
	"fmt"
	"time"

	"github.com/vnmchuo/chat-gateway/internal/provider"
	"github.com/vnmchuo/chat-gateway/pkg/logger"
)

type Record struct {
	ID           string
	Provider     provider.ID
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	CreatedAt    time.Time
}

type Store interface {
	Insert(ctx context.Context, rec *Record) error
	// SpendingBetween sums cost per provider for from <= created_at < to.
	SpendingBetween(ctx context.Context, from, to time.Time) (map[provider.ID]float64, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Submitter runs fire-and-forget jobs; Submit reports false when the job
// was dropped.
type Submitter interface {
	Submit(job func(ctx context.Context)) bool
}

type Summary struct {
	Total      float64                 `json:"total"`
	ByProvider map[provider.ID]float64 `json:"by_provider"`
}

type Tracker struct {
	store Store
	jobs  Submitter
	now   func() time.Time
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(store Store, jobs Submitter, opts ...Option) *Tracker {
	t := &Tracker{store: store, jobs: jobs, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) EstimateTokens(text string) int {
	return EstimateTokens(text)
}

func (t *Tracker) EstimateCost(id provider.ID, model string, inputTokens, outputTokens int) float64 {
	return EstimateCost(id, model, inputTokens, outputTokens)
}

// RecordCost queues the insert and returns immediately. Failures are only
// logged.
func (t *Tracker) RecordCost(id provider.ID, model string, usage provider.Usage, usd float64) {
	rec := &Record{
		Provider:     id,
		Model:        model,
		InputTokens:  usage.Input,
		OutputTokens: usage.Output,
		CostUSD:      usd,
		CreatedAt:    t.now().UTC(),
	}
	job := func(ctx context.Context) {
		if err := t.store.Insert(ctx, rec); err != nil {
			logger.Warn("record cost failed", "provider", id, "model", model, "error", err)
		}
	}
	if t.jobs == nil {
		go job(context.Background())
		return
	}
	if !t.jobs.Submit(job) {
		logger.Warn("cost record dropped, worker queue full", "provider", id, "model", model)
	}
}

func (t *Tracker) summary(ctx context.Context, from, to time.Time) (Summary, error) {
	byProvider, err := t.store.SpendingBetween(ctx, from, to)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to sum spending: %w", err)
	}
	if byProvider == nil {
		byProvider = map[provider.ID]float64{}
	}
	var total float64
	for id, v := range byProvider {
		byProvider[id] = round4(v)
		total += v
	}
	return Summary{Total: round4(total), ByProvider: byProvider}, nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Daily sums spending for the UTC calendar day containing day.
func (t *Tracker) Daily(ctx context.Context, day time.Time) (Summary, error) {
	from := startOfDay(day.UTC())
	return t.summary(ctx, from, from.AddDate(0, 0, 1))
}

// Monthly sums spending for the UTC calendar month containing month.
func (t *Tracker) Monthly(ctx context.Context, month time.Time) (Summary, error) {
	m := month.UTC()
	from := time.Date(m.Year(), m.Month(), 1, 0, 0, 0, 0, time.UTC)
	return t.summary(ctx, from, from.AddDate(0, 1, 0))
}

func (t *Tracker) Total(ctx context.Context) (Summary, error) {
	return t.summary(ctx, time.Unix(0, 0).UTC(), t.now().UTC().Add(time.Hour))
}

// IsOverBudget reports whether today's or this month's spending has
// reached its budget.
func (t *Tracker) IsOverBudget(ctx context.Context, dailyBudget, monthlyBudget float64) (bool, error) {
	now := t.now()
	daily, err := t.Daily(ctx, now)
	if err != nil {
		return false, err
	}
	if daily.Total >= dailyBudget {
		return true, nil
	}
	monthly, err := t.Monthly(ctx, now)
	if err != nil {
		return false, err
	}
	return monthly.Total >= monthlyBudget, nil
}

// Cleanup removes records older than daysToKeep whole days; the boundary
// day is kept.
func (t *Tracker) Cleanup(ctx context.Context, daysToKeep int) (int64, error) {
	cutoff := startOfDay(t.now().UTC()).AddDate(0, 0, -daysToKeep)
	n, err := t.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up cost records: %w", err)
	}
	return n, nil
}
