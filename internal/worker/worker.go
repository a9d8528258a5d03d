package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vnmchuo/chat-gateway/pkg/logger"
)

type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

type Job struct {
	ID        string
	Run       func(ctx context.Context)
	Status    JobStatus
	CreatedAt time.Time
}

// Pool runs fire-and-forget jobs on a fixed number of goroutines fed by a
// bounded queue.
type Pool struct {
	queue   chan *Job
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	statsMu sync.Mutex
	stats   Stats
}

// Stats counts jobs by status since the pool started.
type Stats struct {
	Pending int64 `json:"pending"`
	Running int64 `json:"running"`
	Done    int64 `json:"done"`
	Failed  int64 `json:"failed"`
}

func (s *Stats) counter(status JobStatus) *int64 {
	switch status {
	case JobStatusPending:
		return &s.Pending
	case JobStatusRunning:
		return &s.Running
	case JobStatusDone:
		return &s.Done
	default:
		return &s.Failed
	}
}

// Stats returns a snapshot of the job counters.
func (p *Pool) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

func (p *Pool) setStatus(job *Job, status JobStatus) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	if job.Status != "" {
		*p.stats.counter(job.Status)--
	}
	job.Status = status
	*p.stats.counter(status)++
}

type Option func(*Pool)

// WithJobTimeout bounds each job's context.
func WithJobTimeout(d time.Duration) Option {
	return func(p *Pool) { p.timeout = d }
}

func NewPool(workers, queueSize int, opts ...Option) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:   make(chan *Job, queueSize),
		timeout: 30 * time.Second,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.loop()
	}
	return p
}

// Submit enqueues run without blocking. It returns false when the queue is
// full or the pool is stopped.
func (p *Pool) Submit(run func(ctx context.Context)) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	job := &Job{
		ID:        uuid.NewString(),
		Run:       run,
		CreatedAt: time.Now(),
	}
	p.setStatus(job, JobStatusPending)
	select {
	case p.queue <- job:
		return true
	default:
		p.statsMu.Lock()
		p.stats.Pending--
		p.statsMu.Unlock()
		return false
	}
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for job := range p.queue {
		p.run(job)
	}
}

func (p *Pool) run(job *Job) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.setStatus(job, JobStatusFailed)
			logger.Error("worker job panicked", "job_id", job.ID, "age", time.Since(job.CreatedAt), "panic", r)
		}
	}()

	p.setStatus(job, JobStatusRunning)
	job.Run(ctx)
	p.setStatus(job, JobStatusDone)
}

// Stop drains queued jobs and waits for them, or cancels the remaining
// work when ctx expires first.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}
