package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_RunsJobs(t *testing.T) {
	p := NewPool(2, 10)

	var n atomic.Int32
	for i := 0; i < 5; i++ {
		if !p.Submit(func(ctx context.Context) { n.Add(1) }) {
			t.Fatalf("Submit %d rejected", i)
		}
	}

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if n.Load() != 5 {
		t.Errorf("Expected 5 jobs to run, got %d", n.Load())
	}
}

func TestPool_FullQueueDrops(t *testing.T) {
	p := NewPool(1, 1)
	release := make(chan struct{})
	started := make(chan struct{})

	p.Submit(func(ctx context.Context) {
		close(started)
		<-release
	})
	<-started

	if !p.Submit(func(ctx context.Context) {}) {
		t.Fatal("Expected queued job to be accepted")
	}
	if p.Submit(func(ctx context.Context) {}) {
		t.Error("Expected job to be dropped when queue is full")
	}

	close(release)
	p.Stop(context.Background())
}

func TestPool_SubmitAfterStop(t *testing.T) {
	p := NewPool(1, 1)
	p.Stop(context.Background())
	if p.Submit(func(ctx context.Context) {}) {
		t.Error("Submit after Stop should fail")
	}
	// second Stop is a no-op
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Second Stop returned %v", err)
	}
}

func TestPool_PanicDoesNotKillWorker(t *testing.T) {
	p := NewPool(1, 2)

	var ran atomic.Bool
	p.Submit(func(ctx context.Context) { panic("boom") })
	p.Submit(func(ctx context.Context) { ran.Store(true) })
	p.Stop(context.Background())

	if !ran.Load() {
		t.Error("Job after panic did not run")
	}
	if got := p.Stats(); got != (Stats{Done: 1, Failed: 1}) {
		t.Errorf("Unexpected stats %+v", got)
	}
}

func TestPool_StatsTrackQueue(t *testing.T) {
	p := NewPool(1, 1)
	release := make(chan struct{})
	started := make(chan struct{})

	p.Submit(func(ctx context.Context) {
		close(started)
		<-release
	})
	<-started
	p.Submit(func(ctx context.Context) {})
	p.Submit(func(ctx context.Context) {}) // dropped

	if got := p.Stats(); got != (Stats{Pending: 1, Running: 1}) {
		t.Errorf("Expected one pending and one running job, got %+v", got)
	}

	close(release)
	p.Stop(context.Background())
	if got := p.Stats(); got != (Stats{Done: 2}) {
		t.Errorf("Expected two finished jobs, got %+v", got)
	}
}

func TestPool_StopTimeoutCancelsJobs(t *testing.T) {
	p := NewPool(1, 1)
	cancelled := make(chan struct{})
	started := make(chan struct{})
	p.Submit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Stop(ctx); err == nil {
		t.Error("Expected Stop to time out")
	}

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Error("Running job was not cancelled")
	}
}
