// Copyright 2026 The Ceramic Anchor Service Authors

package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingRunner struct {
	calls int32
	err   error
}

func (r *countingRunner) RunOnce(ctx context.Context) error {
	atomic.AddInt32(&r.calls, 1)
	return r.err
}

type countingObserver struct {
	ticks int32
	errs  int32
}

func (o *countingObserver) OnTick(err error) {
	atomic.AddInt32(&o.ticks, 1)
	if err != nil {
		atomic.AddInt32(&o.errs, 1)
	}
}

func TestScheduler_NilRunnerRejected(t *testing.T) {
	if _, err := New(nil, nil); !errors.Is(err, errNilService) {
		t.Fatalf("expected errNilService, got %v", err)
	}
}

func TestScheduler_TicksWhileRunning(t *testing.T) {
	runner := &countingRunner{}
	observer := &countingObserver{}

	s, err := New(runner, &Config{CheckInterval: 5 * time.Millisecond, Observer: observer})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if atomic.LoadInt32(&runner.calls) == 0 {
		t.Fatal("expected at least one RunOnce call")
	}
	if atomic.LoadInt32(&observer.ticks) == 0 {
		t.Fatal("expected at least one observer tick")
	}
}

func TestScheduler_PauseStopsTicksUntilResumed(t *testing.T) {
	runner := &countingRunner{}
	s, err := New(runner, &Config{CheckInterval: 5 * time.Millisecond, Observer: NoopRunObserver{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Pause()
	if s.CurrentState() != StatePaused {
		t.Fatalf("expected paused state, got %s", s.CurrentState())
	}

	time.Sleep(20 * time.Millisecond)
	pausedCalls := atomic.LoadInt32(&runner.calls)

	s.Resume()
	time.Sleep(30 * time.Millisecond)
	resumedCalls := atomic.LoadInt32(&runner.calls)

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if resumedCalls <= pausedCalls {
		t.Fatalf("expected additional RunOnce calls after resume: paused=%d resumed=%d", pausedCalls, resumedCalls)
	}
}

func TestScheduler_ObserverSeesErrors(t *testing.T) {
	runner := &countingRunner{err: errors.New("boom")}
	observer := &countingObserver{}

	s, err := New(runner, &Config{CheckInterval: 5 * time.Millisecond, Observer: observer})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if atomic.LoadInt32(&observer.errs) == 0 {
		t.Fatal("expected observer to see at least one error")
	}
}
