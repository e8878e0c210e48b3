// Copyright 2026 The Ceramic Anchor Service Authors
//
// Scheduler drives the anchor batch procedure on a fixed check interval,
// adapted from the teacher's pkg/batch/scheduler.go ticker/state-machine
// shape. Where the teacher's scheduler tracked a single open on-cadence
// batch and fired a callback when its timer elapsed, this scheduler simply
// invokes anchorsvc.Service.RunOnce every tick — ripeness (minSize vs.
// linger) is itself decided inside SelectReadyBatch (spec §4.2), so the
// scheduler's only job is to offer the pipeline a chance to run regularly.

package scheduler

import (
	"context"
	"log"
	"sync"
	"time"
)

// Runner is the single operation the scheduler drives each tick. Narrows
// *anchorsvc.Service to what this package needs, so the scheduler can be
// tested without a live database.
type Runner interface {
	RunOnce(ctx context.Context) error
}

// State is the current state of the scheduler.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

// RunObserver is notified after every RunOnce tick, success or failure, for
// callers that want to track liveness (e.g. pkg/metrics) without the
// scheduler depending on a metrics library directly.
type RunObserver interface {
	OnTick(err error)
}

// NoopRunObserver implements RunObserver with a no-op.
type NoopRunObserver struct{}

func (NoopRunObserver) OnTick(error) {}

// Config holds scheduler configuration.
type Config struct {
	// CheckInterval is how often RunOnce is invoked.
	CheckInterval time.Duration
	Observer      RunObserver
	Logger        *log.Logger
}

// DefaultConfig returns a Config with a 30s check interval, reasonable for
// polling a Postgres-coordinated batch pipeline without hammering it.
func DefaultConfig() *Config {
	return &Config{
		CheckInterval: 30 * time.Second,
		Observer:      NoopRunObserver{},
		Logger:        log.New(log.Writer(), "[Scheduler] ", log.LstdFlags),
	}
}

// Scheduler manages the anchor service's run cadence.
type Scheduler struct {
	mu sync.RWMutex

	svc Runner

	checkInterval time.Duration
	observer      RunObserver
	logger        *log.Logger

	state  State
	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Scheduler over svc. cfg may be nil to use DefaultConfig.
func New(svc Runner, cfg *Config) (*Scheduler, error) {
	if svc == nil {
		return nil, errNilService
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Observer == nil {
		cfg.Observer = NoopRunObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Scheduler] ", log.LstdFlags)
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultConfig().CheckInterval
	}

	return &Scheduler{
		svc:           svc,
		checkInterval: cfg.CheckInterval,
		observer:      cfg.Observer,
		logger:        cfg.Logger,
		state:         StateStopped,
	}, nil
}

// Start begins the scheduler's background tick loop. A no-op if already
// running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateRunning {
		return nil
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.state = StateRunning

	go s.run(ctx)

	s.logger.Printf("scheduler started (check_interval=%s)", s.checkInterval)
	return nil
}

// Stop halts the tick loop and waits for the in-flight tick, if any, to
// finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning && s.state != StatePaused {
		s.mu.Unlock()
		return nil
	}
	close(s.stopCh)
	s.state = StateStopped
	s.mu.Unlock()

	<-s.doneCh
	s.logger.Println("scheduler stopped")
	return nil
}

// Pause suspends ticking without tearing down the loop.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		s.state = StatePaused
		s.logger.Println("scheduler paused")
	}
}

// Resume resumes a paused scheduler.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StatePaused {
		s.state = StateRunning
		s.logger.Println("scheduler resumed")
	}
}

// CurrentState returns the scheduler's current state.
func (s *Scheduler) CurrentState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Println("scheduler context cancelled")
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.RLock()
			state := s.state
			s.mu.RUnlock()
			if state != StateRunning {
				continue
			}

			err := s.svc.RunOnce(ctx)
			if err != nil {
				s.logger.Printf("anchor cycle failed: %v", err)
			}
			s.observer.OnTick(err)
		}
	}
}
