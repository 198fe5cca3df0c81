package generator

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultInitialDelay = 10 * time.Second
	DefaultInterval     = time.Hour
)

// ErrPassInProgress is returned when a pass is requested while another one
// is still running.
var ErrPassInProgress = errors.New("generation pass already in progress")

// Runner performs one generation pass.
type Runner interface {
	Run(ctx context.Context) (Summary, error)
}

// Scheduler runs the generator once after InitialDelay and then every
// Interval. Manual triggers share the same single-flight guard.
type Scheduler struct {
	Runner       Runner
	InitialDelay time.Duration
	Interval     time.Duration
	Logger       *log.Logger

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	last   *Summary
}

func NewScheduler(r Runner, initialDelay, interval time.Duration) *Scheduler {
	if initialDelay < 0 {
		initialDelay = DefaultInitialDelay
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{Runner: r, InitialDelay: initialDelay, Interval: interval}
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Start launches the ticker loop. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop ends the loop and waits for an in-flight pass to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(s.InitialDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	s.tick(ctx)
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.Trigger(ctx); err != nil {
		if errors.Is(err, ErrPassInProgress) {
			s.logf("generator: skipping tick, previous pass still running")
			return
		}
		if ctx.Err() == nil {
			s.logf("generator: pass failed: %v", err)
		}
	}
}

// Trigger runs one pass now unless another is in flight.
func (s *Scheduler) Trigger(ctx context.Context) (Summary, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Summary{}, ErrPassInProgress
	}
	defer s.running.Store(false)
	sum, err := s.Runner.Run(ctx)
	if err == nil {
		s.mu.Lock()
		s.last = &sum
		s.mu.Unlock()
	}
	return sum, err
}

// Running reports whether a pass is in flight.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// LastSummary returns the summary of the last successful pass, if any.
func (s *Scheduler) LastSummary() (Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Summary{}, false
	}
	return *s.last, true
}
