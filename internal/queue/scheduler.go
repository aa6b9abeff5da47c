package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jordanhubbard/cdnrewriter/internal/circuitbreaker"
	"github.com/jordanhubbard/cdnrewriter/internal/lock"
)

// ErrClosed is returned by a dispatcher that has been shut down.
var ErrClosed = errors.New("queue: dispatcher closed")

// Dispatcher starts an asynchronous processing pass. Duplicate dispatches
// while a pass is pending must collapse into one.
type Dispatcher interface {
	Dispatch(ctx context.Context) error
}

// Scheduler decides whether a pass is needed and hands it to a dispatcher.
// When a primary dispatcher is configured it is guarded by a circuit breaker
// and the fallback takes over while the breaker is open.
type Scheduler struct {
	queue    *Queue
	primary  Dispatcher
	fallback Dispatcher
	breaker  *circuitbreaker.Breaker
	logger   *slog.Logger
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithPrimary routes dispatches through d while b allows it.
func WithPrimary(d Dispatcher, b *circuitbreaker.Breaker) SchedulerOption {
	return func(s *Scheduler) {
		s.primary = d
		s.breaker = b
	}
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler creates a Scheduler that dispatches through fallback unless a
// primary is configured.
func NewScheduler(q *Queue, fallback Dispatcher, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{queue: q, fallback: fallback, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	if s.primary != nil && s.breaker == nil {
		s.breaker = circuitbreaker.New()
	}
	return s
}

// Schedule dispatches a pass if the persisted queue is non-empty and no pass
// is running. It reports whether a dispatch happened.
func (s *Scheduler) Schedule(ctx context.Context) (bool, error) {
	n, err := s.queue.Len(ctx)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	locked, err := s.queue.Locked(ctx)
	if err != nil {
		return false, err
	}
	if locked {
		return false, nil
	}

	if s.primary != nil && s.breaker.Allow() {
		err := s.primary.Dispatch(ctx)
		if err == nil {
			s.breaker.RecordSuccess()
			return true, nil
		}
		s.breaker.RecordFailure()
		s.logger.Warn("primary dispatch failed, using local processing",
			slog.String("error", err.Error()),
			slog.String("breaker", s.breaker.CurrentState().String()))
	}
	if err := s.fallback.Dispatch(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// LocalDispatcher runs passes in-process. Concurrent dispatches share one
// pass through a singleflight group.
type LocalDispatcher struct {
	queue   *Queue
	opts    Options
	timeout time.Duration
	logger  *slog.Logger

	group  singleflight.Group
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewLocalDispatcher creates a LocalDispatcher. Each pass is bounded by the
// lock TTL.
func NewLocalDispatcher(q *Queue, logger *slog.Logger) *LocalDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalDispatcher{queue: q, timeout: lock.DefaultTTL, logger: logger}
}

// Dispatch starts a pass in the background and returns immediately.
func (d *LocalDispatcher) Dispatch(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	base := context.WithoutCancel(ctx)
	go func() {
		defer d.wg.Done()
		_, _, _ = d.group.Do("process", func() (any, error) {
			runCtx, cancel := context.WithTimeout(base, d.timeout)
			defer cancel()
			rep, err := d.queue.Process(runCtx, d.opts)
			if err != nil && !errors.Is(err, ErrLocked) {
				d.logger.Warn("background processing failed", slog.String("error", err.Error()))
			}
			return rep, err
		})
	}()
	return nil
}

// Close stops accepting dispatches and waits for running passes.
func (d *LocalDispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
