// Package circuitbreaker guards calls to a remote dispatcher. After a run of
// consecutive failures the breaker opens and callers use their local path
// until a cooldown passes and a single probe is let through.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Do when the breaker rejects the call.
var ErrOpen = errors.New("circuitbreaker: open")

// State is the breaker position.
type State int

const (
	// Closed passes every call through.
	Closed State = iota
	// Open rejects calls until the cooldown elapses.
	Open
	// HalfOpen has one probe call in flight.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultThreshold = 3
	defaultCooldown  = 30 * time.Second
)

// Stats is a point-in-time view of the breaker.
type Stats struct {
	State     State     `json:"-"`
	StateName string    `json:"state"`
	Failures  int       `json:"consecutive_failures"`
	Trips     int       `json:"trips"`
	OpenedAt  time.Time `json:"opened_at,omitempty"`
}

// Breaker is safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	trips     int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	onChange  func(from, to State)

	nowFunc func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets how many consecutive failures open the breaker.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithCooldown sets how long the breaker stays open before probing.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithOnStateChange registers fn for state transitions. It runs with the
// breaker locked and must not call back into it.
func WithOnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// New returns a closed Breaker.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		state:     Closed,
		threshold: defaultThreshold,
		cooldown:  defaultCooldown,
		nowFunc:   time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow reports whether a call may go to the remote side. An open breaker
// whose cooldown has passed moves to HalfOpen and admits exactly one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.nowFunc().After(b.openedAt.Add(b.cooldown)) {
			b.transition(HalfOpen)
			return true
		}
	}
	return false
}

// RecordSuccess clears the failure run and closes a half-open breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == HalfOpen {
		b.transition(Closed)
	}
}

// RecordFailure extends the failure run. A failed probe reopens at once.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch {
	case b.state == HalfOpen, b.state == Closed && b.failures >= b.threshold:
		b.trip()
	}
}

// Do runs fn if the breaker allows it and records the result. It returns
// ErrOpen without calling fn otherwise.
func (b *Breaker) Do(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// CurrentState returns the state without advancing an expired cooldown.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Stats{
		State:     b.state,
		StateName: b.state.String(),
		Failures:  b.failures,
		Trips:     b.trips,
	}
	if b.state != Closed {
		st.OpenedAt = b.openedAt
	}
	return st
}

// Caller holds b.mu.
func (b *Breaker) trip() {
	b.trips++
	b.openedAt = b.nowFunc()
	b.transition(Open)
}

// Caller holds b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if b.onChange != nil && from != to {
		b.onChange(from, to)
	}
}
