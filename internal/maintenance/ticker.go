// Package maintenance runs periodic upkeep: expiring stale path entries and
// giving the queue a processing pass when renders alone have not.
package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jordanhubbard/cdnrewriter/internal/events"
)

// Scheduler requests a queue processing pass.
type Scheduler interface {
	Schedule(ctx context.Context) (bool, error)
}

// Config configures the ticker.
type Config struct {
	// Interval between ticks. The host platform ran this daily.
	Interval time.Duration
	// Timeout bounds the work done for one tick.
	Timeout time.Duration
}

// DefaultConfig returns the daily cadence.
func DefaultConfig() Config {
	return Config{
		Interval: 24 * time.Hour,
		Timeout:  time.Minute,
	}
}

// Ticker dispatches EventMaintenanceTick on the bus at a fixed interval and
// then asks the scheduler for a processing pass.
type Ticker struct {
	cfg       Config
	bus       *events.Bus
	scheduler Scheduler
	logger    *slog.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Ticker. scheduler may be nil.
func New(cfg Config, bus *events.Bus, scheduler Scheduler, logger *slog.Logger) *Ticker {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ticker{
		cfg:       cfg,
		bus:       bus,
		scheduler: scheduler,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins the tick loop in a goroutine.
func (t *Ticker) Start() {
	go t.run()
}

// Stop signals the loop to exit and waits for it. Safe to call twice.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
}

func (t *Ticker) run() {
	defer close(t.done)

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Tick()
		case <-t.stop:
			return
		}
	}
}

// Tick runs one round of upkeep synchronously.
func (t *Ticker) Tick() {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Timeout)
	defer cancel()

	if err := t.bus.Dispatch(ctx, events.Event{Type: events.EventMaintenanceTick}); err != nil {
		t.logger.Warn("maintenance tick failed", slog.String("error", err.Error()))
	}
	if t.scheduler == nil {
		return
	}
	scheduled, err := t.scheduler.Schedule(ctx)
	if err != nil {
		t.logger.Warn("maintenance scheduling failed", slog.String("error", err.Error()))
		return
	}
	t.logger.Debug("maintenance tick", slog.Bool("scheduled", scheduled))
}
