package maintenance

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jordanhubbard/cdnrewriter/internal/events"
)

type countingScheduler struct {
	n   atomic.Int32
	err error
}

func (c *countingScheduler) Schedule(context.Context) (bool, error) {
	c.n.Add(1)
	return c.err == nil, c.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestTickerDispatchesAndSchedules(t *testing.T) {
	bus := events.NewBus()
	var ticks atomic.Int32
	bus.On(events.EventMaintenanceTick, func(context.Context, events.Event) error {
		ticks.Add(1)
		return nil
	})
	sched := &countingScheduler{}

	tk := New(Config{Interval: 20 * time.Millisecond}, bus, sched, quietLogger())
	tk.Start()
	time.Sleep(90 * time.Millisecond)
	tk.Stop()

	if ticks.Load() == 0 {
		t.Fatal("expected at least one maintenance tick")
	}
	if sched.n.Load() != ticks.Load() {
		t.Errorf("schedule calls = %d, ticks = %d", sched.n.Load(), ticks.Load())
	}
}

func TestTickSurvivesFailures(t *testing.T) {
	bus := events.NewBus()
	bus.On(events.EventMaintenanceTick, func(context.Context, events.Event) error {
		return errors.New("store unavailable")
	})
	sched := &countingScheduler{err: errors.New("dispatch failed")}

	tk := New(Config{}, bus, sched, quietLogger())
	tk.Tick()
	tk.Tick()
	if sched.n.Load() != 2 {
		t.Errorf("schedule calls = %d, want 2", sched.n.Load())
	}
}

func TestDefaultsAndDoubleStop(t *testing.T) {
	tk := New(Config{}, events.NewBus(), nil, nil)
	if tk.cfg.Interval != 24*time.Hour || tk.cfg.Timeout != time.Minute {
		t.Errorf("cfg = %+v", tk.cfg)
	}
	tk.Start()
	tk.Stop()
	tk.Stop()
}
