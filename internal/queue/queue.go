// Package queue persists unknown asset paths and verifies them in the
// background, moving each into the active or inactive set.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jordanhubbard/cdnrewriter/internal/events"
	"github.com/jordanhubbard/cdnrewriter/internal/lock"
	"github.com/jordanhubbard/cdnrewriter/internal/metrics"
	"github.com/jordanhubbard/cdnrewriter/internal/paths"
	"github.com/jordanhubbard/cdnrewriter/internal/site"
	"github.com/jordanhubbard/cdnrewriter/internal/store"
	"github.com/jordanhubbard/cdnrewriter/internal/verify"
)

// ErrLocked is returned by Process when another pass holds the lock.
var ErrLocked = errors.New("queue: processing already in progress")

// Defaults.
const (
	DefaultMaxItems    = 5
	DefaultInactiveTTL = 7 * 24 * time.Hour
	DefaultActiveTTL   = verify.DefaultActiveTTL

	// Unbounded processes every queued candidate in one pass.
	Unbounded = -1
)

// Verifier checks one candidate against the CDN.
type Verifier interface {
	Verify(ctx context.Context, c verify.Candidate) (verify.Result, error)
}

// ContextFactory builds the site context used to map paths to CDN URLs.
type ContextFactory interface {
	New(ctx context.Context, urls site.NetworkURLs, enq site.Enqueuer) (*site.Context, error)
}

// Config holds queue settings.
type Config struct {
	DocumentKey string
	LockKey     string
	MaxItems    int
	ActiveTTL   time.Duration // applied to network root records
	InactiveTTL time.Duration
}

// Options for a single processing pass.
type Options struct {
	// MaxItems caps candidates per pass. Zero uses the configured default;
	// Unbounded (or any negative value) removes the cap.
	MaxItems int
}

// Item statuses in a Report.
const (
	ItemActivated   = "activated"
	ItemDeactivated = "deactivated"
	ItemRetry       = "retry"
	ItemSkipped     = "skipped"
)

// ItemResult describes what happened to one candidate.
type ItemResult struct {
	Path   string `json:"path"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Report summarizes a processing pass.
type Report struct {
	Processed   int          `json:"processed"`
	Activated   int          `json:"activated"`
	Deactivated int          `json:"deactivated"`
	Retried     int          `json:"retried"`
	Skipped     int          `json:"skipped"`
	Remaining   int          `json:"remaining"`
	Items       []ItemResult `json:"items,omitempty"`
}

// Queue owns the persisted queue section of the path document.
type Queue struct {
	store    store.Store
	cfg      Config
	verifier Verifier
	contexts ContextFactory

	bus     *events.Bus
	metrics *metrics.Registry
	logger  *slog.Logger
	nowFunc func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithBus publishes processing notifications on b.
func WithBus(b *events.Bus) Option { return func(q *Queue) { q.bus = b } }

// WithMetrics records queue metrics on m.
func WithMetrics(m *metrics.Registry) Option { return func(q *Queue) { q.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(q *Queue) { q.logger = l } }

// New creates a Queue.
func New(s store.Store, v Verifier, contexts ContextFactory, cfg Config, opts ...Option) *Queue {
	if cfg.DocumentKey == "" {
		cfg.DocumentKey = store.DocumentKey
	}
	if cfg.LockKey == "" {
		cfg.LockKey = store.LockKey
	}
	if cfg.MaxItems == 0 {
		cfg.MaxItems = DefaultMaxItems
	}
	if cfg.ActiveTTL <= 0 {
		cfg.ActiveTTL = DefaultActiveTTL
	}
	if cfg.InactiveTTL <= 0 {
		cfg.InactiveTTL = DefaultInactiveTTL
	}
	q := &Queue{
		store:    s,
		cfg:      cfg,
		verifier: v,
		contexts: contexts,
		logger:   slog.Default(),
		nowFunc:  time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Len returns the number of persisted candidates.
func (q *Queue) Len(ctx context.Context) (int, error) {
	doc, err := store.LoadCurrent(ctx, q.store, q.cfg.DocumentKey)
	if err != nil || doc == nil {
		return 0, err
	}
	return len(doc.Queue), nil
}

// Locked reports whether a processing pass currently holds the lock.
func (q *Queue) Locked(ctx context.Context) (bool, error) {
	return lock.New(q.store, q.cfg.LockKey).Held(ctx)
}

// Save persists the candidates in p whose paths are not yet known in any
// state. It returns how many were added. A write refused by the processing
// lock is dropped and reported as store.ErrLockHeld.
func (q *Queue) Save(ctx context.Context, p *Pending) (int, error) {
	if p == nil || p.Len() == 0 {
		return 0, nil
	}
	// Refused while any processing pass holds the lock.
	guard := store.Guard{Lock: q.cfg.LockKey}

	// One retry on a revision conflict; a second conflict drops the write.
	for attempt := 0; attempt < 2; attempt++ {
		doc, err := store.LoadCurrent(ctx, q.store, q.cfg.DocumentKey)
		if err != nil {
			return 0, fmt.Errorf("load queue: %w", err)
		}
		if doc == nil {
			doc = store.NewDocument()
		}
		expected := doc.Revision

		added := 0
		for _, c := range p.Items() {
			if doc.Has(c.Path) {
				continue
			}
			doc.Queue[c.Path] = store.PathRecord{
				Src:    c.Src,
				Handle: c.Handle,
				Type:   c.Type,
				Seq:    doc.NextSeq(),
			}
			added++
		}
		if added == 0 {
			return 0, nil
		}

		err = q.store.CompareAndSwap(ctx, q.cfg.DocumentKey, doc, expected, guard)
		switch {
		case err == nil:
			if q.metrics != nil {
				q.metrics.QueuePending.Set(float64(len(doc.Queue)))
			}
			q.logger.Debug("queue saved", slog.Int("added", added), slog.Int("pending", len(doc.Queue)))
			return added, nil
		case errors.Is(err, store.ErrConflict):
			continue
		case errors.Is(err, store.ErrLockHeld):
			q.dropped("queue")
			q.logger.Debug("queue save dropped, processing in progress", slog.Int("candidates", added))
			return 0, err
		default:
			return 0, fmt.Errorf("save queue: %w", err)
		}
	}
	q.dropped("queue")
	q.logger.Debug("queue save dropped after revision conflicts")
	return 0, store.ErrConflict
}

func (q *Queue) dropped(writer string) {
	if q.metrics != nil {
		q.metrics.DroppedWrites.WithLabelValues(writer).Inc()
	}
}

// Process runs one verification pass under the processing lock.
func (q *Queue) Process(ctx context.Context, opts Options) (Report, error) {
	start := q.nowFunc()
	l := lock.New(q.store, q.cfg.LockKey)
	ok, err := l.Acquire(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		if q.metrics != nil {
			q.metrics.LockContention.Inc()
		}
		return Report{}, ErrLocked
	}
	// Finish bookkeeping even if the caller's context is cancelled mid-pass.
	bg := context.WithoutCancel(ctx)
	defer func() {
		if err := l.Release(bg); err != nil {
			q.logger.Warn("release processing lock", slog.String("error", err.Error()))
		}
	}()

	doc, err := store.LoadCurrent(ctx, q.store, q.cfg.DocumentKey)
	if err != nil {
		return Report{}, fmt.Errorf("load queue: %w", err)
	}
	if doc == nil || len(doc.Queue) == 0 {
		return Report{}, nil
	}

	sctx, err := q.contexts.New(ctx, paths.New(doc), nil)
	if err != nil {
		return Report{}, err
	}

	limit := opts.MaxItems
	if limit == 0 {
		limit = q.cfg.MaxItems
	}
	queued := doc.QueuedPaths()
	if limit > 0 && len(queued) > limit {
		queued = queued[:limit]
	}

	var rep Report
	changed := false
	now := q.nowFunc()
	for _, p := range queued {
		if ctx.Err() != nil {
			break
		}
		rec := doc.Queue[p]
		item := q.processOne(ctx, sctx, doc, p, rec, now)
		rep.Items = append(rep.Items, item)
		rep.Processed++
		switch item.Status {
		case ItemActivated:
			rep.Activated++
			changed = true
		case ItemDeactivated:
			rep.Deactivated++
			changed = true
		case ItemRetry:
			rep.Retried++
			changed = true
		case ItemSkipped:
			rep.Skipped++
		}
		if q.metrics != nil {
			q.metrics.VerificationsTotal.WithLabelValues(item.Status).Inc()
		}
	}
	rep.Remaining = len(doc.Queue)

	if changed {
		// Only written while this pass still holds the lock; a wipe that
		// force-released it discards everything verified here.
		if err := q.store.SaveDocument(bg, q.cfg.DocumentKey, doc, l.Guard()); err != nil {
			if errors.Is(err, store.ErrLockHeld) {
				q.dropped("processor")
				q.logger.Warn("processing results discarded, lock lost during pass",
					slog.Int("processed", rep.Processed))
			}
			return rep, fmt.Errorf("write processed queue: %w", err)
		}
	}

	if q.metrics != nil {
		q.metrics.QueuePending.Set(float64(rep.Remaining))
		q.metrics.ProcessDuration.Observe(q.nowFunc().Sub(start).Seconds())
	}
	q.logger.Info("queue processed",
		slog.Int("processed", rep.Processed),
		slog.Int("activated", rep.Activated),
		slog.Int("deactivated", rep.Deactivated),
		slog.Int("retried", rep.Retried),
		slog.Int("remaining", rep.Remaining),
	)
	if q.bus != nil {
		q.bus.Publish(events.Event{
			Type:        events.EventQueueProcessed,
			Processed:   rep.Processed,
			Activated:   rep.Activated,
			Deactivated: rep.Deactivated,
			Retried:     rep.Retried,
		})
	}
	return rep, nil
}

// processOne verifies one candidate and applies the outcome to doc.
func (q *Queue) processOne(ctx context.Context, sctx *site.Context, doc *store.Document, p string, rec store.PathRecord, now time.Time) ItemResult {
	item := ItemResult{Path: p}

	// Network roots only need recording once seen.
	if rec.Handle == store.NetworkSiteURL || rec.Handle == store.NetworkContentURL {
		doc.Move(p, store.StatusActive, store.PathRecord{
			TTL: now.Add(q.cfg.ActiveTTL).Unix(),
			URL: rec.Src,
		})
		item.Status = ItemActivated
		return item
	}

	remote, err := sctx.RemoteURL(p)
	if err != nil {
		item.Status = ItemSkipped
		item.Error = err.Error()
		return item
	}

	res, err := q.verifier.Verify(ctx, verify.Candidate{OriginPath: p, URL: rec.Src, CDNURL: remote})
	switch {
	case err == nil:
		doc.Move(p, store.StatusActive, store.PathRecord{TTL: res.TTL, Integrity: res.Integrity})
		item.Status = ItemActivated
	case errors.Is(err, verify.ErrDynamicFile), errors.Is(err, verify.ErrContentMismatch),
		errors.Is(err, verify.ErrTooLarge):
		doc.Move(p, store.StatusInactive, store.PathRecord{TTL: now.Add(q.cfg.InactiveTTL).Unix()})
		item.Status = ItemDeactivated
		item.Error = err.Error()
	default:
		// Rotate to the back so a run of failing fetches cannot starve the
		// candidates queued behind it.
		rec.Seq = doc.NextSeq()
		doc.Queue[p] = rec
		item.Status = ItemRetry
		item.Error = err.Error()
		q.logger.Debug("verification deferred", slog.String("path", p), slog.String("error", err.Error()))
	}
	return item
}
