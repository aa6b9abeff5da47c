// Package rewrite decides, per asset URL, whether a page render should load
// it from the CDN, leave it alone, or queue it for verification.
package rewrite

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jordanhubbard/cdnrewriter/internal/events"
	"github.com/jordanhubbard/cdnrewriter/internal/metrics"
	"github.com/jordanhubbard/cdnrewriter/internal/paths"
	"github.com/jordanhubbard/cdnrewriter/internal/queue"
	"github.com/jordanhubbard/cdnrewriter/internal/site"
	"github.com/jordanhubbard/cdnrewriter/internal/sri"
	"github.com/jordanhubbard/cdnrewriter/internal/store"
)

// Kind is the outcome of one rewrite decision.
type Kind string

const (
	Rewritten   Kind = "rewritten"
	PassThrough Kind = "pass_through"
	Queued      Kind = "queued"
)

// Asset types handled by the engine.
const (
	TypeScript = "script"
	TypeStyle  = "style"
)

// Outcome is the URL to render and how it was decided.
type Outcome struct {
	URL       string `json:"url"`
	Kind      Kind   `json:"outcome"`
	Path      string `json:"path,omitempty"`
	Integrity string `json:"integrity,omitempty"`
}

// Candidate is what hooks see for one asset.
type Candidate struct {
	Path   string
	URL    string
	Handle string
	Type   string
}

// Hooks let the host veto or substitute rewrites.
type Hooks struct {
	// ShouldRewrite returning false leaves the URL unchanged.
	ShouldRewrite func(Candidate) bool
	// PreRewrite returning ok=true short-circuits the lookup with its URL.
	PreRewrite func(Candidate) (string, bool)
}

// Scheduler requests an asynchronous processing pass.
type Scheduler interface {
	Schedule(ctx context.Context) (bool, error)
}

// Engine creates executions against shared collaborators.
type Engine struct {
	store     store.Store
	docKey    string
	contexts  *site.Factory
	queue     *queue.Queue
	scheduler Scheduler
	hooks     Hooks

	bus     *events.Bus
	metrics *metrics.Registry
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

func WithHooks(h Hooks) Option               { return func(e *Engine) { e.hooks = h } }
func WithBus(b *events.Bus) Option           { return func(e *Engine) { e.bus = b } }
func WithMetrics(m *metrics.Registry) Option { return func(e *Engine) { e.metrics = m } }
func WithLogger(l *slog.Logger) Option       { return func(e *Engine) { e.logger = l } }
func WithDocumentKey(key string) Option      { return func(e *Engine) { e.docKey = key } }
func WithScheduler(s Scheduler) Option       { return func(e *Engine) { e.scheduler = s } }

// NewEngine creates an Engine.
func NewEngine(s store.Store, contexts *site.Factory, q *queue.Queue, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		docKey:   store.DocumentKey,
		contexts: contexts,
		queue:    q,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Begin starts an execution. If the path table or settings cannot be read
// the execution degrades and passes every URL through.
func (e *Engine) Begin(ctx context.Context) *Execution {
	x := &Execution{
		ID:        uuid.NewString(),
		engine:    e,
		pending:   queue.NewPending(),
		integrity: sri.NewCollector(),
	}
	tbl, err := paths.Load(ctx, e.store, e.docKey)
	if err != nil {
		e.logger.Warn("path table unavailable, passing assets through",
			slog.String("execution_id", x.ID), slog.String("error", err.Error()))
		x.degraded = true
		return x
	}
	sctx, err := e.contexts.New(ctx, tbl, x.pending)
	if err != nil {
		e.logger.Warn("site context unavailable, passing assets through",
			slog.String("execution_id", x.ID), slog.String("error", err.Error()))
		x.degraded = true
		return x
	}
	x.table = tbl
	x.site = sctx
	return x
}

// Execution is the rewrite state for one page render.
type Execution struct {
	ID string

	engine    *Engine
	table     *paths.Table
	site      *site.Context
	pending   *queue.Pending
	integrity *sri.Collector
	degraded  bool
}

// Rewrite returns the URL to render for one asset.
func (x *Execution) Rewrite(url, handle, typ string) Outcome {
	out := x.decide(url, handle, typ)
	if m := x.engine.metrics; m != nil {
		m.RewritesTotal.WithLabelValues(string(out.Kind)).Inc()
	}
	if out.Kind != PassThrough && x.engine.bus != nil {
		x.engine.bus.Publish(events.Event{
			Type:      events.EventAssetEnqueued,
			URL:       url,
			Handle:    handle,
			AssetType: typ,
			Path:      out.Path,
			Outcome:   string(out.Kind),
		})
	}
	return out
}

func (x *Execution) decide(url, handle, typ string) Outcome {
	pass := Outcome{URL: url, Kind: PassThrough}
	if url == "" || x.degraded {
		return pass
	}
	if typ != TypeScript && typ != TypeStyle {
		return pass
	}

	rel, err := x.site.RelativePath(url)
	if err != nil {
		return pass
	}
	if err := x.site.VerifySettings(); err != nil {
		return pass
	}
	pass.Path = rel

	c := Candidate{Path: rel, URL: url, Handle: handle, Type: typ}
	if h := x.engine.hooks.ShouldRewrite; h != nil && !h(c) {
		return pass
	}
	if h := x.engine.hooks.PreRewrite; h != nil {
		if sub, ok := h(c); ok {
			return Outcome{URL: sub, Kind: Rewritten, Path: rel}
		}
	}

	if rec, ok := x.table.Active(rel); ok {
		remote, err := x.site.RemoteURL(rel)
		if err != nil {
			x.engine.logger.Debug("active path not mappable", slog.String("path", rel), slog.String("error", err.Error()))
			return pass
		}
		x.integrity.Add(typ, handle, rel, rec.Integrity)
		return Outcome{URL: remote, Kind: Rewritten, Path: rel, Integrity: rec.Integrity}
	}
	if x.table.IsInactive(rel) {
		return pass
	}
	x.pending.Add(rel, url, handle, typ)
	return Outcome{URL: url, Kind: Queued, Path: rel}
}

// Integrity returns the integrity collector for this execution.
func (x *Execution) Integrity() *sri.Collector { return x.integrity }

// Pending returns the candidates queued by this execution.
func (x *Execution) Pending() *queue.Pending { return x.pending }

// FinishReport describes the end-of-execution bookkeeping.
type FinishReport struct {
	Queued    int  `json:"queued"`
	Scheduled bool `json:"scheduled"`
}

// Finish persists newly seen candidates and schedules processing. A save
// refused by the processing lock is not an error.
func (x *Execution) Finish(ctx context.Context) (FinishReport, error) {
	var rep FinishReport
	e := x.engine
	if x.degraded {
		return rep, nil
	}

	added, err := e.queue.Save(ctx, x.pending)
	switch {
	case err == nil:
		rep.Queued = added
	case errors.Is(err, store.ErrLockHeld), errors.Is(err, store.ErrConflict):
		e.logger.Debug("queue save dropped", slog.String("execution_id", x.ID), slog.String("error", err.Error()))
	default:
		return rep, err
	}

	if e.scheduler != nil {
		ok, err := e.scheduler.Schedule(ctx)
		if err != nil {
			return rep, err
		}
		rep.Scheduled = ok
	}
	return rep, nil
}
