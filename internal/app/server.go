package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jordanhubbard/cdnrewriter/internal/circuitbreaker"
	"github.com/jordanhubbard/cdnrewriter/internal/clean"
	"github.com/jordanhubbard/cdnrewriter/internal/events"
	"github.com/jordanhubbard/cdnrewriter/internal/httpapi"
	"github.com/jordanhubbard/cdnrewriter/internal/idempotency"
	"github.com/jordanhubbard/cdnrewriter/internal/logging"
	"github.com/jordanhubbard/cdnrewriter/internal/maintenance"
	"github.com/jordanhubbard/cdnrewriter/internal/metrics"
	"github.com/jordanhubbard/cdnrewriter/internal/queue"
	"github.com/jordanhubbard/cdnrewriter/internal/ratelimit"
	"github.com/jordanhubbard/cdnrewriter/internal/rewrite"
	"github.com/jordanhubbard/cdnrewriter/internal/settings"
	"github.com/jordanhubbard/cdnrewriter/internal/site"
	"github.com/jordanhubbard/cdnrewriter/internal/store"
	"github.com/jordanhubbard/cdnrewriter/internal/temporal"
	"github.com/jordanhubbard/cdnrewriter/internal/tracing"
	"github.com/jordanhubbard/cdnrewriter/internal/verify"
)

type Server struct {
	mu  sync.Mutex
	cfg Config

	r *chi.Mux

	store     store.Store
	bus       *events.Bus
	settings  *settings.Service
	scheduler *queue.Scheduler
	local     *queue.LocalDispatcher
	temporal  *temporal.Manager
	ticker    *maintenance.Ticker
	limiter   *ratelimit.Limiter
	replays   *idempotency.Cache
	shutdown  func(context.Context) error
	logger    *slog.Logger
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	shutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
		Version:     cfg.Version,
		SampleRatio: cfg.OTelSampleRatio,
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	if cfg.OTelEnabled {
		r.Use(tracing.Middleware())
	}
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	db, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("store initialized", slog.String("driver", cfg.StoreDriver))

	s := &Server{cfg: cfg, r: r, store: db, shutdown: shutdown, logger: logger}
	if err := s.wire(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func openStore(cfg Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "leveldb":
		return store.NewLevelDB(cfg.LevelDBPath)
	case "sqlite", "":
		return store.NewSQLite(cfg.DBDSN)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// wire builds the rewrite pipeline on top of the open store and mounts it.
func (s *Server) wire() error {
	cfg, logger, db := s.cfg, s.logger, s.store
	ctx := context.Background()

	siteCfg := cfg.Site.Normalized()
	keys := clean.DefaultKeys(siteCfg.Multisite)
	m := metrics.New()
	s.bus = events.NewBus()

	s.settings = settings.New(db, keys.Setting, s.bus)
	if cfg.CDNURL != "" {
		if err := s.settings.Seed(ctx, cfg.CDNURL); err != nil {
			return fmt.Errorf("seed cdn url: %w", err)
		}
	}
	factory := &site.Factory{Config: siteCfg, CDN: s.settings}

	verifier := verify.New(verify.Config{
		Timeout:           cfg.FetchTimeout,
		ActiveTTL:         cfg.ActiveTTL,
		DisableIntegrity:  cfg.DisableIntegrity,
		UserAgent:         "cdnrewriter/" + cfg.Version,
		DynamicExtensions: cfg.DynamicExtensions,
		Transport:         tracing.HTTPTransport(nil),
	})
	q := queue.New(db, verifier, factory, queue.Config{
		DocumentKey: keys.Document,
		LockKey:     keys.Lock,
		MaxItems:    cfg.MaxQueueItems,
		ActiveTTL:   cfg.ActiveTTL,
		InactiveTTL: cfg.InactiveTTL,
	}, queue.WithBus(s.bus), queue.WithMetrics(m), queue.WithLogger(logger))

	s.local = queue.NewLocalDispatcher(q, logger)
	schedOpts := []queue.SchedulerOption{queue.WithSchedulerLogger(logger)}

	var breaker *circuitbreaker.Breaker
	if cfg.TemporalEnabled {
		mgr, err := temporal.Connect(temporal.Config{
			HostPort:  cfg.TemporalHostPort,
			Namespace: cfg.TemporalNamespace,
			TaskQueue: cfg.TemporalTaskQueue,
		}, &temporal.Activities{Queue: q, Logger: logger})
		if err != nil {
			logger.Warn("temporal unavailable, processing in-process", slog.String("error", err.Error()))
		} else {
			s.temporal = mgr
			breaker = circuitbreaker.New(circuitbreaker.WithOnStateChange(func(from, to circuitbreaker.State) {
				logger.Warn("temporal dispatch breaker changed state",
					slog.String("from", from.String()), slog.String("to", to.String()))
			}))
			d := mgr.Dispatcher(temporal.ProcessInput{
				MaxItems:   cfg.MaxQueueItems,
				MaxBatches: cfg.TemporalMaxBatches,
			}, logger)
			schedOpts = append(schedOpts, queue.WithPrimary(d, breaker))
			logger.Info("temporal dispatch enabled", slog.String("task_queue", mgr.TaskQueue()))
		}
	}
	s.scheduler = queue.NewScheduler(q, s.local, schedOpts...)

	engine := rewrite.NewEngine(db, factory, q,
		rewrite.WithBus(s.bus),
		rewrite.WithMetrics(m),
		rewrite.WithLogger(logger),
		rewrite.WithDocumentKey(keys.Document),
		rewrite.WithScheduler(s.scheduler),
	)

	cleaner := clean.New(db, siteCfg,
		clean.WithKeys(keys),
		clean.WithBus(s.bus),
		clean.WithMetrics(m),
		clean.WithLogger(logger),
	)
	cleaner.Register(s.bus)

	admin, err := httpapi.NewAdminAuth(cfg.AdminToken, cfg.AdminTokenHash)
	if err != nil {
		return err
	}
	if admin == nil {
		logger.Warn("no admin token configured, admin API is unauthenticated")
	}

	s.limiter = ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second,
		ratelimit.WithCounter(m.RateLimited))
	s.replays = idempotency.New(cfg.IdempotencyTTL, 10000)

	s.ticker = maintenance.New(maintenance.Config{Interval: cfg.MaintenanceInterval}, s.bus, s.scheduler, logger)
	s.ticker.Start()

	httpapi.MountRoutes(s.r, httpapi.Dependencies{
		Engine:   engine,
		Queue:    q,
		Cleaner:  cleaner,
		Settings: s.settings,
		Contexts: factory,
		Store:    db,
		Keys:     keys,
		EventBus: s.bus,
		Metrics:  m,
		Admin:    admin,
		Limiter:  s.limiter,
		Replays:  s.replays,
		Breaker:  breaker,
		Version:  cfg.Version,
		Logger:   logger,
	})
	return nil
}

func (s *Server) Router() http.Handler { return s.r }

// Reload applies the settings that can change without a restart: the log
// level and the CDN URL seed. Everything else is logged and ignored.
func (s *Server) Reload(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.SetLevel(cfg.LogLevel)
	if cfg.CDNURL != "" && s.settings != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.settings.Seed(ctx, cfg.CDNURL); err != nil {
			s.logger.Warn("reload: seed cdn url", slog.String("error", err.Error()))
		}
		cancel()
	}
	if cfg.StoreDriver != s.cfg.StoreDriver || cfg.ListenAddr != s.cfg.ListenAddr || cfg.TemporalEnabled != s.cfg.TemporalEnabled {
		s.logger.Warn("reload: listener, store and temporal changes need a restart")
	}
	s.cfg.LogLevel = cfg.LogLevel
	s.cfg.CDNURL = cfg.CDNURL
	s.logger.Info("configuration reloaded", slog.String("log_level", cfg.LogLevel))
}

// Close stops background work and releases the store.
func (s *Server) Close() error {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.replays != nil {
		s.replays.Stop()
	}
	if s.local != nil {
		s.local.Close()
	}
	if s.temporal != nil {
		s.temporal.Stop()
	}
	if s.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.shutdown(ctx)
		cancel()
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
