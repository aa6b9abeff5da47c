package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/cdnrewriter/internal/circuitbreaker"
	"github.com/jordanhubbard/cdnrewriter/internal/clean"
	"github.com/jordanhubbard/cdnrewriter/internal/events"
	"github.com/jordanhubbard/cdnrewriter/internal/idempotency"
	"github.com/jordanhubbard/cdnrewriter/internal/metrics"
	"github.com/jordanhubbard/cdnrewriter/internal/queue"
	"github.com/jordanhubbard/cdnrewriter/internal/ratelimit"
	"github.com/jordanhubbard/cdnrewriter/internal/rewrite"
	"github.com/jordanhubbard/cdnrewriter/internal/settings"
	"github.com/jordanhubbard/cdnrewriter/internal/site"
	"github.com/jordanhubbard/cdnrewriter/internal/store"
)

type Dependencies struct {
	Engine   *rewrite.Engine
	Queue    *queue.Queue
	Cleaner  *clean.Cleaner
	Settings *settings.Service
	Contexts *site.Factory
	Store    store.Store
	Keys     clean.Keys
	EventBus *events.Bus
	Metrics  *metrics.Registry

	// Admin guards /admin/v1 and /v1/events; nil leaves them open.
	Admin *AdminAuth

	// Limiter throttles the authenticated routes per client; nil disables.
	Limiter *ratelimit.Limiter

	// Replays answers /v1/events for redelivered Idempotency-Keys; nil disables.
	Replays *idempotency.Cache

	// Breaker reports the state of remote dispatch (nil without Temporal).
	Breaker *circuitbreaker.Breaker

	Version string
	Logger  *slog.Logger
}

func (d Dependencies) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d Dependencies) limit(next http.Handler) http.Handler {
	if d.Limiter == nil {
		return next
	}
	return d.Limiter.Middleware(next)
}

func (d Dependencies) dedupe(next http.Handler) http.Handler {
	if d.Replays == nil {
		return next
	}
	return idempotency.Middleware(d.Replays)(next)
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := d.Store.GetSetting(r.Context(), d.Keys.Setting); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": d.Version})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/render", RenderHandler(d))
		r.Group(func(r chi.Router) {
			r.Use(d.limit)
			r.Use(adminAuthMiddleware(d.Admin))
			r.Use(d.dedupe)
			r.Post("/events", EventsIngestHandler(d))
		})
	})

	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(d.limit)
		r.Use(adminAuthMiddleware(d.Admin))
		r.Get("/status", StatusHandler(d))
		r.Post("/clean", CleanHandler(d))
		r.Get("/paths", PathsListHandler(d))
		r.Post("/queue/process", QueueProcessHandler(d))
		r.Get("/settings/cdn-url", SettingsGetHandler(d))
		r.Put("/settings/cdn-url", SettingsSetHandler(d))
		r.Delete("/settings/cdn-url", SettingsDeleteHandler(d))
		r.Post("/uninstall", UninstallHandler(d))
		if d.EventBus != nil {
			r.Get("/events", SSEHandler(d.EventBus))
		}
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
}

// jsonError writes {"error": msg} with the given status code.
func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
