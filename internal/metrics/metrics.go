package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	RewritesTotal      *prometheus.CounterVec
	VerificationsTotal *prometheus.CounterVec
	QueuePending       prometheus.Gauge
	ProcessDuration    prometheus.Histogram
	LockContention     prometheus.Counter
	DroppedWrites      *prometheus.CounterVec
	PathsRemoved       *prometheus.CounterVec
	RateLimited        prometheus.Counter
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RewritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cdnrewriter_rewrites_total",
			Help: "Asset URLs seen during renders, by outcome",
		}, []string{"outcome"}),
		VerificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cdnrewriter_verifications_total",
			Help: "Queued candidates verified against the CDN, by result",
		}, []string{"result"}),
		QueuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cdnrewriter_queue_pending",
			Help: "Candidates waiting in the persisted queue after the last write",
		}),
		ProcessDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdnrewriter_process_duration_seconds",
			Help:    "Duration of queue processing passes",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		LockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdnrewriter_lock_contention_total",
			Help: "Processing passes skipped because the lock was held",
		}),
		DroppedWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cdnrewriter_dropped_writes_total",
			Help: "Document writes refused by the processing lock, by writer",
		}, []string{"writer"}),
		PathsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cdnrewriter_paths_removed_total",
			Help: "Path entries removed by the cleaner, by reason",
		}, []string{"reason"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdnrewriter_rate_limited_total",
			Help: "Admin and event requests rejected by the rate limiter",
		}),
	}
	reg.MustRegister(m.RewritesTotal, m.VerificationsTotal, m.QueuePending,
		m.ProcessDuration, m.LockContention, m.DroppedWrites, m.PathsRemoved, m.RateLimited)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
