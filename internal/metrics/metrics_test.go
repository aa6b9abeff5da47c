package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	r := New()
	if r == nil {
		t.Fatal("expected non-nil Registry")
	}
	if r.reg == nil {
		t.Fatal("expected non-nil prometheus registry")
	}
	if r.RewritesTotal == nil || r.VerificationsTotal == nil || r.DroppedWrites == nil || r.PathsRemoved == nil {
		t.Fatal("expected non-nil counter vectors")
	}
	if r.QueuePending == nil || r.ProcessDuration == nil || r.LockContention == nil || r.RateLimited == nil {
		t.Fatal("expected non-nil gauge, histogram and counter")
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := New()
	r.RewritesTotal.WithLabelValues("rewritten").Inc()
	r.VerificationsTotal.WithLabelValues("active").Add(2)
	r.QueuePending.Set(3)
	r.ProcessDuration.Observe(0.2)
	r.LockContention.Inc()
	r.DroppedWrites.WithLabelValues("queue").Inc()
	r.PathsRemoved.WithLabelValues("expired").Add(4)
	r.RateLimited.Inc()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`cdnrewriter_rewrites_total{outcome="rewritten"} 1`,
		`cdnrewriter_verifications_total{result="active"} 2`,
		`cdnrewriter_queue_pending 3`,
		`cdnrewriter_process_duration_seconds_count 1`,
		`cdnrewriter_lock_contention_total 1`,
		`cdnrewriter_dropped_writes_total{writer="queue"} 1`,
		`cdnrewriter_paths_removed_total{reason="expired"} 4`,
		`cdnrewriter_rate_limited_total 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
