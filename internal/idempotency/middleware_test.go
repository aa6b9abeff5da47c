package idempotency

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func countingHandler(calls *int32, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := atomic.AddInt32(calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"call":` + string(rune('0'+n)) + `}`))
	})
}

func send(h http.Handler, method, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(`{}`))
	if key != "" {
		req.Header.Set(HeaderKey, key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestReplaysSuccessfulResponse(t *testing.T) {
	c := New(time.Minute, 10)
	defer c.Stop()
	var calls int32
	h := Middleware(c)(countingHandler(&calls, http.StatusOK))

	first := send(h, http.MethodPost, "/v1/events", "delivery-1")
	second := send(h, http.MethodPost, "/v1/events", "delivery-1")

	if calls != 1 {
		t.Fatalf("handler calls = %d, want 1", calls)
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("replayed body = %q, want %q", second.Body.String(), first.Body.String())
	}
	if second.Header().Get(HeaderReplay) != "true" || second.Header().Get("Content-Type") != "application/json" {
		t.Errorf("replay headers = %v", second.Header())
	}
	if first.Header().Get(HeaderReplay) != "" {
		t.Error("first response must not be marked as replay")
	}
}

func TestKeysScopedByRoute(t *testing.T) {
	c := New(time.Minute, 10)
	defer c.Stop()
	var calls int32
	h := Middleware(c)(countingHandler(&calls, http.StatusOK))

	send(h, http.MethodPost, "/v1/events", "k")
	send(h, http.MethodPost, "/admin/v1/clean", "k")
	if calls != 2 {
		t.Fatalf("handler calls = %d, want 2", calls)
	}
}

func TestFailuresNotStored(t *testing.T) {
	c := New(time.Minute, 10)
	defer c.Stop()
	var calls int32
	h := Middleware(c)(countingHandler(&calls, http.StatusConflict))

	send(h, http.MethodPost, "/v1/events", "k")
	rec := send(h, http.MethodPost, "/v1/events", "k")
	if calls != 2 || rec.Code != http.StatusConflict {
		t.Fatalf("calls = %d code = %d, failed responses must not be replayed", calls, rec.Code)
	}
}

func TestWithoutKeyPassesThrough(t *testing.T) {
	c := New(time.Minute, 10)
	defer c.Stop()
	var calls int32
	h := Middleware(c)(countingHandler(&calls, http.StatusOK))

	send(h, http.MethodPost, "/v1/events", "")
	send(h, http.MethodPost, "/v1/events", "")
	send(h, http.MethodPost, "/v1/events", strings.Repeat("x", maxKeyLen+1))
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if c.Len() != 0 {
		t.Fatalf("Len = %d, want 0", c.Len())
	}
}
