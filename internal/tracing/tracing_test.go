package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(Config{})
	if err != nil {
		t.Fatalf("Setup(disabled): %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSetupEnabled(t *testing.T) {
	// No collector is listening; export is async so Setup still succeeds.
	shutdown, err := Setup(Config{Enabled: true, Endpoint: "localhost:4318", SampleRatio: 0.5})
	if err != nil {
		t.Fatalf("Setup(enabled): %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}

func TestMiddlewarePassesThrough(t *testing.T) {
	called := false
	h := Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/render", nil))
	if !called || rec.Code != http.StatusNoContent {
		t.Fatalf("called=%v code=%d", called, rec.Code)
	}
}

func TestHTTPTransportFetches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("body{}"))
	}))
	defer srv.Close()

	client := &http.Client{Transport: HTTPTransport(nil)}
	resp, err := client.Get(srv.URL + "/style.css")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
