package verify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jordanhubbard/cdnrewriter/internal/sri"
)

// assetServer serves body at every path and counts hits.
func assetServer(t *testing.T, body string, status int) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if ua := r.Header.Get("User-Agent"); ua != "cdnrewriter/test" {
			t.Errorf("User-Agent = %q", ua)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts, &hits
}

func newTestVerifier(cfg Config, now time.Time) *Verifier {
	cfg.UserAgent = "cdnrewriter/test"
	v := New(cfg)
	v.nowFunc = func() time.Time { return now }
	return v
}

func TestVerifyMatch(t *testing.T) {
	const css = "body{color:red}"
	cdn, _ := assetServer(t, css, http.StatusOK)
	origin, _ := assetServer(t, css, http.StatusOK)

	now := time.Unix(1_700_000_000, 0)
	v := newTestVerifier(Config{}, now)

	res, err := v.Verify(context.Background(), Candidate{
		OriginPath: "/foo/style.css",
		URL:        origin.URL + "/foo/style.css",
		CDNURL:     cdn.URL + "/foo/style.css",
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.TTL != now.Unix()+604800 {
		t.Errorf("TTL = %d, want now+604800", res.TTL)
	}
	if res.Integrity != sri.Digest([]byte(css)) {
		t.Errorf("Integrity = %q", res.Integrity)
	}
}

func TestVerifyMismatch(t *testing.T) {
	cdn, _ := assetServer(t, "body{color:blue}", http.StatusOK)
	origin, _ := assetServer(t, "body{color:red}", http.StatusOK)

	v := newTestVerifier(Config{}, time.Now())
	_, err := v.Verify(context.Background(), Candidate{
		OriginPath: "/foo/style.css",
		URL:        origin.URL + "/foo/style.css",
		CDNURL:     cdn.URL + "/foo/style.css",
	})
	if !errors.Is(err, ErrContentMismatch) {
		t.Fatalf("expected ErrContentMismatch, got %v", err)
	}
}

func TestVerifyDynamicFileSkipsNetwork(t *testing.T) {
	cdn, hits := assetServer(t, "x", http.StatusOK)

	v := newTestVerifier(Config{}, time.Now())
	for _, p := range []string{"/wp-admin/setup.php", "/feed/", "#SITE#/index.PHP?x=1.css", "/robots"} {
		_, err := v.Verify(context.Background(), Candidate{
			OriginPath: p,
			URL:        cdn.URL + p,
			CDNURL:     cdn.URL + p,
		})
		if !errors.Is(err, ErrDynamicFile) {
			t.Errorf("%s: expected ErrDynamicFile, got %v", p, err)
		}
	}
	if n := atomic.LoadInt32(hits); n != 0 {
		t.Errorf("dynamic files must not be fetched, got %d requests", n)
	}
}

func TestVerifyFetchError(t *testing.T) {
	cdn, _ := assetServer(t, "not found", http.StatusNotFound)
	origin, _ := assetServer(t, "x", http.StatusOK)

	v := newTestVerifier(Config{}, time.Now())
	_, err := v.Verify(context.Background(), Candidate{
		OriginPath: "/a.js",
		URL:        origin.URL + "/a.js",
		CDNURL:     cdn.URL + "/a.js",
	})
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %T %v", err, err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Fatalf("expected wrapped StatusError 404, got %v", err)
	}
	if errors.Is(err, ErrContentMismatch) {
		t.Error("fetch failure must be distinct from mismatch")
	}
}

func TestVerifyRejectsOversizedBodies(t *testing.T) {
	// Equal up to the limit, different after it.
	same := strings.Repeat("a", 64)
	cdn, _ := assetServer(t, same+"EVIL", http.StatusOK)
	origin, _ := assetServer(t, same, http.StatusOK)

	v := newTestVerifier(Config{MaxBody: 64}, time.Now())
	_, err := v.Verify(context.Background(), Candidate{
		OriginPath: "/big.js",
		URL:        origin.URL + "/big.js",
		CDNURL:     cdn.URL + "/big.js",
	})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		t.Error("oversized body must not be reported as retryable")
	}

	// Exactly at the limit is still compared.
	cdn2, _ := assetServer(t, same, http.StatusOK)
	res, err := v.Verify(context.Background(), Candidate{
		OriginPath: "/big.js",
		URL:        origin.URL + "/big.js",
		CDNURL:     cdn2.URL + "/big.js",
	})
	if err != nil || res.Integrity != sri.Digest([]byte(same)) {
		t.Fatalf("body at limit: res=%+v err=%v", res, err)
	}
}

func TestVerifyUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	v := newTestVerifier(Config{Timeout: time.Second}, time.Now())
	_, err := v.Verify(context.Background(), Candidate{OriginPath: "/a.js", URL: url + "/a.js", CDNURL: url + "/a.js"})
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %v", err)
	}
}

func TestVerifyPrefetchedOriginAndNoIntegrity(t *testing.T) {
	cdn, _ := assetServer(t, "js", http.StatusOK)
	origin, originHits := assetServer(t, "js", http.StatusOK)

	v := newTestVerifier(Config{DisableIntegrity: true, ActiveTTL: time.Hour}, time.Unix(100, 0))
	res, err := v.Verify(context.Background(), Candidate{
		OriginPath:    "/a.js",
		URL:           origin.URL + "/a.js",
		CDNURL:        cdn.URL + "/a.js",
		OriginContent: []byte("js"),
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Integrity != "" {
		t.Errorf("integrity should be disabled, got %q", res.Integrity)
	}
	if res.TTL != 100+3600 {
		t.Errorf("TTL = %d", res.TTL)
	}
	if n := atomic.LoadInt32(originHits); n != 0 {
		t.Errorf("origin fetched despite pre-fetched content (%d hits)", n)
	}
}
