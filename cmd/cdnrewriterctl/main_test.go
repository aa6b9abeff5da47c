package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHumanTTL(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		ttl  int64
		want string
	}{
		{0, "-"},
		{now.Add(6 * 24 * time.Hour).Unix(), "in 6 days"},
		{now.Add(-2 * time.Hour).Unix(), "2 hours ago"},
		{now.Add(90 * time.Second).Unix(), "in 1 minute"},
		{now.Unix(), "now"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, humanTTL(tc.ttl, now), "ttl=%d", tc.ttl)
	}
}

func TestPrintPaths(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rows := []any{
		map[string]any{"path": "/a.css", "status": "active", "ttl": float64(now.Add(48 * time.Hour).Unix()), "remote_url": "https://cdn.example.net/a.css"},
		map[string]any{"path": "/b.js", "status": "queue", "handle": "b", "type": "script"},
	}
	var buf bytes.Buffer
	printPaths(&buf, []string{"active", "inactive", "queue"}, rows, now)
	out := buf.String()

	assert.Contains(t, out, "Paths that can be rewritten (active):")
	assert.Contains(t, out, "https://cdn.example.net/a.css")
	assert.Contains(t, out, "in 2 days")
	assert.Contains(t, out, "There are no stored paths that are not rewritten (inactive).")
	assert.Contains(t, out, "DEPENDENCY TYPE")
	assert.Regexp(t, `/b\.js\s+b\s+script\s+-`, out)
}

func TestPrintPathsIgnoresUnknownType(t *testing.T) {
	var buf bytes.Buffer
	printPaths(&buf, []string{"bogus"}, nil, time.Now())
	assert.Empty(t, buf.String())
}

func TestFormatEventLine(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	line := formatEventLine(`data: {"type":"queue_processed","processed":3,"activated":2}`, now)
	assert.Equal(t, "[09:30:00] queue_processed  processed=3  activated=2", line)

	assert.Empty(t, formatEventLine("event: connected", now))
	assert.Empty(t, formatEventLine(`data: {"status":"ok"}`, now))
}

func TestDoGetSendsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/admin/v1/status", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"version": "1.2.3", "active": 4})
	}))
	defer srv.Close()
	t.Setenv("CDNREWRITER_URL", srv.URL+"/")
	t.Setenv("CDNREWRITER_ADMIN_TOKEN", "secret")

	res := doGet("/admin/v1/status")
	assert.Equal(t, "1.2.3", res["version"])
	assert.Equal(t, "4", fmtNum(res["active"]))
}

func TestDecodeResponseError(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusConflict,
		Body:       io.NopCloser(strings.NewReader(`{"error":"queue processing in progress"}`)),
	}
	_, err := decodeResponse(resp)
	require.Error(t, err)
	assert.Equal(t, "HTTP 409: queue processing in progress", err.Error())

	resp = &http.Response{StatusCode: http.StatusBadGateway, Body: io.NopCloser(strings.NewReader("upstream down\n"))}
	_, err = decodeResponse(resp)
	require.Error(t, err)
	assert.Equal(t, "HTTP 502: upstream down", err.Error())
}

func TestBaseURLDefault(t *testing.T) {
	t.Setenv("CDNREWRITER_URL", "")
	assert.Equal(t, "http://localhost:8095", baseURL())
}

func TestVersionIsSet(t *testing.T) {
	assert.Equal(t, "dev", version)
}
