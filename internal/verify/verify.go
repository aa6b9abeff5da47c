// Package verify checks that the CDN serves the same bytes as the origin for
// a candidate asset.
package verify

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/jordanhubbard/cdnrewriter/internal/site"
	"github.com/jordanhubbard/cdnrewriter/internal/sri"
)

var (
	// ErrDynamicFile marks paths without an extension or with a server-side
	// script extension.
	ErrDynamicFile = errors.New("verify: path is a dynamic file")

	// ErrContentMismatch means the CDN body differs from the origin body.
	ErrContentMismatch = errors.New("verify: cdn content differs from origin")

	// ErrTooLarge means a copy exceeds Config.MaxBody and cannot be compared.
	ErrTooLarge = errors.New("verify: asset exceeds size limit")
)

// Defaults.
const (
	DefaultTimeout   = 30 * time.Second
	DefaultActiveTTL = 7 * 24 * time.Hour
	DefaultMaxBody   = 16 << 20
)

// Candidate is one queued asset to verify.
type Candidate struct {
	OriginPath    string // root-relative, may carry a root marker
	URL           string // as served by the origin
	CDNURL        string // CDN mapping of the full original URL
	OriginContent []byte // optional pre-fetched origin body
}

// Result of a successful verification.
type Result struct {
	TTL       int64  // unix expiry
	Integrity string // empty when integrity is disabled
}

// Config tunes a Verifier.
type Config struct {
	Timeout          time.Duration
	ActiveTTL        time.Duration
	DisableIntegrity bool
	UserAgent        string
	// DynamicExtensions are treated as server-rendered. Defaults to ["php"].
	DynamicExtensions []string
	// MaxBody is the largest copy read for comparison, in bytes.
	MaxBody int64
	// Transport overrides the HTTP transport (e.g. for tracing).
	Transport http.RoundTripper
}

// Verifier fetches CDN and origin copies and compares them.
type Verifier struct {
	client  *http.Client
	cfg     Config
	dynamic map[string]bool
	nowFunc func() time.Time
}

// New creates a Verifier.
func New(cfg Config) *Verifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ActiveTTL <= 0 {
		cfg.ActiveTTL = DefaultActiveTTL
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = DefaultMaxBody
	}
	if len(cfg.DynamicExtensions) == 0 {
		cfg.DynamicExtensions = []string{"php"}
	}
	dyn := make(map[string]bool, len(cfg.DynamicExtensions))
	for _, e := range cfg.DynamicExtensions {
		dyn[strings.ToLower(strings.TrimPrefix(e, "."))] = true
	}
	return &Verifier{
		client:  &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
		cfg:     cfg,
		dynamic: dyn,
		nowFunc: time.Now,
	}
}

// IsDynamic reports whether the relative path names a dynamic file.
func (v *Verifier) IsDynamic(originPath string) bool {
	p := site.SanitizeRelativePath(originPath)
	if u, err := url.Parse(p); err == nil {
		p = u.Path
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
	return ext == "" || v.dynamic[ext]
}

// Verify returns the active TTL and integrity for c, or one of
// ErrDynamicFile, ErrContentMismatch, ErrTooLarge, *FetchError.
func (v *Verifier) Verify(ctx context.Context, c Candidate) (Result, error) {
	if v.IsDynamic(c.OriginPath) {
		return Result{}, ErrDynamicFile
	}

	remote, err := Fetch(ctx, v.client, c.CDNURL, v.cfg.UserAgent, v.cfg.MaxBody)
	if err != nil {
		return Result{}, err
	}
	origin := c.OriginContent
	if len(origin) == 0 {
		origin, err = Fetch(ctx, v.client, c.URL, v.cfg.UserAgent, v.cfg.MaxBody)
		if err != nil {
			return Result{}, err
		}
	}

	if !bytes.Equal(remote, origin) {
		return Result{}, ErrContentMismatch
	}

	res := Result{TTL: v.nowFunc().Add(v.cfg.ActiveTTL).Unix()}
	if !v.cfg.DisableIntegrity {
		res.Integrity = sri.Digest(remote)
	}
	return res, nil
}
