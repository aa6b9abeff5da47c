// Package site resolves asset URLs against the host's site and content
// roots and maps them onto the CDN base URL.
//
// A Context is created per execution and memoizes the network root URLs it
// resolves, so nothing survives between executions.
package site

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/jordanhubbard/cdnrewriter/internal/store"
)

var (
	// ErrSettingsNotConfigured means the CDN base URL is unset, or on a
	// multisite network the network content root is not yet known.
	ErrSettingsNotConfigured = errors.New("site: required settings not configured")

	// ErrNotInRoot means the URL is not under the site or content root.
	ErrNotInRoot = errors.New("site: url is not from this site")
)

// Relative path markers used when the content root is not <site>/wp-content.
const (
	MarkerSite    = "#SITE#"
	MarkerContent = "#CONTENT#"
)

// Kind selects the site root or the content root.
type Kind string

const (
	KindSite    Kind = "site"
	KindContent Kind = "content"
)

var markerRE = regexp.MustCompile(`#(SITE|CONTENT)#`)

// SanitizeRelativePath strips root markers from a relative path.
func SanitizeRelativePath(p string) string {
	return markerRE.ReplaceAllString(p, "")
}

// DirFromPath returns the first directory of a slash-separated path.
func DirFromPath(p string) string {
	parts := strings.SplitN(strings.TrimLeft(p, "/"), "/", 2)
	return parts[0]
}

// collapse applies the default-layout rule: when the content root is
// <site>/wp-content both kinds resolve to the site root.
func collapse(siteURL, contentURL string, kind Kind) string {
	if contentURL == siteURL+"/wp-content" {
		return siteURL
	}
	if kind == KindContent {
		return contentURL
	}
	return siteURL
}

// NetworkURLs exposes cached network root records.
type NetworkURLs interface {
	NetworkURL(key string) (string, bool)
}

// Enqueuer receives candidates discovered while resolving URLs.
type Enqueuer interface {
	Add(path, src, handle, typ string)
}

// Context is the per-execution view of the site and CDN settings.
type Context struct {
	cfg     Config
	cdnBase string
	urls    NetworkURLs
	enq     Enqueuer

	netSite    string
	netContent string
}

// NewContext builds a Context. urls and enq may be nil.
func NewContext(cfg Config, cdnBase string, urls NetworkURLs, enq Enqueuer) *Context {
	return &Context{
		cfg:     cfg.Normalized(),
		cdnBase: strings.TrimRight(cdnBase, "/"),
		urls:    urls,
		enq:     enq,
	}
}

// Config returns the normalized site configuration.
func (c *Context) Config() Config { return c.cfg }

// CDNBase returns the CDN base URL without trailing slash.
func (c *Context) CDNBase() (string, error) {
	if c.cdnBase == "" {
		return "", fmt.Errorf("cdn base url: %w", ErrSettingsNotConfigured)
	}
	return c.cdnBase, nil
}

// RelativePath converts an as-served URL into a root-relative path.
func (c *Context) RelativePath(src string) (string, error) {
	return c.cfg.RelativePath(src)
}

// NetworkRootURL returns the network-wide root of the given kind. Roots not
// yet cached are handed to the enqueuer so processing can record them.
func (c *Context) NetworkRootURL(kind Kind) (string, error) {
	if c.netSite == "" {
		if u, ok := c.lookup(store.NetworkSiteURL); ok {
			c.netSite = u
		} else {
			c.netSite = strings.TrimRight(c.cfg.NetworkSiteURL, "/")
			c.enqueue(c.netSite, store.NetworkSiteURL)
		}
	}
	if c.netContent == "" {
		if u, ok := c.lookup(store.NetworkContentURL); ok {
			c.netContent = u
		} else if c.cfg.MainSite {
			c.netContent = c.cfg.NetworkContentURL
			c.enqueue(c.netContent, store.NetworkContentURL)
		} else {
			return "", fmt.Errorf("network content root unknown on non-main site: %w", ErrSettingsNotConfigured)
		}
	}
	return collapse(c.netSite, c.netContent, kind), nil
}

func (c *Context) lookup(key string) (string, bool) {
	if c.urls == nil {
		return "", false
	}
	u, ok := c.urls.NetworkURL(key)
	return u, ok && u != ""
}

func (c *Context) enqueue(u, key string) {
	if c.enq != nil && u != "" {
		c.enq.Add(key, u, key, key)
	}
}

// VerifySettings checks that rewriting can proceed.
func (c *Context) VerifySettings() error {
	if _, err := c.CDNBase(); err != nil {
		return err
	}
	if c.cfg.Multisite {
		if _, err := c.NetworkRootURL(KindContent); err != nil {
			return err
		}
	}
	return nil
}

// FullOriginalURL rebuilds the absolute origin URL of a relative path. On a
// multisite network the network roots are used.
func (c *Context) FullOriginalURL(rel string) (string, error) {
	var siteURL, contentURL string
	if c.cfg.Multisite {
		var err error
		if siteURL, err = c.NetworkRootURL(KindSite); err != nil {
			return "", err
		}
		if contentURL, err = c.NetworkRootURL(KindContent); err != nil {
			return "", err
		}
	} else {
		siteURL = c.cfg.RootURL(KindSite)
		contentURL = c.cfg.RootURL(KindContent)
	}

	switch {
	case contentURL == siteURL:
		return siteURL + rel, nil
	case strings.HasPrefix(rel, MarkerContent):
		return contentURL + SanitizeRelativePath(rel), nil
	case strings.HasPrefix(rel, MarkerSite):
		return siteURL + SanitizeRelativePath(rel), nil
	}
	return "", fmt.Errorf("%q has no root marker: %w", rel, ErrNotInRoot)
}

// CDNURL swaps the scheme://host[:port] of src for the CDN base URL.
func (c *Context) CDNURL(src string) (string, error) {
	base, err := c.CDNBase()
	if err != nil {
		return "", err
	}
	u, err := url.Parse(src)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("parse %q: %w", src, ErrNotInRoot)
	}
	origin := u.Scheme + "://" + u.Host
	return base + strings.TrimPrefix(src, origin), nil
}

// RemoteURL returns the CDN URL for a relative path.
func (c *Context) RemoteURL(rel string) (string, error) {
	full, err := c.FullOriginalURL(rel)
	if err != nil {
		return "", err
	}
	return c.CDNURL(full)
}

// CDNSource supplies the configured CDN base URL.
type CDNSource interface {
	CDNBaseURL(ctx context.Context) (string, error)
}

// Factory builds Contexts for executions and processing passes.
type Factory struct {
	Config Config
	CDN    CDNSource
}

// New reads the CDN base URL and returns a fresh Context. A missing CDN URL
// is not an error here; it surfaces from VerifySettings.
func (f *Factory) New(ctx context.Context, urls NetworkURLs, enq Enqueuer) (*Context, error) {
	var base string
	if f.CDN != nil {
		b, err := f.CDN.CDNBaseURL(ctx)
		if err != nil {
			return nil, fmt.Errorf("read cdn base url: %w", err)
		}
		base = b
	}
	return NewContext(f.Config, base, urls, enq), nil
}
