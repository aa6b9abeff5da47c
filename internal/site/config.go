package site

import (
	"fmt"
	"strings"
)

// Config describes the host site layout.
type Config struct {
	SiteURL    string `yaml:"site_url"`
	ContentURL string `yaml:"content_url"`

	Multisite         bool   `yaml:"multisite"`
	MainSite          bool   `yaml:"main_site"`
	NetworkSiteURL    string `yaml:"network_site_url"`
	NetworkContentURL string `yaml:"network_content_url"`

	PluginsURL     string   `yaml:"plugins_url"`
	ThemesURL      string   `yaml:"themes_url"`
	DefaultDirs    []string `yaml:"default_dirs"`
	PluginBasename string   `yaml:"plugin_basename"`
}

// DefaultPluginBasename identifies this integration among host plugins.
const DefaultPluginBasename = "css-js-url-rewriter/css-js-url-rewriter.php"

// Normalized trims trailing slashes and fills derived defaults.
func (c Config) Normalized() Config {
	c.SiteURL = strings.TrimRight(c.SiteURL, "/")
	c.ContentURL = strings.TrimRight(c.ContentURL, "/")
	if c.ContentURL == "" && c.SiteURL != "" {
		c.ContentURL = c.SiteURL + "/wp-content"
	}
	if c.NetworkSiteURL == "" {
		c.NetworkSiteURL = c.SiteURL
	}
	c.NetworkSiteURL = strings.TrimRight(c.NetworkSiteURL, "/")
	if c.NetworkContentURL == "" {
		c.NetworkContentURL = c.ContentURL
	}
	c.NetworkContentURL = strings.TrimRight(c.NetworkContentURL, "/")
	if c.PluginsURL == "" {
		c.PluginsURL = c.ContentURL + "/plugins"
	}
	if c.ThemesURL == "" {
		c.ThemesURL = c.ContentURL + "/themes"
	}
	c.PluginsURL = strings.TrimRight(c.PluginsURL, "/")
	c.ThemesURL = strings.TrimRight(c.ThemesURL, "/")
	if c.PluginBasename == "" {
		c.PluginBasename = DefaultPluginBasename
	}
	if !c.Multisite {
		c.MainSite = true
	}
	return c
}

// Validate checks that the site root is set.
func (c Config) Validate() error {
	if c.SiteURL == "" {
		return fmt.Errorf("site_url is required")
	}
	if !strings.HasPrefix(c.SiteURL, "http://") && !strings.HasPrefix(c.SiteURL, "https://") {
		return fmt.Errorf("site_url must be an absolute http(s) URL, got %q", c.SiteURL)
	}
	return nil
}

// RootURL returns the root URL for kind.
func (c Config) RootURL(kind Kind) string {
	return collapse(c.SiteURL, c.ContentURL, kind)
}

// Prefix returns the relative path marker for kind, empty on the default
// layout.
func (c Config) Prefix(kind Kind) string {
	if c.RootURL(KindContent) == c.RootURL(KindSite) {
		return ""
	}
	if kind == KindContent {
		return MarkerContent
	}
	return MarkerSite
}

// RelativePath converts an as-served URL into a root-relative path.
func (c Config) RelativePath(src string) (string, error) {
	siteURL := c.RootURL(KindSite)
	contentURL := c.RootURL(KindContent)
	if siteURL == "" {
		return "", ErrNotInRoot
	}

	if contentURL == siteURL {
		if rest, ok := under(src, siteURL); ok {
			return rest, nil
		}
		return "", ErrNotInRoot
	}
	if rest, ok := under(src, contentURL); ok {
		return MarkerContent + rest, nil
	}
	if rest, ok := under(src, siteURL); ok {
		return MarkerSite + rest, nil
	}
	return "", ErrNotInRoot
}

// under returns the part of src after root, which must begin with a slash.
func under(src, root string) (string, bool) {
	if root == "" || !strings.HasPrefix(src, root) {
		return "", false
	}
	rest := src[len(root):]
	if rest == "" || rest[0] != '/' {
		return "", false
	}
	return rest, true
}

// PluginsDir is the plugins directory relative to the content root.
func (c Config) PluginsDir() string {
	return strings.TrimPrefix(c.PluginsURL, c.RootURL(KindContent))
}

// ThemesDir is the themes directory relative to the content root.
func (c Config) ThemesDir() string {
	return strings.TrimPrefix(c.ThemesURL, c.RootURL(KindContent))
}

// CoreDirs returns the core asset directories, always including /wp-admin/
// and /wp-includes/.
func (c Config) CoreDirs() []string {
	dirs := []string{"/wp-admin/", "/wp-includes/"}
	seen := map[string]bool{"/wp-admin/": true, "/wp-includes/": true}
	for _, d := range c.DefaultDirs {
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		dirs = append(dirs, d)
	}
	return dirs
}
