// Package clean removes cached path knowledge: everything, expired entries,
// or whole subtrees after the code behind them changed.
package clean

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jordanhubbard/cdnrewriter/internal/events"
	"github.com/jordanhubbard/cdnrewriter/internal/lock"
	"github.com/jordanhubbard/cdnrewriter/internal/metrics"
	"github.com/jordanhubbard/cdnrewriter/internal/site"
	"github.com/jordanhubbard/cdnrewriter/internal/store"
)

// Keys names the persisted state the cleaner manages.
type Keys struct {
	Document string
	Lock     string
	Setting  string
}

// DefaultKeys returns the keys for a single-site install or, when network is
// true, the network scope of a multisite install.
func DefaultKeys(network bool) Keys {
	return Keys{
		Document: store.ScopedKey(network, store.DocumentKey),
		Lock:     store.ScopedKey(network, store.LockKey),
		Setting:  store.ScopedKey(network, store.SettingCDNURL),
	}
}

// Cleaner prunes the path document.
type Cleaner struct {
	store store.Store
	cfg   site.Config
	keys  Keys

	bus     *events.Bus
	metrics *metrics.Registry
	logger  *slog.Logger
	nowFunc func() time.Time
}

// Option configures a Cleaner.
type Option func(*Cleaner)

// WithKeys overrides the persisted key names.
func WithKeys(k Keys) Option { return func(c *Cleaner) { c.keys = k } }

// WithBus publishes wipe notifications on b.
func WithBus(b *events.Bus) Option { return func(c *Cleaner) { c.bus = b } }

// WithMetrics counts removed entries on m.
func WithMetrics(m *metrics.Registry) Option { return func(c *Cleaner) { c.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Cleaner) { c.logger = l } }

// New creates a Cleaner for the site described by cfg.
func New(s store.Store, cfg site.Config, opts ...Option) *Cleaner {
	c := &Cleaner{
		store:   s,
		cfg:     cfg.Normalized(),
		keys:    DefaultKeys(cfg.Multisite),
		logger:  slog.Default(),
		nowFunc: time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// All releases the processing lock and deletes the path document.
func (c *Cleaner) All(ctx context.Context, reason string) error {
	if err := lock.ForceRelease(ctx, c.store, c.keys.Lock); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if err := c.store.DeleteDocument(ctx, c.keys.Document); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	c.logger.Info("path data wiped", slog.String("reason", reason))
	if c.bus != nil {
		c.bus.Publish(events.Event{Type: events.EventDataWiped, Reason: reason})
	}
	return nil
}

// Expired removes active and inactive entries whose TTL has passed. Queue
// entries carry no TTL and are kept.
func (c *Cleaner) Expired(ctx context.Context) (int, error) {
	now := c.nowFunc().Unix()
	return c.prune(ctx, "expired", func(_ string, st store.Status, rec store.PathRecord) bool {
		return st != store.StatusQueue && rec.TTL < now
	})
}

// StartingWith removes entries in every state whose path begins with any of
// prefixes. Empty prefixes are ignored.
func (c *Cleaner) StartingWith(ctx context.Context, prefixes ...string) (int, error) {
	var ps []string
	for _, p := range prefixes {
		if p != "" {
			ps = append(ps, p)
		}
	}
	if len(ps) == 0 {
		return 0, nil
	}
	return c.prune(ctx, "prefix", func(path string, _ store.Status, _ store.PathRecord) bool {
		for _, p := range ps {
			if strings.HasPrefix(path, p) {
				return true
			}
		}
		return false
	})
}

// prune deletes entries matching drop. The write is refused while a
// processing pass holds the lock.
func (c *Cleaner) prune(ctx context.Context, reason string, drop func(string, store.Status, store.PathRecord) bool) (int, error) {
	guard := store.Guard{Lock: c.keys.Lock}
	for attempt := 0; attempt < 2; attempt++ {
		doc, err := store.LoadCurrent(ctx, c.store, c.keys.Document)
		if err != nil {
			return 0, fmt.Errorf("load document: %w", err)
		}
		if doc == nil {
			return 0, nil
		}
		expected := doc.Revision

		removed := 0
		for _, st := range []store.Status{store.StatusActive, store.StatusInactive, store.StatusQueue} {
			m := doc.Map(st)
			for p, rec := range m {
				if drop(p, st, rec) {
					delete(m, p)
					removed++
				}
			}
		}
		if removed == 0 {
			return 0, nil
		}

		err = c.store.CompareAndSwap(ctx, c.keys.Document, doc, expected, guard)
		switch {
		case err == nil:
			if c.metrics != nil {
				c.metrics.PathsRemoved.WithLabelValues(reason).Add(float64(removed))
			}
			c.logger.Info("paths removed", slog.String("reason", reason), slog.Int("count", removed))
			return removed, nil
		case errors.Is(err, store.ErrConflict):
			continue
		case errors.Is(err, store.ErrLockHeld):
			if c.metrics != nil {
				c.metrics.DroppedWrites.WithLabelValues("cleaner").Inc()
			}
			return 0, err
		default:
			return 0, fmt.Errorf("save document: %w", err)
		}
	}
	return 0, store.ErrConflict
}

// CorePrefixes returns the path prefixes occupied by the core platform.
func (c *Cleaner) CorePrefixes() []string {
	prefix := c.cfg.Prefix(site.KindSite)
	var out []string
	for _, d := range c.cfg.CoreDirs() {
		out = append(out, prefix+d)
	}
	return out
}

// PluginPrefixes returns the path prefixes of the given plugin basenames
// ("dir/main.php").
func (c *Cleaner) PluginPrefixes(plugins ...string) []string {
	prefix := c.cfg.Prefix(site.KindContent) + c.cfg.PluginsDir()
	var out []string
	for _, p := range plugins {
		dir := site.DirFromPath(p)
		if dir == "" {
			continue
		}
		out = append(out, prefix+"/"+dir+"/")
	}
	return out
}

// ThemePrefixes returns the path prefixes of the given theme slugs.
func (c *Cleaner) ThemePrefixes(slugs ...string) []string {
	prefix := c.cfg.Prefix(site.KindContent) + c.cfg.ThemesDir()
	seen := make(map[string]bool)
	var out []string
	for _, s := range slugs {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, prefix+"/"+s+"/")
	}
	return out
}

// AfterUpgrade purges the subtrees of upgraded core, plugins or themes.
// Other kinds, such as translations, are ignored.
func (c *Cleaner) AfterUpgrade(ctx context.Context, kind string, items []string) (int, error) {
	switch kind {
	case events.ExtensionCore:
		return c.StartingWith(ctx, c.CorePrefixes()...)
	case events.ExtensionPlugin:
		return c.StartingWith(ctx, c.PluginPrefixes(items...)...)
	case events.ExtensionTheme:
		return c.StartingWith(ctx, c.ThemePrefixes(items...)...)
	}
	return 0, nil
}

// AfterPluginDeactivation wipes everything when this integration itself is
// deactivated, and otherwise purges the plugin's subtree. On multisite only
// network-wide deactivations purge.
func (c *Cleaner) AfterPluginDeactivation(ctx context.Context, plugin string, networkWide bool) (int, error) {
	if plugin == c.cfg.PluginBasename {
		return 0, c.All(ctx, "integration deactivated")
	}
	if c.cfg.Multisite && !networkWide {
		return 0, nil
	}
	return c.StartingWith(ctx, c.PluginPrefixes(plugin)...)
}

// AfterThemeSwitch purges the theme being switched away from. Multisite
// installs are skipped since other sites may still use it.
func (c *Cleaner) AfterThemeSwitch(ctx context.Context, stylesheet, template string) (int, error) {
	if c.cfg.Multisite {
		return 0, nil
	}
	return c.StartingWith(ctx, c.ThemePrefixes(stylesheet, template)...)
}

// Register attaches the cleaner to lifecycle events on bus. Writes refused
// by the processing lock are dropped, not reported.
func (c *Cleaner) Register(bus *events.Bus) {
	bus.On(events.EventSettingChanged, func(ctx context.Context, e events.Event) error {
		if e.Setting != "" && e.Setting != c.keys.Setting {
			return nil
		}
		return c.All(ctx, "cdn url "+e.Action)
	})
	bus.On(events.EventExtensionUpdated, func(ctx context.Context, e events.Event) error {
		_, err := c.AfterUpgrade(ctx, e.Kind, e.Items)
		return c.tolerate(err)
	})
	bus.On(events.EventExtensionDeactivated, func(ctx context.Context, e events.Event) error {
		_, err := c.AfterPluginDeactivation(ctx, e.Plugin, e.NetworkWide)
		return c.tolerate(err)
	})
	bus.On(events.EventThemeSwitched, func(ctx context.Context, e events.Event) error {
		_, err := c.AfterThemeSwitch(ctx, e.Stylesheet, e.Template)
		return c.tolerate(err)
	})
	bus.On(events.EventMaintenanceTick, func(ctx context.Context, _ events.Event) error {
		_, err := c.Expired(ctx)
		return c.tolerate(err)
	})
}

func (c *Cleaner) tolerate(err error) error {
	if errors.Is(err, store.ErrLockHeld) || errors.Is(err, store.ErrConflict) {
		c.logger.Debug("cleanup dropped", slog.String("error", err.Error()))
		return nil
	}
	return err
}

// Uninstall deletes every key this system persists, in both the site and
// network scopes.
func Uninstall(ctx context.Context, s store.Store) error {
	var errs []error
	for _, k := range []Keys{DefaultKeys(false), DefaultKeys(true)} {
		if err := lock.ForceRelease(ctx, s, k.Lock); err != nil {
			errs = append(errs, err)
		}
		if err := s.DeleteDocument(ctx, k.Document); err != nil {
			errs = append(errs, err)
		}
		if err := s.DeleteSetting(ctx, k.Setting); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
