// Package settings manages the CDN base URL setting. Every change is
// announced on the event bus so cached paths can be invalidated.
package settings

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/jordanhubbard/cdnrewriter/internal/events"
	"github.com/jordanhubbard/cdnrewriter/internal/store"
)

// Service reads and writes the CDN base URL.
type Service struct {
	store store.Store
	key   string
	bus   *events.Bus

	mu sync.Mutex
}

// New creates a Service storing the setting under key.
func New(s store.Store, key string, bus *events.Bus) *Service {
	if key == "" {
		key = store.SettingCDNURL
	}
	return &Service{store: s, key: key, bus: bus}
}

// Sanitize validates raw as an absolute http(s) URL and strips trailing
// slashes.
func Sanitize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid cdn url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("cdn url must use http or https, got %q", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("cdn url must include a host, got %q", raw)
	}
	return strings.TrimRight(raw, "/"), nil
}

// CDNBaseURL returns the configured CDN base URL, or "" when unset.
func (s *Service) CDNBaseURL(ctx context.Context) (string, error) {
	v, _, err := s.store.GetSetting(ctx, s.key)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(v, "/"), nil
}

// Set stores a new CDN base URL. Setting the current value is a no-op.
func (s *Service) Set(ctx context.Context, raw string) error {
	v, err := Sanitize(raw)
	if err != nil {
		return err
	}

	s.mu.Lock()
	old, existed, err := s.store.GetSetting(ctx, s.key)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if existed && old == v {
		s.mu.Unlock()
		return nil
	}
	if err := s.store.SetSetting(ctx, s.key, v); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("save cdn url: %w", err)
	}
	s.mu.Unlock()

	action := events.SettingAdded
	if existed {
		action = events.SettingUpdated
	}
	return s.announce(ctx, action)
}

// Delete removes the CDN base URL.
func (s *Service) Delete(ctx context.Context) error {
	s.mu.Lock()
	_, existed, err := s.store.GetSetting(ctx, s.key)
	if err == nil && existed {
		err = s.store.DeleteSetting(ctx, s.key)
	}
	s.mu.Unlock()
	if err != nil || !existed {
		return err
	}
	return s.announce(ctx, events.SettingDeleted)
}

// Seed sets the CDN base URL only if none is stored.
func (s *Service) Seed(ctx context.Context, raw string) error {
	if raw == "" {
		return nil
	}
	_, existed, err := s.store.GetSetting(ctx, s.key)
	if err != nil || existed {
		return err
	}
	return s.Set(ctx, raw)
}

func (s *Service) announce(ctx context.Context, action string) error {
	if s.bus == nil {
		return nil
	}
	return s.bus.Dispatch(ctx, events.Event{
		Type:    events.EventSettingChanged,
		Setting: s.key,
		Action:  action,
	})
}
