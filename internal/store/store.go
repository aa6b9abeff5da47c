package store

import (
	"context"
	"errors"
	"time"
)

// Persisted key names. On multisite installs they are stored in the network
// scope (see ScopedKey).
const (
	DocumentKey   = "css_js_url_rewriter_data"
	SettingCDNURL = "css_js_url_rewriter_cdn_url"
	LockKey       = "cjur_processing_queue"
)

var (
	// ErrLockHeld is returned when a document write is refused because the
	// processing lock is held by another owner.
	ErrLockHeld = errors.New("store: processing lock held by another owner")

	// ErrConflict is returned by CompareAndSwap when the stored revision no
	// longer matches the expected one.
	ErrConflict = errors.New("store: document revision conflict")
)

// ScopedKey returns the storage key for name, prefixed with "network:" when
// the install is a multisite network.
func ScopedKey(network bool, name string) string {
	if network {
		return "network:" + name
	}
	return name
}

// Guard names the lock a document write must respect. The write is refused
// with ErrLockHeld if Lock is held, unexpired, by anyone other than Owner.
// With Owned set the write is also refused unless Owner holds Lock right
// now, so a pass whose lock was force-released cannot write back.
// A zero Guard skips the check.
type Guard struct {
	Lock  string
	Owner string
	Owned bool
}

// permits reports whether a write under g may proceed given the lock row.
func (g Guard) permits(owner string, live bool) bool {
	if g.Owned {
		return live && owner == g.Owner
	}
	return !live || owner == g.Owner
}

// Store defines the persistence interface for cdnrewriter.
type Store interface {
	// Path document
	LoadDocument(ctx context.Context, key string) (*Document, error)
	SaveDocument(ctx context.Context, key string, doc *Document, g Guard) error
	CompareAndSwap(ctx context.Context, key string, doc *Document, expected int64, g Guard) error
	DeleteDocument(ctx context.Context, key string) error

	// Advisory locks
	AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, owner string) error
	LockHolder(ctx context.Context, name string) (owner string, held bool, err error)

	// Settings
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Option configures a store backend.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the clock used for lock expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func applyOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
