// Package lock provides the advisory processing lock shared by every
// execution. Each Lock value carries its own owner token so the store can
// tell the holder's writes apart from everyone else's.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/cdnrewriter/internal/store"
)

// DefaultTTL bounds how long a crashed holder can block processing.
const DefaultTTL = 5 * time.Minute

// Lock is one owner's handle on a named store lock.
type Lock struct {
	store store.Store
	name  string
	owner string
	ttl   time.Duration
}

// Option configures a Lock.
type Option func(*Lock)

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(l *Lock) { l.ttl = d }
}

// WithOwner sets the owner token instead of generating one.
func WithOwner(owner string) Option {
	return func(l *Lock) { l.owner = owner }
}

// New returns a handle on the lock called name with a fresh owner token.
func New(s store.Store, name string, opts ...Option) *Lock {
	l := &Lock{store: s, name: name, ttl: DefaultTTL}
	for _, o := range opts {
		o(l)
	}
	if l.owner == "" {
		l.owner = uuid.NewString()
	}
	return l
}

// Owner returns this handle's owner token.
func (l *Lock) Owner() string { return l.owner }

// Name returns the lock name.
func (l *Lock) Name() string { return l.name }

// Guard returns a write guard that only passes while this handle holds
// the lock.
func (l *Lock) Guard() store.Guard {
	return store.Guard{Lock: l.name, Owner: l.owner, Owned: true}
}

// Acquire sets the lock if it is free or expired.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	return l.store.AcquireLock(ctx, l.name, l.owner, l.ttl)
}

// Release clears the lock if this handle still owns it.
func (l *Lock) Release(ctx context.Context) error {
	return l.store.ReleaseLock(ctx, l.name, l.owner)
}

// Held reports whether anyone holds the lock.
func (l *Lock) Held(ctx context.Context) (bool, error) {
	_, held, err := l.store.LockHolder(ctx, l.name)
	return held, err
}

// ForceRelease clears the lock regardless of owner.
func ForceRelease(ctx context.Context, s store.Store, name string) error {
	return s.ReleaseLock(ctx, name, "")
}
