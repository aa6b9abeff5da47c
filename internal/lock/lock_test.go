package lock

import (
	"context"
	"testing"
	"time"

	"github.com/jordanhubbard/cdnrewriter/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOwnersAreDistinct(t *testing.T) {
	s := newTestStore(t)
	a := New(s, store.LockKey)
	b := New(s, store.LockKey)
	if a.Owner() == "" || a.Owner() == b.Owner() {
		t.Fatalf("expected distinct non-empty owners, got %q and %q", a.Owner(), b.Owner())
	}
}

func TestAcquireRelease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := New(s, store.LockKey)
	b := New(s, store.LockKey)

	if ok, err := a.Acquire(ctx); err != nil || !ok {
		t.Fatalf("a.Acquire: ok=%v err=%v", ok, err)
	}
	if ok, _ := b.Acquire(ctx); ok {
		t.Fatal("b acquired a held lock")
	}
	if owner, held, _ := s.LockHolder(ctx, store.LockKey); !held || owner != a.Owner() {
		t.Errorf("LockHolder = %q, %v; want %q held", owner, held, a.Owner())
	}

	// b cannot release a's lock.
	_ = b.Release(ctx)
	if held, _ := a.Held(ctx); !held {
		t.Fatal("lock released by non-owner")
	}

	if err := a.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if held, _ := a.Held(ctx); held {
		t.Fatal("lock still held after release")
	}
}

func TestForceRelease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := New(s, store.LockKey, WithTTL(time.Hour))
	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatal("acquire failed")
	}
	if err := ForceRelease(ctx, s, store.LockKey); err != nil {
		t.Fatalf("force release: %v", err)
	}
	if held, _ := a.Held(ctx); held {
		t.Fatal("lock still held after force release")
	}
}

func TestGuard(t *testing.T) {
	s := newTestStore(t)
	l := New(s, store.LockKey, WithOwner("fixed"))
	g := l.Guard()
	if g.Lock != store.LockKey || g.Owner != "fixed" || !g.Owned {
		t.Errorf("Guard() = %+v", g)
	}
}
