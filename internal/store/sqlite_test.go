package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T, opts ...Option) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:", opts...)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestLevelDB(t *testing.T, opts ...Option) *LevelDBStore {
	t.Helper()
	s, err := NewLevelDBMemory(opts...)
	if err != nil {
		t.Fatalf("failed to create leveldb store: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// backends runs fn against every Store implementation.
func backends(t *testing.T, fn func(t *testing.T, s Store, clock *fakeClock)) {
	t.Run("sqlite", func(t *testing.T) {
		clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
		fn(t, newTestStore(t, WithClock(clock.Now)), clock)
	})
	t.Run("leveldb", func(t *testing.T) {
		clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
		fn(t, newTestLevelDB(t, WithClock(clock.Now)), clock)
	})
}

func TestMigrate(t *testing.T) {
	s := newTestStore(t)
	// Running migrate twice should be idempotent.
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	backends(t, func(t *testing.T, s Store, _ *fakeClock) {
		ctx := context.Background()

		got, err := s.LoadDocument(ctx, DocumentKey)
		if err != nil {
			t.Fatalf("load empty: %v", err)
		}
		if got != nil {
			t.Fatalf("expected nil document, got %+v", got)
		}

		doc := NewDocument()
		doc.Active["/foo/style.css"] = PathRecord{TTL: 100, Integrity: "sha384-abc"}
		doc.Queue["/foo/app.js"] = PathRecord{Src: "https://example.com/foo/app.js", Handle: "app", Type: "script", Seq: 1}
		if err := s.SaveDocument(ctx, DocumentKey, doc, Guard{}); err != nil {
			t.Fatalf("save: %v", err)
		}
		if doc.Revision != 1 {
			t.Errorf("expected revision 1 after first save, got %d", doc.Revision)
		}

		got, err = s.LoadDocument(ctx, DocumentKey)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if got.DBVersion != SchemaVersion {
			t.Errorf("db_version = %q", got.DBVersion)
		}
		if got.Active["/foo/style.css"].Integrity != "sha384-abc" {
			t.Errorf("active record not persisted: %+v", got.Active)
		}
		if got.Queue["/foo/app.js"].Handle != "app" {
			t.Errorf("queue record not persisted: %+v", got.Queue)
		}

		if err := s.DeleteDocument(ctx, DocumentKey); err != nil {
			t.Fatalf("delete: %v", err)
		}
		got, _ = s.LoadDocument(ctx, DocumentKey)
		if got != nil {
			t.Error("expected document to be gone after delete")
		}
	})
}

func TestCompareAndSwap(t *testing.T) {
	backends(t, func(t *testing.T, s Store, _ *fakeClock) {
		ctx := context.Background()

		doc := NewDocument()
		if err := s.CompareAndSwap(ctx, DocumentKey, doc, 0, Guard{}); err != nil {
			t.Fatalf("initial CAS: %v", err)
		}
		stale := doc.clone()

		doc.Queue["/a.css"] = PathRecord{Seq: 1}
		if err := s.CompareAndSwap(ctx, DocumentKey, doc, 1, Guard{}); err != nil {
			t.Fatalf("second CAS: %v", err)
		}

		stale.Queue["/b.css"] = PathRecord{Seq: 1}
		err := s.CompareAndSwap(ctx, DocumentKey, stale, 1, Guard{})
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}

		got, _ := s.LoadDocument(ctx, DocumentKey)
		if _, ok := got.Queue["/b.css"]; ok {
			t.Error("conflicting write must not be applied")
		}
		if got.Revision != 2 {
			t.Errorf("expected revision 2, got %d", got.Revision)
		}
	})
}

func TestLockLifecycle(t *testing.T) {
	backends(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()

		ok, err := s.AcquireLock(ctx, LockKey, "owner-a", 5*time.Minute)
		if err != nil || !ok {
			t.Fatalf("first acquire: ok=%v err=%v", ok, err)
		}
		ok, _ = s.AcquireLock(ctx, LockKey, "owner-b", 5*time.Minute)
		if ok {
			t.Fatal("second owner must not acquire a held lock")
		}

		owner, held, err := s.LockHolder(ctx, LockKey)
		if err != nil || !held || owner != "owner-a" {
			t.Fatalf("holder = %q held=%v err=%v", owner, held, err)
		}

		// Releasing with the wrong owner is a no-op.
		if err := s.ReleaseLock(ctx, LockKey, "owner-b"); err != nil {
			t.Fatalf("release: %v", err)
		}
		if _, held, _ := s.LockHolder(ctx, LockKey); !held {
			t.Fatal("lock released by non-owner")
		}

		// Expiry frees the lock.
		clock.Advance(5*time.Minute + time.Second)
		if _, held, _ := s.LockHolder(ctx, LockKey); held {
			t.Fatal("lock should have expired")
		}
		ok, _ = s.AcquireLock(ctx, LockKey, "owner-b", 5*time.Minute)
		if !ok {
			t.Fatal("expired lock should be acquirable")
		}

		if err := s.ReleaseLock(ctx, LockKey, ""); err != nil {
			t.Fatalf("force release: %v", err)
		}
		if _, held, _ := s.LockHolder(ctx, LockKey); held {
			t.Fatal("force release left lock held")
		}
	})
}

func TestWriteRefusedWhileLockHeld(t *testing.T) {
	backends(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()

		if ok, _ := s.AcquireLock(ctx, LockKey, "processor", 5*time.Minute); !ok {
			t.Fatal("acquire failed")
		}

		doc := NewDocument()
		doc.Queue["/x.js"] = PathRecord{Seq: 1}
		err := s.SaveDocument(ctx, DocumentKey, doc, Guard{Lock: LockKey, Owner: "request"})
		if !errors.Is(err, ErrLockHeld) {
			t.Fatalf("expected ErrLockHeld, got %v", err)
		}
		err = s.CompareAndSwap(ctx, DocumentKey, doc, 0, Guard{Lock: LockKey, Owner: "request"})
		if !errors.Is(err, ErrLockHeld) {
			t.Fatalf("expected ErrLockHeld from CAS, got %v", err)
		}

		// The holder itself may write.
		if err := s.SaveDocument(ctx, DocumentKey, doc, Guard{Lock: LockKey, Owner: "processor"}); err != nil {
			t.Fatalf("owner write: %v", err)
		}

		// Once expired, anyone may write.
		clock.Advance(6 * time.Minute)
		if err := s.SaveDocument(ctx, DocumentKey, doc, Guard{Lock: LockKey, Owner: "request"}); err != nil {
			t.Fatalf("write after expiry: %v", err)
		}
	})
}

func TestOwnedGuardRequiresHolder(t *testing.T) {
	backends(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		owned := Guard{Lock: LockKey, Owner: "processor", Owned: true}
		doc := NewDocument()
		doc.Active["/a.css"] = PathRecord{TTL: 1}

		// Nobody holds the lock: an owned write has nothing to stand on.
		if err := s.SaveDocument(ctx, DocumentKey, doc, owned); !errors.Is(err, ErrLockHeld) {
			t.Fatalf("write without lock: got %v, want ErrLockHeld", err)
		}

		if ok, _ := s.AcquireLock(ctx, LockKey, "processor", 5*time.Minute); !ok {
			t.Fatal("acquire failed")
		}
		if err := s.SaveDocument(ctx, DocumentKey, doc, owned); err != nil {
			t.Fatalf("holder write: %v", err)
		}

		// Force-released and retaken by someone else.
		if err := s.ReleaseLock(ctx, LockKey, ""); err != nil {
			t.Fatal(err)
		}
		if err := s.SaveDocument(ctx, DocumentKey, doc, owned); !errors.Is(err, ErrLockHeld) {
			t.Fatalf("write after force release: got %v, want ErrLockHeld", err)
		}
		if ok, _ := s.AcquireLock(ctx, LockKey, "other", 5*time.Minute); !ok {
			t.Fatal("reacquire failed")
		}
		if err := s.SaveDocument(ctx, DocumentKey, doc, owned); !errors.Is(err, ErrLockHeld) {
			t.Fatalf("write under foreign lock: got %v, want ErrLockHeld", err)
		}

		// An expired hold no longer counts as owning it.
		if err := s.ReleaseLock(ctx, LockKey, ""); err != nil {
			t.Fatal(err)
		}
		if ok, _ := s.AcquireLock(ctx, LockKey, "processor", time.Minute); !ok {
			t.Fatal("acquire failed")
		}
		clock.Advance(2 * time.Minute)
		if err := s.SaveDocument(ctx, DocumentKey, doc, owned); !errors.Is(err, ErrLockHeld) {
			t.Fatalf("write after expiry: got %v, want ErrLockHeld", err)
		}
	})
}

func TestSettingsCRUD(t *testing.T) {
	backends(t, func(t *testing.T, s Store, _ *fakeClock) {
		ctx := context.Background()

		if _, ok, err := s.GetSetting(ctx, SettingCDNURL); err != nil || ok {
			t.Fatalf("expected missing setting, ok=%v err=%v", ok, err)
		}
		if err := s.SetSetting(ctx, SettingCDNURL, "https://cdn.example.com"); err != nil {
			t.Fatalf("set: %v", err)
		}
		if err := s.SetSetting(ctx, SettingCDNURL, "https://cdn2.example.com"); err != nil {
			t.Fatalf("overwrite: %v", err)
		}
		v, ok, err := s.GetSetting(ctx, SettingCDNURL)
		if err != nil || !ok || v != "https://cdn2.example.com" {
			t.Fatalf("get = %q ok=%v err=%v", v, ok, err)
		}
		if err := s.DeleteSetting(ctx, SettingCDNURL); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, ok, _ := s.GetSetting(ctx, SettingCDNURL); ok {
			t.Error("setting still present after delete")
		}
	})
}

func TestLoadCurrentDiscardsStaleVersion(t *testing.T) {
	backends(t, func(t *testing.T, s Store, _ *fakeClock) {
		ctx := context.Background()

		doc := NewDocument()
		doc.DBVersion = "1.0.0"
		doc.Active["/old.css"] = PathRecord{TTL: 1}
		if err := s.SaveDocument(ctx, DocumentKey, doc, Guard{}); err != nil {
			t.Fatalf("save: %v", err)
		}

		got, err := LoadCurrent(ctx, s, DocumentKey)
		if err != nil {
			t.Fatalf("load current: %v", err)
		}
		if got != nil {
			t.Fatalf("expected stale document to be discarded, got %+v", got)
		}
		raw, _ := s.LoadDocument(ctx, DocumentKey)
		if raw != nil {
			t.Error("stale document should be deleted from the store")
		}
	})
}

func TestScopedKey(t *testing.T) {
	if got := ScopedKey(false, DocumentKey); got != DocumentKey {
		t.Errorf("site scope = %q", got)
	}
	if got := ScopedKey(true, DocumentKey); got != "network:"+DocumentKey {
		t.Errorf("network scope = %q", got)
	}
}
