package paths

import (
	"context"
	"testing"

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

func TestLoadEmpty(t *testing.T) {
	s := newTestStore(t)
	tbl, err := Load(context.Background(), s, store.DocumentKey)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tbl.IsActive("/a.css") || tbl.IsInactive("/a.css") {
		t.Error("empty table reports a status")
	}
}

func TestLoadStatuses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := store.NewDocument()
	doc.Active["/foo/style.css"] = store.PathRecord{TTL: 1, Integrity: "sha384-x"}
	doc.Active[store.NetworkContentURL] = store.PathRecord{TTL: 1, URL: "https://net.example.com/wp-content"}
	doc.Inactive["/wp-admin/setup.php"] = store.PathRecord{TTL: 1}
	doc.Queue["/q.js"] = store.PathRecord{Seq: 1}
	if err := s.SaveDocument(ctx, store.DocumentKey, doc, store.Guard{}); err != nil {
		t.Fatal(err)
	}

	tbl, err := Load(ctx, s, store.DocumentKey)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !tbl.IsActive("/foo/style.css") {
		t.Error("expected active")
	}
	if rec, ok := tbl.Active("/foo/style.css"); !ok || rec.Integrity != "sha384-x" {
		t.Errorf("Active() = %+v, %v", rec, ok)
	}
	if !tbl.IsInactive("/wp-admin/setup.php") {
		t.Error("expected inactive")
	}
	if tbl.IsActive("/q.js") || tbl.IsInactive("/q.js") {
		t.Error("queued path must be neither active nor inactive")
	}
	if u, ok := tbl.NetworkURL(store.NetworkContentURL); !ok || u != "https://net.example.com/wp-content" {
		t.Errorf("NetworkURL = %q, %v", u, ok)
	}
	if _, ok := tbl.NetworkURL(store.NetworkSiteURL); ok {
		t.Error("missing network site url reported present")
	}
	if a, i, q := tbl.Counts(); a != 2 || i != 1 || q != 1 {
		t.Errorf("Counts = %d/%d/%d", a, i, q)
	}
}

func TestLoadWipesStaleVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := store.NewDocument()
	doc.DBVersion = "0.9"
	doc.Active["/old.css"] = store.PathRecord{TTL: 1}
	if err := s.SaveDocument(ctx, store.DocumentKey, doc, store.Guard{}); err != nil {
		t.Fatal(err)
	}

	tbl, err := Load(ctx, s, store.DocumentKey)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tbl.IsActive("/old.css") {
		t.Error("stale document must not be used")
	}
	if raw, _ := s.LoadDocument(ctx, store.DocumentKey); raw != nil {
		t.Error("stale document should have been deleted")
	}
}
