// Package paths holds the read-only view of known asset paths used during a
// single execution.
package paths

import (
	"context"
	"fmt"

	"github.com/jordanhubbard/cdnrewriter/internal/store"
)

// Table answers status lookups against a snapshot of the stored document.
type Table struct {
	active   map[string]store.PathRecord
	inactive map[string]store.PathRecord
	queued   int
}

// New builds a Table from doc. A nil doc yields an empty table.
func New(doc *store.Document) *Table {
	t := &Table{
		active:   map[string]store.PathRecord{},
		inactive: map[string]store.PathRecord{},
	}
	if doc == nil {
		return t
	}
	for k, v := range doc.Active {
		t.active[k] = v
	}
	for k, v := range doc.Inactive {
		t.inactive[k] = v
	}
	t.queued = len(doc.Queue)
	return t
}

// Load reads the document at key once. A document from a different schema
// version is deleted and an empty table returned.
func Load(ctx context.Context, s store.Store, key string) (*Table, error) {
	doc, err := store.LoadCurrent(ctx, s, key)
	if err != nil {
		return nil, fmt.Errorf("load paths: %w", err)
	}
	return New(doc), nil
}

// IsActive reports whether path has been verified against the CDN.
func (t *Table) IsActive(path string) bool {
	_, ok := t.active[path]
	return ok
}

// IsInactive reports whether path was found unsuitable for the CDN.
func (t *Table) IsInactive(path string) bool {
	_, ok := t.inactive[path]
	return ok
}

// Active returns the active record for path.
func (t *Table) Active(path string) (store.PathRecord, bool) {
	r, ok := t.active[path]
	return r, ok
}

// NetworkURL returns the cached network root for key (store.NetworkSiteURL
// or store.NetworkContentURL).
func (t *Table) NetworkURL(key string) (string, bool) {
	r, ok := t.active[key]
	if !ok || r.URL == "" {
		return "", false
	}
	return r.URL, true
}

// Counts returns the number of active, inactive and queued paths.
func (t *Table) Counts() (active, inactive, queued int) {
	return len(t.active), len(t.inactive), t.queued
}
