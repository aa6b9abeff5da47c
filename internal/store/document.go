package store

import (
	"context"
	"fmt"
	"sort"
)

// SchemaVersion is written into every document. A stored document carrying a
// different version is discarded on load.
const SchemaVersion = "2.0.0"

// Status is the map a path currently lives in.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusQueue    Status = "queue"
)

// Special active records holding the resolved network root URLs on multisite.
const (
	NetworkSiteURL    = "network_site_url"
	NetworkContentURL = "network_content_url"
)

// PathRecord is the persisted state of one asset path.
type PathRecord struct {
	TTL       int64  `json:"ttl,omitempty"`       // unix expiry; active and inactive
	URL       string `json:"url,omitempty"`       // network root records only
	Integrity string `json:"integrity,omitempty"` // active only
	Src       string `json:"src,omitempty"`       // queue: as-served URL
	Handle    string `json:"handle,omitempty"`    // queue
	Type      string `json:"type,omitempty"`      // queue
	Seq       int64  `json:"seq,omitempty"`       // queue insertion order
}

// Document is the single shared record holding every known path.
type Document struct {
	DBVersion string                `json:"db_version"`
	Revision  int64                 `json:"revision"`
	Active    map[string]PathRecord `json:"active"`
	Inactive  map[string]PathRecord `json:"inactive"`
	Queue     map[string]PathRecord `json:"queue"`
}

// NewDocument returns an empty document at the current schema version.
func NewDocument() *Document {
	d := &Document{DBVersion: SchemaVersion}
	d.ensure()
	return d
}

func (d *Document) ensure() {
	if d.Active == nil {
		d.Active = make(map[string]PathRecord)
	}
	if d.Inactive == nil {
		d.Inactive = make(map[string]PathRecord)
	}
	if d.Queue == nil {
		d.Queue = make(map[string]PathRecord)
	}
}

func (d *Document) clone() *Document {
	c := &Document{DBVersion: d.DBVersion, Revision: d.Revision}
	c.ensure()
	for k, v := range d.Active {
		c.Active[k] = v
	}
	for k, v := range d.Inactive {
		c.Inactive[k] = v
	}
	for k, v := range d.Queue {
		c.Queue[k] = v
	}
	return c
}

// Status reports which map holds path.
func (d *Document) Status(path string) (Status, bool) {
	if _, ok := d.Active[path]; ok {
		return StatusActive, true
	}
	if _, ok := d.Inactive[path]; ok {
		return StatusInactive, true
	}
	if _, ok := d.Queue[path]; ok {
		return StatusQueue, true
	}
	return "", false
}

// Has reports whether path is present in any map.
func (d *Document) Has(path string) bool {
	_, ok := d.Status(path)
	return ok
}

// Map returns the map for status s.
func (d *Document) Map(s Status) map[string]PathRecord {
	switch s {
	case StatusActive:
		return d.Active
	case StatusInactive:
		return d.Inactive
	case StatusQueue:
		return d.Queue
	}
	return nil
}

// Move places rec under path in status s, removing path from the other maps.
func (d *Document) Move(path string, s Status, rec PathRecord) {
	d.Remove(path)
	d.Map(s)[path] = rec
}

// Remove deletes path from every map. It reports whether anything was removed.
func (d *Document) Remove(path string) bool {
	found := false
	for _, m := range []map[string]PathRecord{d.Active, d.Inactive, d.Queue} {
		if _, ok := m[path]; ok {
			delete(m, path)
			found = true
		}
	}
	return found
}

// NextSeq returns the next queue insertion sequence number.
func (d *Document) NextSeq() int64 {
	var max int64
	for _, r := range d.Queue {
		if r.Seq > max {
			max = r.Seq
		}
	}
	return max + 1
}

// QueuedPaths returns queued paths in insertion order.
func (d *Document) QueuedPaths() []string {
	out := make([]string, 0, len(d.Queue))
	for p := range d.Queue {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := d.Queue[out[i]], d.Queue[out[j]]
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return out[i] < out[j]
	})
	return out
}

// LoadCurrent loads the document at key. A document written by a different
// schema version is deleted and reported as absent (nil, nil).
func LoadCurrent(ctx context.Context, s Store, key string) (*Document, error) {
	doc, err := s.LoadDocument(ctx, key)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	if doc.DBVersion != SchemaVersion {
		if err := s.DeleteDocument(ctx, key); err != nil {
			return nil, fmt.Errorf("discard stale document: %w", err)
		}
		return nil, nil
	}
	doc.ensure()
	return doc, nil
}
