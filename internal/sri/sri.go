// Package sri computes subresource integrity digests and injects them into
// rendered script and link tags.
package sri

import (
	"crypto/sha512"
	"encoding/base64"
	"strings"
	"sync"
)

// Digest returns the sha384 subresource integrity value for content.
func Digest(content []byte) string {
	sum := sha512.Sum384(content)
	return "sha384-" + base64.StdEncoding.EncodeToString(sum[:])
}

// Entry is a pending integrity attribute for one rendered asset.
type Entry struct {
	Type      string `json:"type"`
	Handle    string `json:"handle"`
	Path      string `json:"path"`
	Integrity string `json:"integrity"`
}

type key struct{ typ, handle string }

// Collector records integrity values for the assets rewritten during one
// execution.
type Collector struct {
	mu      sync.Mutex
	entries map[key]Entry
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector {
	return &Collector{entries: make(map[key]Entry)}
}

// Add records the integrity for (typ, handle). An empty integrity is ignored.
func (c *Collector) Add(typ, handle, path, integrity string) {
	if integrity == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key{typ, handle}] = Entry{Type: typ, Handle: handle, Path: path, Integrity: integrity}
}

// Get returns the entry for (typ, handle).
func (c *Collector) Get(typ, handle string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key{typ, handle}]
	return e, ok
}

// Len returns the number of recorded entries.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Inject adds integrity and crossorigin attributes to the first <script> or
// <link> element in tag. Tags without a recorded entry, or that already
// carry an integrity attribute, are returned unchanged.
func (c *Collector) Inject(typ, handle, tag string) string {
	e, ok := c.Get(typ, handle)
	if !ok {
		return tag
	}
	return InjectAttributes(tag, typ, e.Integrity)
}

// InjectAttributes inserts the integrity attribute for one element type.
func InjectAttributes(tag, typ, integrity string) string {
	var element string
	switch typ {
	case "script":
		element = "<script"
	case "style":
		element = "<link"
	default:
		return tag
	}
	lower := strings.ToLower(tag)
	if strings.Contains(lower, " integrity=") {
		return tag
	}
	i := strings.Index(lower, element)
	if i < 0 {
		return tag
	}
	at := i + len(element)
	attrs := ` integrity="` + integrity + `" crossorigin="anonymous"`
	return tag[:at] + attrs + tag[at:]
}
