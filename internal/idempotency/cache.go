// Package idempotency replays responses for redelivered requests carrying
// an Idempotency-Key header.
package idempotency

import (
	"net/http"
	"sync"
	"time"
)

// Response is a captured handler response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}

// Cache holds responses for ttl, keeping at most maxEntries.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]Response
	ttl        time.Duration
	maxEntries int
	nowFunc    func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Cache and starts its background pruning.
func New(ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	c := &Cache{
		entries:    make(map[string]Response),
		ttl:        ttl,
		maxEntries: maxEntries,
		nowFunc:    time.Now,
		stop:       make(chan struct{}),
	}
	go c.pruneLoop()
	return c
}

// Get returns the response stored under key if it has not expired.
func (c *Cache) Get(key string) (Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.entries[key]
	if !ok {
		return Response{}, false
	}
	if c.nowFunc().Sub(r.StoredAt) > c.ttl {
		delete(c.entries, key)
		return Response{}, false
	}
	return r, true
}

// Put stores r under key, evicting the oldest entry when full.
func (c *Cache) Put(key string, r Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	r.StoredAt = c.nowFunc()
	c.entries[key] = r
}

// Len returns the number of stored responses.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stop ends background pruning. Safe to call more than once.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) pruneLoop() {
	interval := max(c.ttl/2, time.Second)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.prune()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) prune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFunc()
	for k, r := range c.entries {
		if now.Sub(r.StoredAt) > c.ttl {
			delete(c.entries, k)
		}
	}
}

// Caller must hold c.mu.
func (c *Cache) evictOldest() {
	var key string
	var oldest time.Time
	for k, r := range c.entries {
		if key == "" || r.StoredAt.Before(oldest) {
			key, oldest = k, r.StoredAt
		}
	}
	delete(c.entries, key)
}
