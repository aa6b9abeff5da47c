package queue

import "sync"

// Candidate is an unknown asset seen during an execution.
type Candidate struct {
	Path   string `json:"path"`
	Src    string `json:"src"`
	Handle string `json:"handle"`
	Type   string `json:"type"`
}

// Pending collects candidates for one execution, in first-seen order. A
// later Add for the same path replaces the earlier entry in place.
type Pending struct {
	mu    sync.Mutex
	order []string
	items map[string]Candidate
}

// NewPending returns an empty Pending.
func NewPending() *Pending {
	return &Pending{items: make(map[string]Candidate)}
}

// Add records a candidate.
func (p *Pending) Add(path, src, handle, typ string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.items[path]; !ok {
		p.order = append(p.order, path)
	}
	p.items[path] = Candidate{Path: path, Src: src, Handle: handle, Type: typ}
}

// Items returns the candidates in first-seen order.
func (p *Pending) Items() []Candidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Candidate, 0, len(p.order))
	for _, path := range p.order {
		out = append(out, p.items[path])
	}
	return out
}

// Len returns the number of distinct paths.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}
