package escrow

import (
	"sync"
	"time"
)

// Registry is a process-local record store with single-writer discipline.
// It enforces the terminal-exclusive transition rule: a HELD record resolves
// once, and a repeated resolution of a terminal record is a no-op that leaves
// the first outcome in place.
type Registry struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Put stores a record, keeping an existing one for the same request id.
// Records are never reused across request ids, so the first write wins.
func (g *Registry) Put(rec *Record) *Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.records[rec.RequestID]; ok {
		return existing
	}
	cp := *rec
	g.records[rec.RequestID] = &cp
	return &cp
}

// Get returns a copy of the record, or ErrNotFound.
func (g *Registry) Get(requestID string) (*Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// Resolve transitions HELD to the given terminal status. Only the first call
// changes the record; later calls, with either terminal status, return the
// already-resolved record untouched.
func (g *Registry) Resolve(requestID string, status Status) (*Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	if !rec.Terminal() {
		rec.Status = status
		rec.ResolvedAt = time.Now()
	}
	cp := *rec
	return &cp, nil
}

// Len reports the number of tracked records.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.records)
}
