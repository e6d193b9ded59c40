// Package negotiate drives the per-request negotiation state machine:
// REQUEST → OFFER → ACCEPT → RESULT, with ERROR and RATING side channels.
// The worker and requester roles share the envelope codec and settlement
// backend but run independent loops.
package negotiate

import (
	"sync"
	"time"

	"github.com/pactmesh/pact/internal/envelope"
)

// PendingTask is the process-local record of a negotiation between OFFER and
// RESULT. Exactly one exists per active request_id; taking it out of the
// registry is what makes a duplicate ACCEPT a no-op.
type PendingTask struct {
	Request   *envelope.RequestPayload
	Requester string // sender DID of the originating REQUEST
	Price     float64
	Currency  string
	Sealed    bool
	CreatedAt time.Time
}

// pendingTasks is the only mutable state shared between the request and
// accept loops, so every access goes through the mutex.
type pendingTasks struct {
	mu    sync.Mutex
	tasks map[string]*PendingTask
}

func newPendingTasks() *pendingTasks {
	return &pendingTasks{tasks: make(map[string]*PendingTask)}
}

// put stores a task unless one already exists for the request id.
func (p *pendingTasks) put(requestID string, task *PendingTask) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.tasks[requestID]; ok {
		return false
	}
	p.tasks[requestID] = task
	return true
}

// take removes and returns the task, or nil if none exists. Removal on first
// read guarantees at-most-once execution per request_id within the process.
func (p *pendingTasks) take(requestID string) *PendingTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	task, ok := p.tasks[requestID]
	if !ok {
		return nil
	}
	delete(p.tasks, requestID)
	return task
}

// expire drops tasks older than maxAge and returns their request ids.
func (p *pendingTasks) expire(maxAge time.Duration) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	var expired []string
	for id, task := range p.tasks {
		if task.CreatedAt.Before(cutoff) {
			delete(p.tasks, id)
			expired = append(expired, id)
		}
	}
	return expired
}

func (p *pendingTasks) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}
