// Package handlers implements the relay's HTTP endpoints.
package handlers

import (
	"crypto/rand"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/pactmesh/pact/internal/store"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	db     store.DataStore
	redis  *store.RedisStore // nil when not configured
	logger zerolog.Logger

	// entropy feeds monotonic ULIDs so message ids from one instance are
	// strictly increasing.
	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy

	// notify is closed and replaced whenever a message lands, waking
	// long-poll waiters.
	notifyMu sync.Mutex
	notify   chan struct{}
}

// NewHandler creates a Handler with the given stores. redis may be nil in
// development.
func NewHandler(db store.DataStore, redis *store.RedisStore, logger zerolog.Logger) *Handler {
	return &Handler{
		db:      db,
		redis:   redis,
		logger:  logger,
		entropy: ulid.Monotonic(rand.Reader, 0),
		notify:  make(chan struct{}),
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// newMessageID mints the next monotonic ULID.
func (h *Handler) newMessageID() string {
	h.entropyMu.Lock()
	defer h.entropyMu.Unlock()
	return ulid.MustNew(ulid.Now(), h.entropy).String()
}

// wakeWaiters releases every blocked long poll.
func (h *Handler) wakeWaiters() {
	h.notifyMu.Lock()
	close(h.notify)
	h.notify = make(chan struct{})
	h.notifyMu.Unlock()
}

// waitSignal returns the channel the next wakeWaiters call will close.
func (h *Handler) waitSignal() <-chan struct{} {
	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()
	return h.notify
}
