package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pactmesh/pact/internal/api/middleware"
	"github.com/pactmesh/pact/internal/envelope"
	"github.com/pactmesh/pact/internal/metrics"
	"github.com/pactmesh/pact/internal/models"
)

const (
	defaultPageSize = 100
	maxPageSize     = 500
	maxLongPoll     = 30 * time.Second
)

// MessagesResponse is one page of mailbox messages.
type MessagesResponse struct {
	Messages []models.StoredMessage `json:"messages"`
}

// PostMessage accepts a signed envelope into the mailbox. The request itself
// is already authenticated; the envelope signature is checked independently
// because the mailbox serves envelopes to third parties.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var env envelope.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	switch env.Type {
	case envelope.TypeRequest, envelope.TypeOffer, envelope.TypeAccept,
		envelope.TypeResult, envelope.TypeError, envelope.TypeRating:
	default:
		h.Error(w, http.StatusBadRequest, "unknown envelope type")
		return
	}

	if env.Thread.ID == "" {
		h.Error(w, http.StatusBadRequest, "thread id is required")
		return
	}
	if !envelope.Verify(env) {
		h.Error(w, http.StatusBadRequest, "envelope signature does not verify")
		return
	}

	if agent := middleware.AgentFromContext(r.Context()); agent != nil && agent.DID != env.Sender.ID {
		h.Error(w, http.StatusForbidden, "envelope sender must match authenticated agent")
		return
	}

	raw, err := json.Marshal(env)
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid envelope")
		return
	}

	msg := &models.StoredMessage{
		ID:        h.newMessageID(),
		Type:      string(env.Type),
		Sender:    env.Sender.ID,
		Thread:    env.Thread.ID,
		Timestamp: env.Timestamp,
		Envelope:  raw,
	}
	if err := h.db.AppendMessage(r.Context(), msg); err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to store message")
		return
	}
	metrics.MessagesStored.WithLabelValues(msg.Type).Inc()
	h.wakeWaiters()

	h.JSON(w, http.StatusCreated, map[string]string{"id": msg.ID})
}

// GetMessages returns mailbox messages after the cursor, long polling up to
// the requested timeout when the page would be empty.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	q := models.MessageQuery{
		Since:  query.Get("since"),
		Type:   query.Get("type"),
		Thread: query.Get("thread"),
		Limit:  defaultPageSize,
	}
	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			q.Limit = l
		}
	}
	if q.Limit > maxPageSize {
		q.Limit = maxPageSize
	}

	var timeout time.Duration
	if timeoutStr := query.Get("timeout"); timeoutStr != "" {
		if ms, err := strconv.ParseInt(timeoutStr, 10, 64); err == nil && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}
	if timeout > maxLongPoll {
		timeout = maxLongPoll
	}
	deadline := time.Now().Add(timeout)

	for {
		// Grab the wake signal before querying so a message landing
		// between query and wait still wakes us.
		signal := h.waitSignal()

		msgs, err := h.db.ListMessages(r.Context(), q)
		if err != nil {
			h.Error(w, http.StatusInternalServerError, "failed to list messages")
			return
		}

		if len(msgs) > 0 || timeout == 0 || time.Now().After(deadline) {
			if msgs == nil {
				msgs = []models.StoredMessage{}
			}
			h.JSON(w, http.StatusOK, MessagesResponse{Messages: msgs})
			return
		}

		timer := time.NewTimer(time.Until(deadline))
		select {
		case <-r.Context().Done():
			timer.Stop()
			return
		case <-signal:
			timer.Stop()
		case <-timer.C:
		}
	}
}
