package handlers

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/pactmesh/pact/internal/identity"
	"github.com/pactmesh/pact/internal/metrics"
)

const maxCapabilities = 32

// RegisterRequest is the registration request body.
type RegisterRequest struct {
	DID          string   `json:"did"`
	PublicKey    string   `json:"public_key"`
	Capabilities []string `json:"capabilities"`
}

// RegisterResponse is the registration response.
type RegisterResponse struct {
	DID          string   `json:"did"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Register handles agent registration, idempotent by public key.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.DID == "" || req.PublicKey == "" {
		h.Error(w, http.StatusBadRequest, "did and public_key are required")
		return
	}

	pub, err := identity.ResolveDID(req.DID)
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid did")
		return
	}

	// The declared public key must be the one the DID encodes.
	raw, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil || len(raw) != ed25519.PublicKeySize || !pub.Equal(ed25519.PublicKey(raw)) {
		h.Error(w, http.StatusBadRequest, "public_key does not match did")
		return
	}

	if len(req.Capabilities) > maxCapabilities {
		h.Error(w, http.StatusBadRequest, "too many capabilities")
		return
	}

	agent, err := h.db.UpsertAgent(r.Context(), req.DID, req.PublicKey, req.Capabilities)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to register agent")
		return
	}
	metrics.AgentsRegistered.Inc()

	h.JSON(w, http.StatusCreated, RegisterResponse{
		DID:          agent.DID,
		Capabilities: agent.Capabilities,
	})
}
