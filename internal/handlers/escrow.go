package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pactmesh/pact/internal/api/middleware"
	"github.com/pactmesh/pact/internal/metrics"
	"github.com/pactmesh/pact/internal/models"
	"github.com/pactmesh/pact/internal/store"
)

// HoldRequest is the escrow hold request body.
type HoldRequest struct {
	RequestID string  `json:"request_id"`
	Payer     string  `json:"payer"`
	Payee     string  `json:"payee"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
}

// HoldEscrow debits the payer's ledger into a HELD escrow row. Only the
// payer can hold their own funds.
func (h *Handler) HoldEscrow(w http.ResponseWriter, r *http.Request) {
	var req HoldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.RequestID == "" || req.Payer == "" || req.Payee == "" {
		h.Error(w, http.StatusBadRequest, "request_id, payer, and payee are required")
		return
	}
	if req.Amount <= 0 {
		h.Error(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}

	agent := middleware.AgentFromContext(r.Context())
	if agent == nil || agent.DID != req.Payer {
		h.Error(w, http.StatusForbidden, "payer must match authenticated agent")
		return
	}

	row, err := h.db.CreateHold(r.Context(), &models.EscrowRow{
		RequestID: req.RequestID,
		Payer:     req.Payer,
		Payee:     req.Payee,
		Amount:    req.Amount,
		Currency:  req.Currency,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicateHold):
			h.Error(w, http.StatusConflict, "hold already exists for this request")
		case errors.Is(err, store.ErrInsufficientFunds):
			h.Error(w, http.StatusPaymentRequired, "insufficient available balance")
		default:
			h.Error(w, http.StatusInternalServerError, "failed to create hold")
		}
		return
	}
	metrics.EscrowHolds.Inc()

	h.logger.Info().
		Str("request_id", row.RequestID).
		Str("payer", row.Payer).
		Str("payee", row.Payee).
		Float64("amount", row.Amount).
		Msg("escrow held")

	h.JSON(w, http.StatusCreated, row)
}

// ResolveRequest is the escrow release request body.
type ResolveRequest struct {
	Resolution string `json:"resolution"`
}

// ResolveEscrow transitions a HELD row to RELEASED or REFUNDED. Terminal
// rows are returned unchanged, so retries are safe.
func (h *Handler) ResolveEscrow(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Resolution != models.ResolutionReleased && req.Resolution != models.ResolutionRefunded {
		h.Error(w, http.StatusBadRequest, "resolution must be released or refunded")
		return
	}

	row, err := h.db.GetHold(r.Context(), requestID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if row == nil {
		h.Error(w, http.StatusNotFound, "no escrow for request")
		return
	}

	// Only the two parties to the hold may resolve it.
	agent := middleware.AgentFromContext(r.Context())
	if agent == nil || (agent.DID != row.Payer && agent.DID != row.Payee) {
		h.Error(w, http.StatusForbidden, "only the payer or payee may resolve escrow")
		return
	}

	resolved, err := h.db.ResolveHold(r.Context(), requestID, req.Resolution)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to resolve escrow")
		return
	}
	metrics.EscrowResolutions.WithLabelValues(req.Resolution).Inc()

	h.logger.Info().
		Str("request_id", requestID).
		Str("resolution", req.Resolution).
		Str("status", resolved.Status).
		Msg("escrow resolved")

	h.JSON(w, http.StatusOK, resolved)
}

// GetEscrow returns the escrow row for a request id.
func (h *Handler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")

	row, err := h.db.GetHold(r.Context(), requestID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if row == nil {
		h.Error(w, http.StatusNotFound, "no escrow for request")
		return
	}
	h.JSON(w, http.StatusOK, row)
}

// VerifyRequest is the payment verification request body.
type VerifyRequest struct {
	TxHash string  `json:"tx_hash"`
	Payer  string  `json:"payer"`
	Payee  string  `json:"payee"`
	Amount float64 `json:"amount"`
}

// VerifyResponse reports the ledger's view of a payment reference.
type VerifyResponse struct {
	Confirmed bool    `json:"confirmed"`
	Amount    float64 `json:"amount"`
	Message   string  `json:"message,omitempty"`
}

// VerifyPayment reconciles a hold receipt against the expected parties. In
// ledger mode the tx_hash is the hold receipt id.
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TxHash == "" {
		h.Error(w, http.StatusBadRequest, "tx_hash is required")
		return
	}

	row, err := h.db.GetHoldByReceipt(r.Context(), req.TxHash)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if row == nil {
		h.JSON(w, http.StatusOK, VerifyResponse{Confirmed: false, Message: "no hold for reference"})
		return
	}

	if (req.Payer != "" && req.Payer != row.Payer) || (req.Payee != "" && req.Payee != row.Payee) {
		h.JSON(w, http.StatusOK, VerifyResponse{Confirmed: false, Amount: row.Amount, Message: "party mismatch"})
		return
	}

	resp := VerifyResponse{Confirmed: row.Status == models.EscrowHeld, Amount: row.Amount}
	if req.Amount > 0 && req.Amount != row.Amount {
		resp.Message = fmt.Sprintf("held amount %.6f differs from expected %.6f", row.Amount, req.Amount)
	}
	h.JSON(w, http.StatusOK, resp)
}

// GetLedger returns an agent's custodial balance, creating the account with
// the faucet balance on first sight.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	did := chi.URLParam(r, "did")
	if did == "" {
		h.Error(w, http.StatusBadRequest, "did is required")
		return
	}

	acct, err := h.db.GetAccount(r.Context(), did)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	h.JSON(w, http.StatusOK, acct)
}
