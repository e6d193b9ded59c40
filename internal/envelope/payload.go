package envelope

import (
	"encoding/json"
	"fmt"
)

// Protocol error codes carried by ERROR payloads.
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeInsufficientBudget = "INSUFFICIENT_BUDGET"
	CodeUnavailable        = "UNAVAILABLE"
	CodeEscrowMismatch     = "ESCROW_MISMATCH"
)

// Result statuses.
const (
	StatusSuccess   = "success"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Constraints are requester-declared limits on a task.
type Constraints struct {
	MaxCostUSD *float64 `json:"max_cost_usd,omitempty"`
	Sealed     bool     `json:"sealed,omitempty"`
}

// RequestPayload asks workers with a matching capability for an offer.
type RequestPayload struct {
	RequestID   string         `json:"request_id"`
	Intent      string         `json:"intent"`
	Params      map[string]any `json:"params,omitempty"`
	Constraints *Constraints   `json:"constraints,omitempty"`
}

// Price is an amount in a named currency.
type Price struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// EscrowTerms tell the requester where and how to deposit payment.
type EscrowTerms struct {
	Mode      string  `json:"mode"` // "relay" or "onchain"
	Address   string  `json:"address,omitempty"`
	Network   string  `json:"network,omitempty"`
	RequestID string  `json:"request_id"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	Payee     string  `json:"payee"`
}

// OfferPayload is a worker's quote for a request.
type OfferPayload struct {
	RequestID  string      `json:"request_id"`
	Plan       string      `json:"plan,omitempty"`
	Price      Price       `json:"price"`
	ETASeconds int         `json:"eta_seconds,omitempty"`
	Escrow     EscrowTerms `json:"escrow"`
}

// AcceptPayload carries the requester's proof of payment.
type AcceptPayload struct {
	RequestID string         `json:"request_id"`
	PaymentTx string         `json:"payment_tx"`
	Chain     string         `json:"chain,omitempty"`
	Token     string         `json:"token,omitempty"`
	Terms     map[string]any `json:"terms,omitempty"`
}

// ResultMetrics report what the task actually cost.
type ResultMetrics struct {
	LatencyMS  int64   `json:"latency_ms"`
	CostActual float64 `json:"cost_actual"`
}

// ResultPayload is the terminal outcome of a negotiation.
type ResultPayload struct {
	RequestID string          `json:"request_id"`
	Status    string          `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	Sealed    bool            `json:"sealed,omitempty"`
	Metrics   ResultMetrics   `json:"metrics"`
}

// ErrorPayload reports a protocol-level rejection.
type ErrorPayload struct {
	RequestID string         `json:"request_id,omitempty"`
	Code      string         `json:"code"`
	Details   map[string]any `json:"details,omitempty"`
}

// RatingPayload is post-settlement feedback from the requester.
type RatingPayload struct {
	RequestID string `json:"request_id"`
	Score     int    `json:"score"`
	Comment   string `json:"comment,omitempty"`
}

// DecodeRequest parses and validates a REQUEST payload.
func DecodeRequest(e Envelope) (*RequestPayload, error) {
	if e.Type != TypeRequest {
		return nil, fmt.Errorf("%w: expected %s envelope, got %s", ErrInvalidPayload, TypeRequest, e.Type)
	}
	var p RequestPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.RequestID == "" {
		return nil, fmt.Errorf("%w: request_id is required", ErrInvalidPayload)
	}
	if p.Intent == "" {
		return nil, fmt.Errorf("%w: intent is required", ErrInvalidPayload)
	}
	return &p, nil
}

// DecodeOffer parses and validates an OFFER payload.
func DecodeOffer(e Envelope) (*OfferPayload, error) {
	if e.Type != TypeOffer {
		return nil, fmt.Errorf("%w: expected %s envelope, got %s", ErrInvalidPayload, TypeOffer, e.Type)
	}
	var p OfferPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.RequestID == "" {
		return nil, fmt.Errorf("%w: request_id is required", ErrInvalidPayload)
	}
	if p.Price.Amount <= 0 {
		return nil, fmt.Errorf("%w: price.amount must be positive", ErrInvalidPayload)
	}
	return &p, nil
}

// DecodeAccept parses and validates an ACCEPT payload.
func DecodeAccept(e Envelope) (*AcceptPayload, error) {
	if e.Type != TypeAccept {
		return nil, fmt.Errorf("%w: expected %s envelope, got %s", ErrInvalidPayload, TypeAccept, e.Type)
	}
	var p AcceptPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.RequestID == "" {
		return nil, fmt.Errorf("%w: request_id is required", ErrInvalidPayload)
	}
	if p.PaymentTx == "" {
		return nil, fmt.Errorf("%w: payment_tx is required", ErrInvalidPayload)
	}
	return &p, nil
}

// DecodeResult parses and validates a RESULT payload.
func DecodeResult(e Envelope) (*ResultPayload, error) {
	if e.Type != TypeResult {
		return nil, fmt.Errorf("%w: expected %s envelope, got %s", ErrInvalidPayload, TypeResult, e.Type)
	}
	var p ResultPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	switch p.Status {
	case StatusSuccess, StatusPartial, StatusFailed, StatusCancelled:
	default:
		return nil, fmt.Errorf("%w: unknown result status %q", ErrInvalidPayload, p.Status)
	}
	return &p, nil
}

// DecodeError parses an ERROR payload.
func DecodeError(e Envelope) (*ErrorPayload, error) {
	if e.Type != TypeError {
		return nil, fmt.Errorf("%w: expected %s envelope, got %s", ErrInvalidPayload, TypeError, e.Type)
	}
	var p ErrorPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.Code == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidPayload)
	}
	return &p, nil
}

// DecodeRating parses and validates a RATING payload.
func DecodeRating(e Envelope) (*RatingPayload, error) {
	if e.Type != TypeRating {
		return nil, fmt.Errorf("%w: expected %s envelope, got %s", ErrInvalidPayload, TypeRating, e.Type)
	}
	var p RatingPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.Score < 1 || p.Score > 5 {
		return nil, fmt.Errorf("%w: score must be 1-5, got %d", ErrInvalidPayload, p.Score)
	}
	return &p, nil
}
