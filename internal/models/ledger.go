package models

import "time"

// LedgerAccount is a custodial balance. Held funds are earmarked by escrow
// and unavailable until the hold resolves.
type LedgerAccount struct {
	DID       string    `json:"did"`
	Available float64   `json:"available"`
	Held      float64   `json:"held"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Escrow statuses.
const (
	EscrowHeld     = "HELD"
	EscrowReleased = "RELEASED"
	EscrowRefunded = "REFUNDED"
)

// Escrow resolutions accepted by the release endpoint.
const (
	ResolutionReleased = "released"
	ResolutionRefunded = "refunded"
)

// EscrowRow is one custodial hold, keyed by request id. A row is written
// HELD and resolves exactly once.
type EscrowRow struct {
	RequestID  string     `json:"request_id"`
	Payer      string     `json:"payer"`
	Payee      string     `json:"payee"`
	Amount     float64    `json:"amount"`
	Currency   string     `json:"currency"`
	Status     string     `json:"status"`
	HoldID     string     `json:"hold_id"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Terminal reports whether the row has resolved.
func (e *EscrowRow) Terminal() bool {
	return e.Status == EscrowReleased || e.Status == EscrowRefunded
}
