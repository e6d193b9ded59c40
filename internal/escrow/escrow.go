// Package escrow gates payment on deposit verification. A Backend holds,
// verifies, releases, and refunds payment for one request, either against the
// relay's custodial ledger or directly on chain. Escrow state is the source
// of truth for whether payment happened; a HELD record resolves exactly once,
// to RELEASED or REFUNDED, never both.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status of an escrow record.
type Status string

const (
	StatusHeld     Status = "HELD"
	StatusReleased Status = "RELEASED"
	StatusRefunded Status = "REFUNDED"
)

// Mode selects the settlement backend.
type Mode string

const (
	ModeRelay   Mode = "relay"
	ModeOnchain Mode = "onchain"
)

var (
	ErrNotFound       = errors.New("escrow: record not found")
	ErrMismatch       = errors.New("escrow: deposit does not match expected terms")
	ErrDepositTimeout = errors.New("escrow: deposit not confirmed before deadline")
)

// Record tracks held payment for one request. A record is never reused for a
// different request id.
type Record struct {
	RequestID  string    `json:"request_id"`
	Payer      string    `json:"payer"`
	Payee      string    `json:"payee"`
	Amount     float64   `json:"amount"`
	Currency   string    `json:"currency"`
	Chain      string    `json:"chain,omitempty"`
	Mode       Mode      `json:"mode"`
	Status     Status    `json:"status"`
	TxRef      string    `json:"tx_ref,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// Terminal reports whether the record has reached a final status.
func (r *Record) Terminal() bool {
	return r.Status == StatusReleased || r.Status == StatusRefunded
}

// HoldRequest asks a backend to take custody of payment for a request.
type HoldRequest struct {
	RequestID string
	Payer     string
	Payee     string
	Amount    float64
	Currency  string
}

// Expected is the tuple a deposit must reconcile against at verify time.
// Payer, payee, and chain mismatches are hard errors; an amount mismatch
// beyond the policy tolerance is logged but does not block settlement.
type Expected struct {
	Payer  string
	Payee  string
	Amount float64
	Chain  string
	Token  string
}

// State is the outcome of one verification attempt.
type State int

const (
	StatePending State = iota
	StateConfirmed
)

// Policy holds settlement leniencies that are deliberate configuration, not
// business rules. AmountTolerance absorbs float rounding when comparing
// deposited and quoted amounts.
type Policy struct {
	AmountTolerance float64
}

// DefaultPolicy matches the protocol's documented 1e-6 rounding tolerance.
func DefaultPolicy() Policy {
	return Policy{AmountTolerance: 1e-6}
}

// Backend is the settlement contract shared by relay-custodied and on-chain
// implementations. Selection happens once at construction.
type Backend interface {
	Mode() Mode

	// Hold takes custody of the payer's funds for a request.
	Hold(ctx context.Context, req HoldRequest) (*Record, error)

	// Verify reconciles a payment reference against the expected tuple.
	// StatePending means the deposit may still land; a mismatch of payer,
	// payee, or chain returns ErrMismatch and must never settle.
	Verify(ctx context.Context, requestID, txRef string, exp Expected) (State, error)

	// Release pays the payee. Safe to call on an already-terminal record.
	Release(ctx context.Context, requestID string) (*Record, error)

	// Refund returns funds to the payer. Safe to call on an already-terminal
	// record.
	Refund(ctx context.Context, requestID string) (*Record, error)

	// Get returns the current record, or ErrNotFound.
	Get(ctx context.Context, requestID string) (*Record, error)
}

// WaitDeposit polls Verify at a fixed interval until the deposit confirms or
// the timeout elapses. Timeout surfaces as ErrDepositTimeout; a hard
// verification error aborts immediately.
func WaitDeposit(ctx context.Context, b Backend, requestID, txRef string, exp Expected, interval, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		state, err := b.Verify(ctx, requestID, txRef, exp)
		if err != nil {
			return err
		}
		if state == StateConfirmed {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: request %s after %s", ErrDepositTimeout, requestID, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
