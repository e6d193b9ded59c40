package escrow

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/pactmesh/pact/internal/relay"
)

// RelayBackend settles through the relay's custodial ledger. The relay is the
// source of truth for record state; the backend translates and enforces the
// verification policy locally.
type RelayBackend struct {
	client *relay.Client
	policy Policy
	logger zerolog.Logger
}

// NewRelayBackend creates a relay-custodied settlement backend.
func NewRelayBackend(client *relay.Client, policy Policy, logger zerolog.Logger) *RelayBackend {
	return &RelayBackend{client: client, policy: policy, logger: logger}
}

func (b *RelayBackend) Mode() Mode { return ModeRelay }

// Hold instructs the relay to earmark payer funds. The returned record's
// TxRef is the relay hold receipt the requester sends as proof of payment.
func (b *RelayBackend) Hold(ctx context.Context, req HoldRequest) (*Record, error) {
	rec, err := b.client.HoldEscrow(ctx, relay.HoldEscrowRequest{
		RequestID: req.RequestID,
		Payer:     req.Payer,
		Payee:     req.Payee,
		Amount:    req.Amount,
		Currency:  req.Currency,
	})
	if err != nil {
		return nil, fmt.Errorf("relay hold: %w", err)
	}
	return fromRelayRecord(rec), nil
}

// Verify reconciles the relay's record against the expected tuple. An absent
// record is pending (the hold may still land); a party mismatch is a hard
// error; an amount mismatch beyond the tolerance is a warning only.
func (b *RelayBackend) Verify(ctx context.Context, requestID, txRef string, exp Expected) (State, error) {
	rec, err := b.client.GetEscrow(ctx, requestID)
	if errors.Is(err, relay.ErrNotFound) {
		return StatePending, nil
	}
	if err != nil {
		return StatePending, fmt.Errorf("relay verify: %w", err)
	}

	if rec.Payee != exp.Payee {
		return StatePending, fmt.Errorf("%w: payee %s, expected %s", ErrMismatch, rec.Payee, exp.Payee)
	}
	if exp.Payer != "" && rec.Payer != exp.Payer {
		return StatePending, fmt.Errorf("%w: payer %s, expected %s", ErrMismatch, rec.Payer, exp.Payer)
	}
	if txRef != "" && rec.HoldID != txRef {
		return StatePending, fmt.Errorf("%w: hold receipt %s, expected %s", ErrMismatch, rec.HoldID, txRef)
	}
	if diff := math.Abs(rec.Amount - exp.Amount); diff > b.policy.AmountTolerance {
		b.logger.Warn().
			Str("request_id", requestID).
			Float64("held", rec.Amount).
			Float64("expected", exp.Amount).
			Float64("tolerance", b.policy.AmountTolerance).
			Msg("escrow amount differs beyond tolerance")
	}

	if rec.Status != string(StatusHeld) {
		// Already resolved; the deposit cannot fund this negotiation anymore.
		return StatePending, fmt.Errorf("%w: record already %s", ErrMismatch, rec.Status)
	}
	return StateConfirmed, nil
}

// Release pays the payee from the held funds.
func (b *RelayBackend) Release(ctx context.Context, requestID string) (*Record, error) {
	rec, err := b.client.ResolveEscrow(ctx, requestID, "released")
	if err != nil {
		return nil, fmt.Errorf("relay release: %w", err)
	}
	return fromRelayRecord(rec), nil
}

// Refund returns the held funds to the payer.
func (b *RelayBackend) Refund(ctx context.Context, requestID string) (*Record, error) {
	rec, err := b.client.ResolveEscrow(ctx, requestID, "refunded")
	if err != nil {
		return nil, fmt.Errorf("relay refund: %w", err)
	}
	return fromRelayRecord(rec), nil
}

// Get fetches the relay's current record.
func (b *RelayBackend) Get(ctx context.Context, requestID string) (*Record, error) {
	rec, err := b.client.GetEscrow(ctx, requestID)
	if errors.Is(err, relay.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRelayRecord(rec), nil
}

func fromRelayRecord(rec *relay.EscrowRecord) *Record {
	return &Record{
		RequestID: rec.RequestID,
		Payer:     rec.Payer,
		Payee:     rec.Payee,
		Amount:    rec.Amount,
		Currency:  rec.Currency,
		Mode:      ModeRelay,
		Status:    Status(rec.Status),
		TxRef:     rec.HoldID,
		CreatedAt: rec.CreatedAt,
	}
}

var _ Backend = (*RelayBackend)(nil)
