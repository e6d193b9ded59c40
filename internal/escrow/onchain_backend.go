package escrow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/pactmesh/pact/internal/chain"
)

// OnchainBackend settles by direct transfer on an EVM chain. The payer
// submits a transfer independently; the worker's record is inferred from the
// confirmed transaction at verify time. Release is a local bookkeeping step
// (the deposit already sits with the payee); refund issues a reverse transfer
// from the payee's chain wallet.
type OnchainBackend struct {
	chain         *chain.Client
	registry      *Registry
	confirmations uint64
	pollInterval  time.Duration
	policy        Policy
	logger        zerolog.Logger
}

// NewOnchainBackend creates an on-chain settlement backend.
func NewOnchainBackend(c *chain.Client, confirmations uint64, pollInterval time.Duration, policy Policy, logger zerolog.Logger) *OnchainBackend {
	return &OnchainBackend{
		chain:         c,
		registry:      NewRegistry(),
		confirmations: confirmations,
		pollInterval:  pollInterval,
		policy:        policy,
		logger:        logger,
	}
}

func (b *OnchainBackend) Mode() Mode { return ModeOnchain }

// Hold is the payer-side deposit: a transfer to the payee's chain address.
// req.Payee must be a hex address; req.Currency selects native coin when it
// names the chain's native symbol, otherwise it is treated as a hex token
// address.
func (b *OnchainBackend) Hold(ctx context.Context, req HoldRequest) (*Record, error) {
	if !common.IsHexAddress(req.Payee) {
		return nil, fmt.Errorf("%w: payee %q is not a chain address", ErrMismatch, req.Payee)
	}

	var token common.Address
	if common.IsHexAddress(req.Currency) {
		token = common.HexToAddress(req.Currency)
	}

	txHash, err := b.chain.Transfer(ctx, common.HexToAddress(req.Payee), req.Amount, token)
	if err != nil {
		return nil, fmt.Errorf("onchain hold: %w", err)
	}
	if err := b.chain.WaitConfirmed(ctx, txHash, b.confirmations, b.pollInterval); err != nil {
		return nil, fmt.Errorf("onchain hold confirm: %w", err)
	}

	rec := b.registry.Put(&Record{
		RequestID: req.RequestID,
		Payer:     req.Payer,
		Payee:     req.Payee,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Chain:     b.chain.ChainID(),
		Mode:      ModeOnchain,
		Status:    StatusHeld,
		TxRef:     txHash,
		CreatedAt: time.Now(),
	})
	return rec, nil
}

// Verify inspects the deposit transaction. Address and chain mismatches are
// hard errors; an unmined transaction is pending until it has the required
// confirmations. A confirmed, matching deposit creates the HELD record.
func (b *OnchainBackend) Verify(ctx context.Context, requestID, txRef string, exp Expected) (State, error) {
	if exp.Chain != "" && exp.Chain != b.chain.ChainID() {
		return StatePending, fmt.Errorf("%w: chain %s, expected %s", ErrMismatch, exp.Chain, b.chain.ChainID())
	}

	xfer, err := b.chain.LookupTransfer(ctx, txRef)
	if errors.Is(err, chain.ErrTxNotFound) {
		return StatePending, nil // may not have propagated yet
	}
	if err != nil {
		return StatePending, fmt.Errorf("onchain verify: %w", err)
	}
	if !xfer.Confirmed || xfer.Confirmations < b.confirmations {
		return StatePending, nil
	}

	if !addressEqual(xfer.To.Hex(), exp.Payee) {
		return StatePending, fmt.Errorf("%w: deposit to %s, expected payee %s", ErrMismatch, xfer.To.Hex(), exp.Payee)
	}
	if exp.Payer != "" && !addressEqual(xfer.From.Hex(), exp.Payer) {
		return StatePending, fmt.Errorf("%w: deposit from %s, expected payer %s", ErrMismatch, xfer.From.Hex(), exp.Payer)
	}
	if exp.Token != "" && !addressEqual(xfer.Token.Hex(), exp.Token) {
		return StatePending, fmt.Errorf("%w: token %s, expected %s", ErrMismatch, xfer.Token.Hex(), exp.Token)
	}
	if diff := math.Abs(xfer.Amount - exp.Amount); diff > b.policy.AmountTolerance {
		b.logger.Warn().
			Str("request_id", requestID).
			Str("tx", txRef).
			Float64("deposited", xfer.Amount).
			Float64("expected", exp.Amount).
			Msg("deposit amount differs beyond tolerance")
	}

	b.registry.Put(&Record{
		RequestID: requestID,
		Payer:     strings.ToLower(xfer.From.Hex()),
		Payee:     strings.ToLower(xfer.To.Hex()),
		Amount:    xfer.Amount,
		Currency:  exp.Token,
		Chain:     b.chain.ChainID(),
		Mode:      ModeOnchain,
		Status:    StatusHeld,
		TxRef:     txRef,
		CreatedAt: time.Now(),
	})
	return StateConfirmed, nil
}

// Release marks the deposit as settled. The transfer already delivered the
// funds, so this only records the terminal state.
func (b *OnchainBackend) Release(ctx context.Context, requestID string) (*Record, error) {
	return b.registry.Resolve(requestID, StatusReleased)
}

// Refund sends the deposit back to the payer and records the terminal state.
// A second refund of the same record is a no-op without a second transfer.
func (b *OnchainBackend) Refund(ctx context.Context, requestID string) (*Record, error) {
	rec, err := b.registry.Get(requestID)
	if err != nil {
		return nil, err
	}
	if rec.Terminal() {
		return rec, nil
	}

	var token common.Address
	if common.IsHexAddress(rec.Currency) {
		token = common.HexToAddress(rec.Currency)
	}
	txHash, err := b.chain.Transfer(ctx, common.HexToAddress(rec.Payer), rec.Amount, token)
	if err != nil {
		return nil, fmt.Errorf("onchain refund: %w", err)
	}
	b.logger.Info().
		Str("request_id", requestID).
		Str("tx", txHash).
		Msg("refund transfer submitted")

	return b.registry.Resolve(requestID, StatusRefunded)
}

// Get returns the locally tracked record.
func (b *OnchainBackend) Get(ctx context.Context, requestID string) (*Record, error) {
	return b.registry.Get(requestID)
}

func addressEqual(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

var _ Backend = (*OnchainBackend)(nil)
