// Package store persists the relay's agents, mailbox, and custodial ledger.
// Three implementations share one interface: in-memory for development and
// tests, SQLite for single-node deployments, Postgres for everything else.
package store

import (
	"context"
	"errors"

	"github.com/pactmesh/pact/internal/models"
)

// FaucetBalance is credited to every new ledger account. The custodial
// ledger is development infrastructure; real value never enters it.
const FaucetBalance = 100.0

var (
	ErrInsufficientFunds = errors.New("store: insufficient available balance")
	ErrDuplicateHold     = errors.New("store: hold already exists for request")
)

// DataStore is the relay's persistence interface. Lookup methods return
// (nil, nil) when the row does not exist.
type DataStore interface {
	Close()
	Ping(ctx context.Context) error

	// Agent operations. Registration is idempotent by public key.
	UpsertAgent(ctx context.Context, did, publicKey string, capabilities []string) (*models.Agent, error)
	GetAgentByDID(ctx context.Context, did string) (*models.Agent, error)
	CountAgents(ctx context.Context) (int64, error)

	// Mailbox operations. Messages are append-only and ordered by ULID.
	AppendMessage(ctx context.Context, msg *models.StoredMessage) error
	ListMessages(ctx context.Context, q models.MessageQuery) ([]models.StoredMessage, error)
	CountMessages(ctx context.Context) (int64, error)

	// Ledger operations. GetAccount creates missing accounts with the
	// faucet balance.
	GetAccount(ctx context.Context, did string) (*models.LedgerAccount, error)

	// Escrow operations. CreateHold debits the payer's available balance
	// into held; ResolveHold credits the payee (released) or restores the
	// payer (refunded). Resolving a terminal row is a no-op that returns
	// the existing row.
	CreateHold(ctx context.Context, row *models.EscrowRow) (*models.EscrowRow, error)
	GetHold(ctx context.Context, requestID string) (*models.EscrowRow, error)
	GetHoldByReceipt(ctx context.Context, holdID string) (*models.EscrowRow, error)
	ResolveHold(ctx context.Context, requestID, resolution string) (*models.EscrowRow, error)
	CountEscrowsByStatus(ctx context.Context) (map[string]int64, error)
}
