package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pactmesh/pact/internal/models"
)

// PostgresStore is the pooled Postgres DataStore.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pool and ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		did TEXT PRIMARY KEY,
		public_key TEXT UNIQUE NOT NULL,
		capabilities JSONB DEFAULT '[]',
		created_at TIMESTAMPTZ DEFAULT now(),
		updated_at TIMESTAMPTZ DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		sender TEXT NOT NULL,
		thread TEXT NOT NULL,
		ts BIGINT NOT NULL,
		envelope JSONB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS accounts (
		did TEXT PRIMARY KEY,
		available DOUBLE PRECISION NOT NULL,
		held DOUBLE PRECISION NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS escrows (
		request_id TEXT PRIMARY KEY,
		payer TEXT NOT NULL,
		payee TEXT NOT NULL,
		amount DOUBLE PRECISION NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		hold_id TEXT NOT NULL,
		created_at TIMESTAMPTZ DEFAULT now(),
		resolved_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_messages_type ON messages(type, id);
	CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread, id);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// UpsertAgent registers an agent, idempotent by public key.
func (s *PostgresStore) UpsertAgent(ctx context.Context, did, publicKey string, capabilities []string) (*models.Agent, error) {
	caps, err := json.Marshal(capabilities)
	if err != nil {
		return nil, err
	}

	agent := &models.Agent{}
	var rawCaps []byte
	err = s.pool.QueryRow(ctx, `
		INSERT INTO agents (did, public_key, capabilities)
		VALUES ($1, $2, $3)
		ON CONFLICT (public_key) DO UPDATE SET capabilities = EXCLUDED.capabilities, updated_at = now()
		RETURNING did, public_key, capabilities, created_at, updated_at
	`, did, publicKey, caps).Scan(
		&agent.DID,
		&agent.PublicKey,
		&rawCaps,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rawCaps, &agent.Capabilities); err != nil {
		return nil, err
	}
	return agent, nil
}

// GetAgentByDID retrieves an agent, or nil when unknown.
func (s *PostgresStore) GetAgentByDID(ctx context.Context, did string) (*models.Agent, error) {
	agent := &models.Agent{}
	var rawCaps []byte
	err := s.pool.QueryRow(ctx, `
		SELECT did, public_key, capabilities, created_at, updated_at
		FROM agents WHERE did = $1
	`, did).Scan(
		&agent.DID,
		&agent.PublicKey,
		&rawCaps,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(rawCaps, &agent.Capabilities); err != nil {
		return nil, err
	}
	return agent, nil
}

func (s *PostgresStore) CountAgents(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM agents`).Scan(&count)
	return count, err
}

// AppendMessage stores one envelope in the mailbox.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.StoredMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, type, sender, thread, ts, envelope)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, msg.ID, msg.Type, msg.Sender, msg.Thread, msg.Timestamp, msg.Envelope)
	return err
}

// ListMessages returns messages after the cursor in ULID order.
func (s *PostgresStore) ListMessages(ctx context.Context, q models.MessageQuery) ([]models.StoredMessage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, type, sender, thread, ts, envelope FROM messages WHERE id > $1`
	args := []any{q.Since}
	if q.Type != "" {
		args = append(args, q.Type)
		query += fmt.Sprintf(` AND type = $%d`, len(args))
	}
	if q.Thread != "" {
		args = append(args, q.Thread)
		query += fmt.Sprintf(` AND thread = $%d`, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY id LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.StoredMessage
	for rows.Next() {
		var m models.StoredMessage
		if err := rows.Scan(&m.ID, &m.Type, &m.Sender, &m.Thread, &m.Timestamp, &m.Envelope); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// GetAccount returns the account for a DID, creating it with the faucet
// balance on first reference.
func (s *PostgresStore) GetAccount(ctx context.Context, did string) (*models.LedgerAccount, error) {
	acct := &models.LedgerAccount{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO accounts (did, available, held)
		VALUES ($1, $2, 0)
		ON CONFLICT (did) DO UPDATE SET did = EXCLUDED.did
		RETURNING did, available, held, updated_at
	`, did, FaucetBalance).Scan(&acct.DID, &acct.Available, &acct.Held, &acct.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// CreateHold debits the payer and writes a HELD row, atomically.
func (s *PostgresStore) CreateHold(ctx context.Context, row *models.EscrowRow) (*models.EscrowRow, error) {
	if _, err := s.GetAccount(ctx, row.Payer); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var existing int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM escrows WHERE request_id = $1`, row.RequestID).Scan(&existing); err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, ErrDuplicateHold
	}

	tag, err := tx.Exec(ctx, `
		UPDATE accounts
		SET available = available - $1, held = held + $1, updated_at = now()
		WHERE did = $2 AND available >= $1
	`, row.Amount, row.Payer)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrInsufficientFunds
	}

	rec := *row
	rec.Status = models.EscrowHeld
	rec.HoldID = "hold_" + uuid.Must(uuid.NewV7()).String()
	rec.CreatedAt = time.Now()

	_, err = tx.Exec(ctx, `
		INSERT INTO escrows (request_id, payer, payee, amount, currency, status, hold_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.RequestID, rec.Payer, rec.Payee, rec.Amount, rec.Currency, rec.Status, rec.HoldID, rec.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetHold retrieves the escrow row for a request, or nil when unknown.
func (s *PostgresStore) GetHold(ctx context.Context, requestID string) (*models.EscrowRow, error) {
	row := &models.EscrowRow{}
	err := s.pool.QueryRow(ctx, `
		SELECT request_id, payer, payee, amount, currency, status, hold_id, created_at, resolved_at
		FROM escrows WHERE request_id = $1
	`, requestID).Scan(
		&row.RequestID,
		&row.Payer,
		&row.Payee,
		&row.Amount,
		&row.Currency,
		&row.Status,
		&row.HoldID,
		&row.CreatedAt,
		&row.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row, nil
}

// GetHoldByReceipt looks up a row by its hold receipt id.
func (s *PostgresStore) GetHoldByReceipt(ctx context.Context, holdID string) (*models.EscrowRow, error) {
	row := &models.EscrowRow{}
	err := s.pool.QueryRow(ctx, `
		SELECT request_id, payer, payee, amount, currency, status, hold_id, created_at, resolved_at
		FROM escrows WHERE hold_id = $1
	`, holdID).Scan(
		&row.RequestID,
		&row.Payer,
		&row.Payee,
		&row.Amount,
		&row.Currency,
		&row.Status,
		&row.HoldID,
		&row.CreatedAt,
		&row.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row, nil
}

// ResolveHold settles a HELD row exactly once, atomically with the ledger
// movement. A terminal row is returned unchanged. The row lock on the
// escrow makes concurrent resolutions serialize.
func (s *PostgresStore) ResolveHold(ctx context.Context, requestID, resolution string) (*models.EscrowRow, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := &models.EscrowRow{}
	err = tx.QueryRow(ctx, `
		SELECT request_id, payer, payee, amount, currency, status, hold_id, created_at, resolved_at
		FROM escrows WHERE request_id = $1
		FOR UPDATE
	`, requestID).Scan(
		&row.RequestID,
		&row.Payer,
		&row.Payee,
		&row.Amount,
		&row.Currency,
		&row.Status,
		&row.HoldID,
		&row.CreatedAt,
		&row.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if row.Terminal() {
		return row, nil
	}

	now := time.Now()
	if _, err := tx.Exec(ctx, `
		UPDATE accounts SET held = held - $1, updated_at = $2 WHERE did = $3
	`, row.Amount, now, row.Payer); err != nil {
		return nil, err
	}

	if resolution == models.ResolutionReleased {
		row.Status = models.EscrowReleased
		if _, err := tx.Exec(ctx, `
			INSERT INTO accounts (did, available, held, updated_at)
			VALUES ($1, $2 + $3, 0, $4)
			ON CONFLICT (did) DO UPDATE SET available = accounts.available + $3, updated_at = $4
		`, row.Payee, FaucetBalance, row.Amount, now); err != nil {
			return nil, err
		}
	} else {
		row.Status = models.EscrowRefunded
		if _, err := tx.Exec(ctx, `
			UPDATE accounts SET available = available + $1, updated_at = $2 WHERE did = $3
		`, row.Amount, now, row.Payer); err != nil {
			return nil, err
		}
	}
	row.ResolvedAt = &now

	if _, err := tx.Exec(ctx, `
		UPDATE escrows SET status = $1, resolved_at = $2 WHERE request_id = $3
	`, row.Status, now, requestID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return row, nil
}

func (s *PostgresStore) CountEscrowsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM escrows GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
