package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pactmesh/pact/internal/models"
)

// SQLiteStore is the single-node DataStore.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the database at dbPath.
// If dbPath is empty, defaults to "./data/pact.db".
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/pact.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		did TEXT PRIMARY KEY,
		public_key TEXT UNIQUE NOT NULL,
		capabilities TEXT DEFAULT '[]',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		sender TEXT NOT NULL,
		thread TEXT NOT NULL,
		ts INTEGER NOT NULL,
		envelope TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS accounts (
		did TEXT PRIMARY KEY,
		available REAL NOT NULL,
		held REAL NOT NULL DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS escrows (
		request_id TEXT PRIMARY KEY,
		payer TEXT NOT NULL,
		payee TEXT NOT NULL,
		amount REAL NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		hold_id TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		resolved_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_messages_type ON messages(type, id);
	CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread, id);
	CREATE INDEX IF NOT EXISTS idx_agents_public_key ON agents(public_key);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteStore) Close() {
	s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertAgent registers an agent, idempotent by public key.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, did, publicKey string, capabilities []string) (*models.Agent, error) {
	caps, err := json.Marshal(capabilities)
	if err != nil {
		return nil, err
	}
	now := time.Now()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (did, public_key, capabilities, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(public_key) DO UPDATE SET capabilities = excluded.capabilities, updated_at = excluded.updated_at
	`, did, publicKey, string(caps), now, now)
	if err != nil {
		return nil, err
	}
	return s.GetAgentByDID(ctx, did)
}

// GetAgentByDID retrieves an agent, or nil when unknown.
func (s *SQLiteStore) GetAgentByDID(ctx context.Context, did string) (*models.Agent, error) {
	agent := &models.Agent{}
	var caps string
	err := s.db.QueryRowContext(ctx, `
		SELECT did, public_key, capabilities, created_at, updated_at
		FROM agents WHERE did = ?
	`, did).Scan(
		&agent.DID,
		&agent.PublicKey,
		&caps,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &agent.Capabilities); err != nil {
		return nil, err
	}
	return agent, nil
}

func (s *SQLiteStore) CountAgents(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&count)
	return count, err
}

// AppendMessage stores one envelope in the mailbox.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *models.StoredMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, type, sender, thread, ts, envelope)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.Type, msg.Sender, msg.Thread, msg.Timestamp, string(msg.Envelope))
	return err
}

// ListMessages returns messages after the cursor in ULID order.
func (s *SQLiteStore) ListMessages(ctx context.Context, q models.MessageQuery) ([]models.StoredMessage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, type, sender, thread, ts, envelope FROM messages WHERE id > ?`
	args := []any{q.Since}
	if q.Type != "" {
		query += ` AND type = ?`
		args = append(args, q.Type)
	}
	if q.Thread != "" {
		query += ` AND thread = ?`
		args = append(args, q.Thread)
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.StoredMessage
	for rows.Next() {
		var m models.StoredMessage
		var envelope string
		if err := rows.Scan(&m.ID, &m.Type, &m.Sender, &m.Thread, &m.Timestamp, &envelope); err != nil {
			return nil, err
		}
		m.Envelope = json.RawMessage(envelope)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// GetAccount returns the account for a DID, creating it with the faucet
// balance on first reference.
func (s *SQLiteStore) GetAccount(ctx context.Context, did string) (*models.LedgerAccount, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO accounts (did, available, held, updated_at)
		VALUES (?, ?, 0, ?)
	`, did, FaucetBalance, time.Now())
	if err != nil {
		return nil, err
	}

	acct := &models.LedgerAccount{}
	err = s.db.QueryRowContext(ctx, `
		SELECT did, available, held, updated_at FROM accounts WHERE did = ?
	`, did).Scan(&acct.DID, &acct.Available, &acct.Held, &acct.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// CreateHold debits the payer and writes a HELD row, atomically.
func (s *SQLiteStore) CreateHold(ctx context.Context, row *models.EscrowRow) (*models.EscrowRow, error) {
	if _, err := s.GetAccount(ctx, row.Payer); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var existing int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM escrows WHERE request_id = ?`, row.RequestID).Scan(&existing); err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, ErrDuplicateHold
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET available = available - ?, held = held + ?, updated_at = CURRENT_TIMESTAMP
		WHERE did = ? AND available >= ?
	`, row.Amount, row.Amount, row.Payer, row.Amount)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrInsufficientFunds
	}

	rec := *row
	rec.Status = models.EscrowHeld
	rec.HoldID = "hold_" + uuid.Must(uuid.NewV7()).String()
	rec.CreatedAt = time.Now()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrows (request_id, payer, payee, amount, currency, status, hold_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.RequestID, rec.Payer, rec.Payee, rec.Amount, rec.Currency, rec.Status, rec.HoldID, rec.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetHold retrieves the escrow row for a request, or nil when unknown.
func (s *SQLiteStore) GetHold(ctx context.Context, requestID string) (*models.EscrowRow, error) {
	row := &models.EscrowRow{}
	err := s.db.QueryRowContext(ctx, `
		SELECT request_id, payer, payee, amount, currency, status, hold_id, created_at, resolved_at
		FROM escrows WHERE request_id = ?
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
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row, nil
}

// GetHoldByReceipt looks up a row by its hold receipt id.
func (s *SQLiteStore) GetHoldByReceipt(ctx context.Context, holdID string) (*models.EscrowRow, error) {
	row := &models.EscrowRow{}
	err := s.db.QueryRowContext(ctx, `
		SELECT request_id, payer, payee, amount, currency, status, hold_id, created_at, resolved_at
		FROM escrows WHERE hold_id = ?
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
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row, nil
}

// ResolveHold settles a HELD row exactly once, atomically with the ledger
// movement. A terminal row is returned unchanged.
func (s *SQLiteStore) ResolveHold(ctx context.Context, requestID, resolution string) (*models.EscrowRow, error) {
	if resolution == models.ResolutionReleased {
		// Make sure the payee account exists before the transaction.
		row, err := s.GetHold(ctx, requestID)
		if err != nil || row == nil {
			return row, err
		}
		if _, err := s.GetAccount(ctx, row.Payee); err != nil {
			return nil, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := &models.EscrowRow{}
	err = tx.QueryRowContext(ctx, `
		SELECT request_id, payer, payee, amount, currency, status, hold_id, created_at, resolved_at
		FROM escrows WHERE request_id = ?
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
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if row.Terminal() {
		return row, nil
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts SET held = held - ?, updated_at = ? WHERE did = ?
	`, row.Amount, now, row.Payer); err != nil {
		return nil, err
	}

	if resolution == models.ResolutionReleased {
		row.Status = models.EscrowReleased
		if _, err := tx.ExecContext(ctx, `
			UPDATE accounts SET available = available + ?, updated_at = ? WHERE did = ?
		`, row.Amount, now, row.Payee); err != nil {
			return nil, err
		}
	} else {
		row.Status = models.EscrowRefunded
		if _, err := tx.ExecContext(ctx, `
			UPDATE accounts SET available = available + ?, updated_at = ? WHERE did = ?
		`, row.Amount, now, row.Payer); err != nil {
			return nil, err
		}
	}
	row.ResolvedAt = &now

	if _, err := tx.ExecContext(ctx, `
		UPDATE escrows SET status = ?, resolved_at = ? WHERE request_id = ?
	`, row.Status, now, requestID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return row, nil
}

func (s *SQLiteStore) CountEscrowsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM escrows GROUP BY status`)
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
