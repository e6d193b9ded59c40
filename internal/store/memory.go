package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pactmesh/pact/internal/models"
)

// MemoryStore is the in-process DataStore used in development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	agents   map[string]*models.Agent // by DID
	byPubKey map[string]string        // public key -> DID
	messages []models.StoredMessage
	accounts map[string]*models.LedgerAccount
	escrows  map[string]*models.EscrowRow
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:   make(map[string]*models.Agent),
		byPubKey: make(map[string]string),
		accounts: make(map[string]*models.LedgerAccount),
		escrows:  make(map[string]*models.EscrowRow),
	}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// UpsertAgent registers an agent, idempotent by public key.
func (s *MemoryStore) UpsertAgent(ctx context.Context, did, publicKey string, capabilities []string) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existingDID, ok := s.byPubKey[publicKey]; ok {
		agent := s.agents[existingDID]
		agent.Capabilities = capabilities
		agent.UpdatedAt = now
		cp := *agent
		return &cp, nil
	}

	agent := &models.Agent{
		DID:          did,
		PublicKey:    publicKey,
		Capabilities: capabilities,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.agents[did] = agent
	s.byPubKey[publicKey] = did
	cp := *agent
	return &cp, nil
}

func (s *MemoryStore) GetAgentByDID(ctx context.Context, did string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[did]
	if !ok {
		return nil, nil
	}
	cp := *agent
	return &cp, nil
}

func (s *MemoryStore) CountAgents(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.agents)), nil
}

// AppendMessage stores one envelope. Messages keep ULID order.
func (s *MemoryStore) AppendMessage(ctx context.Context, msg *models.StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, *msg)
	// ULIDs from one process are monotonic, but re-sort to keep the cursor
	// contract if a caller supplied its own id.
	if n := len(s.messages); n > 1 && s.messages[n-1].ID < s.messages[n-2].ID {
		sort.Slice(s.messages, func(i, j int) bool {
			return s.messages[i].ID < s.messages[j].ID
		})
	}
	return nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, q models.MessageQuery) ([]models.StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var out []models.StoredMessage
	for _, m := range s.messages {
		if q.Since != "" && m.ID <= q.Since {
			continue
		}
		if q.Type != "" && m.Type != q.Type {
			continue
		}
		if q.Thread != "" && m.Thread != q.Thread {
			continue
		}
		out = append(out, m)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) CountMessages(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.messages)), nil
}

// GetAccount returns the account for a DID, creating it with the faucet
// balance on first reference.
func (s *MemoryStore) GetAccount(ctx context.Context, did string) (*models.LedgerAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.account(did)
	return &cp, nil
}

// account returns or creates the live account row. Caller holds the lock.
func (s *MemoryStore) account(did string) *models.LedgerAccount {
	acct, ok := s.accounts[did]
	if !ok {
		acct = &models.LedgerAccount{
			DID:       did,
			Available: FaucetBalance,
			UpdatedAt: time.Now(),
		}
		s.accounts[did] = acct
	}
	return acct
}

// CreateHold debits the payer and writes a HELD row.
func (s *MemoryStore) CreateHold(ctx context.Context, row *models.EscrowRow) (*models.EscrowRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.escrows[row.RequestID]; ok {
		return nil, ErrDuplicateHold
	}

	payer := s.account(row.Payer)
	if payer.Available < row.Amount {
		return nil, ErrInsufficientFunds
	}
	payer.Available -= row.Amount
	payer.Held += row.Amount
	payer.UpdatedAt = time.Now()

	rec := *row
	rec.Status = models.EscrowHeld
	rec.HoldID = "hold_" + uuid.Must(uuid.NewV7()).String()
	rec.CreatedAt = time.Now()
	s.escrows[rec.RequestID] = &rec

	cp := rec
	return &cp, nil
}

func (s *MemoryStore) GetHold(ctx context.Context, requestID string) (*models.EscrowRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.escrows[requestID]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

// GetHoldByReceipt looks up a row by its hold receipt id.
func (s *MemoryStore) GetHoldByReceipt(ctx context.Context, holdID string) (*models.EscrowRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, row := range s.escrows {
		if row.HoldID == holdID {
			cp := *row
			return &cp, nil
		}
	}
	return nil, nil
}

// ResolveHold settles a HELD row exactly once. Released credits the payee;
// refunded restores the payer. A terminal row is returned unchanged.
func (s *MemoryStore) ResolveHold(ctx context.Context, requestID, resolution string) (*models.EscrowRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.escrows[requestID]
	if !ok {
		return nil, nil
	}
	if row.Terminal() {
		cp := *row
		return &cp, nil
	}

	now := time.Now()
	payer := s.account(row.Payer)
	payer.Held -= row.Amount
	payer.UpdatedAt = now

	if resolution == models.ResolutionReleased {
		payee := s.account(row.Payee)
		payee.Available += row.Amount
		payee.UpdatedAt = now
		row.Status = models.EscrowReleased
	} else {
		payer.Available += row.Amount
		row.Status = models.EscrowRefunded
	}
	row.ResolvedAt = &now

	cp := *row
	return &cp, nil
}

func (s *MemoryStore) CountEscrowsByStatus(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int64)
	for _, row := range s.escrows {
		counts[row.Status]++
	}
	return counts, nil
}
