package escrow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pactmesh/pact/internal/identity"
	"github.com/pactmesh/pact/internal/relay"
)

func heldRecord(requestID string) *Record {
	return &Record{
		RequestID: requestID,
		Payer:     "did:key:zpayer",
		Payee:     "did:key:zpayee",
		Amount:    1.25,
		Currency:  "USD",
		Mode:      ModeRelay,
		Status:    StatusHeld,
		CreatedAt: time.Now(),
	}
}

func TestRegistryResolveIsTerminalAndExclusive(t *testing.T) {
	g := NewRegistry()
	g.Put(heldRecord("req_1"))

	rec, err := g.Resolve("req_1", StatusReleased)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, rec.Status)

	// A later refund of a released record must not change the outcome.
	rec, err = g.Resolve("req_1", StatusRefunded)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, rec.Status, "status must never cycle HELD→RELEASED→REFUNDED")

	// And releasing again stays a no-op.
	first := rec.ResolvedAt
	rec, err = g.Resolve("req_1", StatusReleased)
	require.NoError(t, err)
	assert.Equal(t, first, rec.ResolvedAt)
}

func TestRegistryRefundThenReleaseExclusive(t *testing.T) {
	g := NewRegistry()
	g.Put(heldRecord("req_2"))

	rec, err := g.Resolve("req_2", StatusRefunded)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, rec.Status)

	rec, err = g.Resolve("req_2", StatusReleased)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, rec.Status)
}

func TestRegistryResolveUnknown(t *testing.T) {
	g := NewRegistry()
	_, err := g.Resolve("missing", StatusReleased)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryPutKeepsFirstRecord(t *testing.T) {
	g := NewRegistry()
	g.Put(heldRecord("req_3"))

	dup := heldRecord("req_3")
	dup.Amount = 99
	kept := g.Put(dup)
	assert.Equal(t, 1.25, kept.Amount)
}

func TestRegistryConcurrentResolve(t *testing.T) {
	g := NewRegistry()
	g.Put(heldRecord("req_4"))

	var wg sync.WaitGroup
	outcomes := make([]Status, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			status := StatusReleased
			if n%2 == 1 {
				status = StatusRefunded
			}
			rec, err := g.Resolve("req_4", status)
			require.NoError(t, err)
			outcomes[n] = rec.Status
		}(i)
	}
	wg.Wait()

	// Every caller observed the same single terminal outcome.
	for _, s := range outcomes[1:] {
		assert.Equal(t, outcomes[0], s)
	}
}

// stubBackend scripts Verify outcomes for WaitDeposit tests.
type stubBackend struct {
	mu     sync.Mutex
	states []State
	errs   []error
	calls  int
}

func (s *stubBackend) Mode() Mode { return ModeRelay }
func (s *stubBackend) Hold(ctx context.Context, req HoldRequest) (*Record, error) {
	return nil, nil
}
func (s *stubBackend) Verify(ctx context.Context, requestID, txRef string, exp Expected) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.states) {
		i = len(s.states) - 1
	}
	return s.states[i], s.errs[i]
}
func (s *stubBackend) Release(ctx context.Context, requestID string) (*Record, error) {
	return nil, nil
}
func (s *stubBackend) Refund(ctx context.Context, requestID string) (*Record, error) {
	return nil, nil
}
func (s *stubBackend) Get(ctx context.Context, requestID string) (*Record, error) {
	return nil, ErrNotFound
}

func TestWaitDepositConfirmsAfterPending(t *testing.T) {
	b := &stubBackend{
		states: []State{StatePending, StatePending, StateConfirmed},
		errs:   []error{nil, nil, nil},
	}
	err := WaitDeposit(context.Background(), b, "req_1", "tx", Expected{}, 10*time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, b.calls, 3)
}

func TestWaitDepositTimesOut(t *testing.T) {
	b := &stubBackend{states: []State{StatePending}, errs: []error{nil}}
	err := WaitDeposit(context.Background(), b, "req_1", "tx", Expected{}, 10*time.Millisecond, 60*time.Millisecond)
	require.ErrorIs(t, err, ErrDepositTimeout)
}

func TestWaitDepositAbortsOnHardError(t *testing.T) {
	b := &stubBackend{states: []State{StatePending}, errs: []error{ErrMismatch}}
	err := WaitDeposit(context.Background(), b, "req_1", "tx", Expected{}, 10*time.Millisecond, time.Second)
	require.ErrorIs(t, err, ErrMismatch)
	assert.Equal(t, 1, b.calls, "a hard error must not be retried")
}

// fakeRelay serves just enough of the escrow surface for RelayBackend tests.
type fakeRelay struct {
	mu      sync.Mutex
	records map[string]*relay.EscrowRecord
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{records: make(map[string]*relay.EscrowRecord)}
}

func (f *fakeRelay) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /escrow/hold", func(w http.ResponseWriter, r *http.Request) {
		var req relay.HoldEscrowRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		rec := &relay.EscrowRecord{
			RequestID: req.RequestID,
			Payer:     req.Payer,
			Payee:     req.Payee,
			Amount:    req.Amount,
			Currency:  req.Currency,
			Status:    "HELD",
			HoldID:    "hold_" + req.RequestID,
			CreatedAt: time.Now(),
		}
		f.records[req.RequestID] = rec
		f.mu.Unlock()
		json.NewEncoder(w).Encode(rec)
	})
	mux.HandleFunc("GET /escrow/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		rec, ok := f.records[r.PathValue("id")]
		f.mu.Unlock()
		if !ok {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(rec)
	})
	mux.HandleFunc("POST /escrow/{id}/release", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Resolution string `json:"resolution"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		rec, ok := f.records[r.PathValue("id")]
		if ok && rec.Status == "HELD" {
			if body.Resolution == "refunded" {
				rec.Status = "REFUNDED"
			} else {
				rec.Status = "RELEASED"
			}
		}
		f.mu.Unlock()
		if !ok {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(rec)
	})
	return mux
}

func newRelayBackend(t *testing.T) (*RelayBackend, *fakeRelay) {
	t.Helper()
	fake := newFakeRelay()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	id, err := identity.Generate()
	require.NoError(t, err)
	client := relay.New(srv.URL, id, zerolog.Nop())
	return NewRelayBackend(client, DefaultPolicy(), zerolog.Nop()), fake
}

func TestRelayBackendHoldVerifyRelease(t *testing.T) {
	b, _ := newRelayBackend(t)
	ctx := context.Background()

	rec, err := b.Hold(ctx, HoldRequest{
		RequestID: "req_1",
		Payer:     "did:key:zpayer",
		Payee:     "did:key:zpayee",
		Amount:    1.25,
		Currency:  "USD",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, rec.Status)
	assert.Equal(t, "hold_req_1", rec.TxRef)

	state, err := b.Verify(ctx, "req_1", rec.TxRef, Expected{
		Payer:  "did:key:zpayer",
		Payee:  "did:key:zpayee",
		Amount: 1.25,
	})
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, state)

	released, err := b.Release(ctx, "req_1")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, released.Status)

	// Idempotent: a second release (or a refund) leaves the outcome alone.
	again, err := b.Refund(ctx, "req_1")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, again.Status)
}

func TestRelayBackendVerifyPayeeMismatchIsHardError(t *testing.T) {
	b, _ := newRelayBackend(t)
	ctx := context.Background()

	_, err := b.Hold(ctx, HoldRequest{
		RequestID: "req_1",
		Payer:     "did:key:zpayer",
		Payee:     "did:key:zpayee",
		Amount:    1.25,
		Currency:  "USD",
	})
	require.NoError(t, err)

	_, err = b.Verify(ctx, "req_1", "", Expected{
		Payee:  "did:key:zsomeoneelse",
		Amount: 1.25,
	})
	require.ErrorIs(t, err, ErrMismatch)
}

func TestRelayBackendVerifyAbsentRecordIsPending(t *testing.T) {
	b, _ := newRelayBackend(t)

	state, err := b.Verify(context.Background(), "req_unknown", "", Expected{Payee: "did:key:zpayee"})
	require.NoError(t, err)
	assert.Equal(t, StatePending, state)
}

func TestRelayBackendVerifyAmountToleranceDoesNotBlock(t *testing.T) {
	b, _ := newRelayBackend(t)
	ctx := context.Background()

	_, err := b.Hold(ctx, HoldRequest{
		RequestID: "req_1",
		Payer:     "did:key:zpayer",
		Payee:     "did:key:zpayee",
		Amount:    1.249999,
		Currency:  "USD",
	})
	require.NoError(t, err)

	// Under-funded beyond tolerance: warned, not blocked (documented policy).
	state, err := b.Verify(ctx, "req_1", "", Expected{
		Payer:  "did:key:zpayer",
		Payee:  "did:key:zpayee",
		Amount: 1.25,
	})
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, state)
}
