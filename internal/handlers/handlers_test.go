package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pactmesh/pact/internal/api/middleware"
	"github.com/pactmesh/pact/internal/envelope"
	"github.com/pactmesh/pact/internal/identity"
	"github.com/pactmesh/pact/internal/models"
	"github.com/pactmesh/pact/internal/store"
)

// testRouter mounts the handlers the way the real router does, with an
// optional fixed authenticated agent in place of signature auth.
func testRouter(h *Handler, agent *models.Agent) http.Handler {
	r := chi.NewRouter()
	if agent != nil {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				next.ServeHTTP(w, req.WithContext(middleware.WithAgent(req.Context(), agent)))
			})
		})
	}
	r.Post("/register", h.Register)
	r.Post("/messages", h.PostMessage)
	r.Get("/messages", h.GetMessages)
	r.Post("/escrow/hold", h.HoldEscrow)
	r.Post("/escrow/{requestID}/release", h.ResolveEscrow)
	r.Get("/escrow/{requestID}", h.GetEscrow)
	r.Post("/payments/verify", h.VerifyPayment)
	r.Get("/ledger/{did}", h.GetLedger)
	r.Get("/stats", h.Stats)
	return r
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	return NewHandler(store.NewMemoryStore(), nil, zerolog.Nop())
}

func testIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id
}

func agentFor(id *identity.Identity) *models.Agent {
	return &models.Agent{
		DID:       id.DID,
		PublicKey: base64.StdEncoding.EncodeToString(id.PublicKey),
	}
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func signedEnvelope(t *testing.T, id *identity.Identity, typ envelope.Type, thread string, payload any) envelope.Envelope {
	t.Helper()
	env, err := envelope.New(typ, id.DID, thread, payload)
	require.NoError(t, err)
	env, err = envelope.Sign(env, id.PrivateKey)
	require.NoError(t, err)
	return env
}

func TestRegisterValid(t *testing.T) {
	h := newTestHandler(t)
	id := testIdentity(t)
	router := testRouter(h, nil)

	rec := doJSON(t, router, "POST", "/register", RegisterRequest{
		DID:          id.DID,
		PublicKey:    base64.StdEncoding.EncodeToString(id.PublicKey),
		Capabilities: []string{"summarize", "translate"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp RegisterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, id.DID, resp.DID)
	assert.Equal(t, []string{"summarize", "translate"}, resp.Capabilities)
}

func TestRegisterRejectsKeyMismatch(t *testing.T) {
	h := newTestHandler(t)
	id := testIdentity(t)
	other := testIdentity(t)
	router := testRouter(h, nil)

	rec := doJSON(t, router, "POST", "/register", RegisterRequest{
		DID:       id.DID,
		PublicKey: base64.StdEncoding.EncodeToString(other.PublicKey),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "does not match")
}

func TestRegisterRejectsBadDID(t *testing.T) {
	h := newTestHandler(t)
	router := testRouter(h, nil)

	rec := doJSON(t, router, "POST", "/register", RegisterRequest{
		DID:       "did:key:zNotAKey",
		PublicKey: base64.StdEncoding.EncodeToString(make([]byte, 32)),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterIdempotent(t *testing.T) {
	h := newTestHandler(t)
	id := testIdentity(t)
	router := testRouter(h, nil)

	body := RegisterRequest{
		DID:          id.DID,
		PublicKey:    base64.StdEncoding.EncodeToString(id.PublicKey),
		Capabilities: []string{"echo"},
	}
	require.Equal(t, http.StatusCreated, doJSON(t, router, "POST", "/register", body).Code)
	body.Capabilities = []string{"echo", "summarize"}
	require.Equal(t, http.StatusCreated, doJSON(t, router, "POST", "/register", body).Code)
}

func TestPostMessageStoresEnvelope(t *testing.T) {
	h := newTestHandler(t)
	id := testIdentity(t)
	router := testRouter(h, agentFor(id))

	env := signedEnvelope(t, id, envelope.TypeRequest, "req_1", envelope.RequestPayload{
		RequestID: "req_1",
		Intent:    "summarize",
	})
	rec := doJSON(t, router, "POST", "/messages", env)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created["id"])

	get := doJSON(t, router, "GET", "/messages?thread=req_1", nil)
	require.Equal(t, http.StatusOK, get.Code)
	var page MessagesResponse
	require.NoError(t, json.Unmarshal(get.Body.Bytes(), &page))
	require.Len(t, page.Messages, 1)
	assert.Equal(t, created["id"], page.Messages[0].ID)
	assert.Equal(t, string(envelope.TypeRequest), page.Messages[0].Type)
	assert.Equal(t, id.DID, page.Messages[0].Sender)
}

func TestPostMessageRejectsBadSignature(t *testing.T) {
	h := newTestHandler(t)
	id := testIdentity(t)
	router := testRouter(h, agentFor(id))

	env := signedEnvelope(t, id, envelope.TypeRequest, "req_1", envelope.RequestPayload{
		RequestID: "req_1",
		Intent:    "summarize",
	})
	env.Payload = json.RawMessage(`{"request_id":"req_1","intent":"tampered"}`)

	rec := doJSON(t, router, "POST", "/messages", env)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "signature")
}

func TestPostMessageRejectsSenderMismatch(t *testing.T) {
	h := newTestHandler(t)
	sender := testIdentity(t)
	caller := testIdentity(t)
	router := testRouter(h, agentFor(caller))

	env := signedEnvelope(t, sender, envelope.TypeRequest, "req_1", envelope.RequestPayload{
		RequestID: "req_1",
		Intent:    "summarize",
	})
	rec := doJSON(t, router, "POST", "/messages", env)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPostMessageRejectsUnknownType(t *testing.T) {
	h := newTestHandler(t)
	id := testIdentity(t)
	router := testRouter(h, agentFor(id))

	env := signedEnvelope(t, id, envelope.Type("GOSSIP"), "req_1", map[string]any{})
	rec := doJSON(t, router, "POST", "/messages", env)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetMessagesCursorAndFilters(t *testing.T) {
	h := newTestHandler(t)
	id := testIdentity(t)
	router := testRouter(h, agentFor(id))

	for _, thread := range []string{"req_a", "req_b", "req_a"} {
		env := signedEnvelope(t, id, envelope.TypeRequest, thread, envelope.RequestPayload{
			RequestID: thread,
			Intent:    "summarize",
		})
		require.Equal(t, http.StatusCreated, doJSON(t, router, "POST", "/messages", env).Code)
	}

	get := doJSON(t, router, "GET", "/messages?thread=req_a", nil)
	var page MessagesResponse
	require.NoError(t, json.Unmarshal(get.Body.Bytes(), &page))
	require.Len(t, page.Messages, 2)

	// Paging past the first message returns only the later one.
	get = doJSON(t, router, "GET", "/messages?thread=req_a&since="+page.Messages[0].ID, nil)
	var rest MessagesResponse
	require.NoError(t, json.Unmarshal(get.Body.Bytes(), &rest))
	require.Len(t, rest.Messages, 1)
	assert.Equal(t, page.Messages[1].ID, rest.Messages[0].ID)

	// Cursor at the newest message yields an empty page, not null.
	get = doJSON(t, router, "GET", "/messages?thread=req_a&since="+page.Messages[1].ID, nil)
	assert.JSONEq(t, `{"messages":[]}`, get.Body.String())
}

func TestGetMessagesLongPollWakes(t *testing.T) {
	h := newTestHandler(t)
	id := testIdentity(t)
	router := testRouter(h, agentFor(id))

	type result struct {
		code int
		page MessagesResponse
	}
	done := make(chan result, 1)
	go func() {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/messages?thread=req_1&timeout=5000", nil)
		router.ServeHTTP(rec, req)
		var page MessagesResponse
		_ = json.Unmarshal(rec.Body.Bytes(), &page)
		done <- result{rec.Code, page}
	}()

	time.Sleep(50 * time.Millisecond)
	env := signedEnvelope(t, id, envelope.TypeRequest, "req_1", envelope.RequestPayload{
		RequestID: "req_1",
		Intent:    "summarize",
	})
	require.Equal(t, http.StatusCreated, doJSON(t, router, "POST", "/messages", env).Code)

	select {
	case res := <-done:
		require.Equal(t, http.StatusOK, res.code)
		require.Len(t, res.page.Messages, 1)
	case <-time.After(3 * time.Second):
		t.Fatal("long poll did not wake on new message")
	}
}

func TestEscrowHoldAndRelease(t *testing.T) {
	h := newTestHandler(t)
	payer := testIdentity(t)
	payee := testIdentity(t)
	router := testRouter(h, agentFor(payer))

	hold := HoldRequest{
		RequestID: "req_1",
		Payer:     payer.DID,
		Payee:     payee.DID,
		Amount:    12.5,
		Currency:  "USD",
	}
	rec := doJSON(t, router, "POST", "/escrow/hold", hold)
	require.Equal(t, http.StatusCreated, rec.Code)

	var row models.EscrowRow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &row))
	assert.Equal(t, models.EscrowHeld, row.Status)
	assert.NotEmpty(t, row.HoldID)

	// Faucet balance minus the held amount.
	ledger := doJSON(t, router, "GET", "/ledger/"+payer.DID, nil)
	var acct models.LedgerAccount
	require.NoError(t, json.Unmarshal(ledger.Body.Bytes(), &acct))
	assert.InDelta(t, store.FaucetBalance-12.5, acct.Available, 1e-9)
	assert.InDelta(t, 12.5, acct.Held, 1e-9)

	rel := doJSON(t, router, "POST", "/escrow/req_1/release", ResolveRequest{Resolution: models.ResolutionReleased})
	require.Equal(t, http.StatusOK, rel.Code)
	require.NoError(t, json.Unmarshal(rel.Body.Bytes(), &row))
	assert.Equal(t, models.EscrowReleased, row.Status)

	// Payee received the funds on top of their own faucet credit.
	ledger = doJSON(t, router, "GET", "/ledger/"+payee.DID, nil)
	require.NoError(t, json.Unmarshal(ledger.Body.Bytes(), &acct))
	assert.InDelta(t, store.FaucetBalance+12.5, acct.Available, 1e-9)
}

func TestEscrowReleaseIdempotent(t *testing.T) {
	h := newTestHandler(t)
	payer := testIdentity(t)
	payee := testIdentity(t)
	router := testRouter(h, agentFor(payer))

	doJSON(t, router, "POST", "/escrow/hold", HoldRequest{
		RequestID: "req_1", Payer: payer.DID, Payee: payee.DID, Amount: 5,
	})
	first := doJSON(t, router, "POST", "/escrow/req_1/release", ResolveRequest{Resolution: models.ResolutionReleased})
	require.Equal(t, http.StatusOK, first.Code)

	// A second release, or a refund after release, leaves the row alone.
	second := doJSON(t, router, "POST", "/escrow/req_1/release", ResolveRequest{Resolution: models.ResolutionRefunded})
	require.Equal(t, http.StatusOK, second.Code)
	var row models.EscrowRow
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &row))
	assert.Equal(t, models.EscrowReleased, row.Status)

	ledger := doJSON(t, router, "GET", "/ledger/"+payer.DID, nil)
	var acct models.LedgerAccount
	require.NoError(t, json.Unmarshal(ledger.Body.Bytes(), &acct))
	assert.InDelta(t, store.FaucetBalance-5, acct.Available, 1e-9)
	assert.Zero(t, acct.Held)
}

func TestEscrowHoldDuplicateConflicts(t *testing.T) {
	h := newTestHandler(t)
	payer := testIdentity(t)
	payee := testIdentity(t)
	router := testRouter(h, agentFor(payer))

	hold := HoldRequest{RequestID: "req_1", Payer: payer.DID, Payee: payee.DID, Amount: 1}
	require.Equal(t, http.StatusCreated, doJSON(t, router, "POST", "/escrow/hold", hold).Code)
	assert.Equal(t, http.StatusConflict, doJSON(t, router, "POST", "/escrow/hold", hold).Code)
}

func TestEscrowHoldInsufficientFunds(t *testing.T) {
	h := newTestHandler(t)
	payer := testIdentity(t)
	payee := testIdentity(t)
	router := testRouter(h, agentFor(payer))

	rec := doJSON(t, router, "POST", "/escrow/hold", HoldRequest{
		RequestID: "req_1", Payer: payer.DID, Payee: payee.DID, Amount: store.FaucetBalance + 1,
	})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestEscrowHoldRequiresPayerAuth(t *testing.T) {
	h := newTestHandler(t)
	payer := testIdentity(t)
	caller := testIdentity(t)
	router := testRouter(h, agentFor(caller))

	rec := doJSON(t, router, "POST", "/escrow/hold", HoldRequest{
		RequestID: "req_1", Payer: payer.DID, Payee: caller.DID, Amount: 1,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestEscrowResolveRequiresParty(t *testing.T) {
	h := newTestHandler(t)
	payer := testIdentity(t)
	payee := testIdentity(t)
	stranger := testIdentity(t)

	asPayer := testRouter(h, agentFor(payer))
	doJSON(t, asPayer, "POST", "/escrow/hold", HoldRequest{
		RequestID: "req_1", Payer: payer.DID, Payee: payee.DID, Amount: 1,
	})

	asStranger := testRouter(h, agentFor(stranger))
	rec := doJSON(t, asStranger, "POST", "/escrow/req_1/release", ResolveRequest{Resolution: models.ResolutionReleased})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestEscrowGetUnknownIs404(t *testing.T) {
	h := newTestHandler(t)
	router := testRouter(h, nil)

	rec := doJSON(t, router, "GET", "/escrow/req_missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVerifyPaymentByReceipt(t *testing.T) {
	h := newTestHandler(t)
	payer := testIdentity(t)
	payee := testIdentity(t)
	router := testRouter(h, agentFor(payer))

	rec := doJSON(t, router, "POST", "/escrow/hold", HoldRequest{
		RequestID: "req_1", Payer: payer.DID, Payee: payee.DID, Amount: 3.25,
	})
	var row models.EscrowRow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &row))

	verify := doJSON(t, router, "POST", "/payments/verify", VerifyRequest{
		TxHash: row.HoldID, Payer: payer.DID, Payee: payee.DID, Amount: 3.25,
	})
	require.Equal(t, http.StatusOK, verify.Code)
	var resp VerifyResponse
	require.NoError(t, json.Unmarshal(verify.Body.Bytes(), &resp))
	assert.True(t, resp.Confirmed)
	assert.InDelta(t, 3.25, resp.Amount, 1e-9)
	assert.Empty(t, resp.Message)
}

func TestVerifyPaymentMismatches(t *testing.T) {
	h := newTestHandler(t)
	payer := testIdentity(t)
	payee := testIdentity(t)
	stranger := testIdentity(t)
	router := testRouter(h, agentFor(payer))

	rec := doJSON(t, router, "POST", "/escrow/hold", HoldRequest{
		RequestID: "req_1", Payer: payer.DID, Payee: payee.DID, Amount: 3.25,
	})
	var row models.EscrowRow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &row))

	var resp VerifyResponse

	// Unknown receipt.
	verify := doJSON(t, router, "POST", "/payments/verify", VerifyRequest{TxHash: "hold_unknown"})
	require.NoError(t, json.Unmarshal(verify.Body.Bytes(), &resp))
	assert.False(t, resp.Confirmed)

	// Wrong payee.
	verify = doJSON(t, router, "POST", "/payments/verify", VerifyRequest{
		TxHash: row.HoldID, Payer: payer.DID, Payee: stranger.DID,
	})
	require.NoError(t, json.Unmarshal(verify.Body.Bytes(), &resp))
	assert.False(t, resp.Confirmed)

	// Amount difference is reported but does not block confirmation.
	verify = doJSON(t, router, "POST", "/payments/verify", VerifyRequest{
		TxHash: row.HoldID, Payer: payer.DID, Payee: payee.DID, Amount: 9.99,
	})
	require.NoError(t, json.Unmarshal(verify.Body.Bytes(), &resp))
	assert.True(t, resp.Confirmed)
	assert.Contains(t, resp.Message, "differs")
}

func TestLedgerFaucetOnFirstSight(t *testing.T) {
	h := newTestHandler(t)
	id := testIdentity(t)
	router := testRouter(h, nil)

	rec := doJSON(t, router, "GET", "/ledger/"+id.DID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var acct models.LedgerAccount
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acct))
	assert.Equal(t, id.DID, acct.DID)
	assert.InDelta(t, store.FaucetBalance, acct.Available, 1e-9)
	assert.Zero(t, acct.Held)
}

func TestStatsCounts(t *testing.T) {
	h := newTestHandler(t)
	id := testIdentity(t)
	router := testRouter(h, agentFor(id))

	doJSON(t, router, "POST", "/register", RegisterRequest{
		DID:       id.DID,
		PublicKey: base64.StdEncoding.EncodeToString(id.PublicKey),
	})
	env := signedEnvelope(t, id, envelope.TypeRequest, "req_1", envelope.RequestPayload{
		RequestID: "req_1",
		Intent:    "summarize",
	})
	doJSON(t, router, "POST", "/messages", env)

	rec := doJSON(t, router, "GET", "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.TotalAgents)
	assert.Equal(t, int64(1), stats.TotalMessages)
}
