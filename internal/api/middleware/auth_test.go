package middleware

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pactmesh/pact/internal/identity"
	"github.com/pactmesh/pact/internal/store"
)

func newAuthFixture(t *testing.T) (*AuthMiddleware, *identity.Identity, http.Handler) {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)

	auth := NewAuthMiddleware(store.NewMemoryStore(), store.NewMemoryNonceStore())
	handler := auth.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent := AgentFromContext(r.Context())
		require.NotNil(t, agent)
		w.Header().Set("X-Test-DID", agent.DID)
		w.WriteHeader(http.StatusOK)
	}))
	return auth, id, handler
}

func signHeaders(t *testing.T, id *identity.Identity, body []byte, nonce string, ts int64) http.Header {
	t.Helper()
	hash := sha256.Sum256(body)
	signed := fmt.Sprintf("%s|%s|%d", hex.EncodeToString(hash[:]), nonce, ts)
	sig := ed25519.Sign(id.PrivateKey, []byte(signed))

	h := http.Header{}
	h.Set("X-Pact-DID", id.DID)
	h.Set("X-Pact-Nonce", nonce)
	h.Set("X-Pact-Timestamp", strconv.FormatInt(ts, 10))
	h.Set("X-Pact-Signature", base64.StdEncoding.EncodeToString(sig))
	return h
}

func signedRequest(t *testing.T, id *identity.Identity, body []byte, nonce string, ts int64) *http.Request {
	t.Helper()
	req := httptest.NewRequest("POST", "/messages", bytes.NewReader(body))
	req.Header = signHeaders(t, id, body, nonce, ts)
	return req
}

const testNonce = "0123456789abcdef01234567"

func TestAuthAcceptsValidSignature(t *testing.T) {
	_, id, handler := newAuthFixture(t)

	body := []byte(`{"hello":"world"}`)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest(t, id, body, testNonce, time.Now().UnixMilli()))

	require.Equal(t, http.StatusOK, rec.Code)
	// Unregistered signers are synthesized from the DID itself.
	assert.Equal(t, id.DID, rec.Header().Get("X-Test-DID"))
}

func TestAuthRejectsMissingHeaders(t *testing.T) {
	_, _, handler := newAuthFixture(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/messages", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRejectsTamperedBody(t *testing.T) {
	_, id, handler := newAuthFixture(t)

	body := []byte(`{"hello":"world"}`)
	req := signedRequest(t, id, body, testNonce, time.Now().UnixMilli())
	req.Body = httptest.NewRequest("POST", "/", bytes.NewReader([]byte(`{"hello":"evil"}`))).Body

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRejectsWrongKey(t *testing.T) {
	_, id, handler := newAuthFixture(t)
	other, err := identity.Generate()
	require.NoError(t, err)

	// Signature from a different key under the claimed DID.
	body := []byte(`{}`)
	req := signedRequest(t, other, body, testNonce, time.Now().UnixMilli())
	req.Header.Set("X-Pact-DID", id.DID)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRejectsNonceReplay(t *testing.T) {
	_, id, handler := newAuthFixture(t)
	body := []byte(`{}`)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest(t, id, body, testNonce, time.Now().UnixMilli()))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest(t, id, body, testNonce, time.Now().UnixMilli()))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "nonce")
}

func TestAuthRejectsShortNonce(t *testing.T) {
	_, id, handler := newAuthFixture(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest(t, id, []byte(`{}`), "tooshort", time.Now().UnixMilli()))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthTimestampWindow(t *testing.T) {
	_, id, handler := newAuthFixture(t)
	body := []byte(`{}`)

	// Stale timestamp.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest(t, id, body, testNonce, time.Now().Add(-time.Minute).UnixMilli()))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Future timestamp beyond the skew allowance.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest(t, id, body, testNonce+"2", time.Now().Add(10*time.Second).UnixMilli()))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthBodyStillReadableDownstream(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	var seen []byte
	auth := NewAuthMiddleware(store.NewMemoryStore(), store.NewMemoryNonceStore())
	handler := auth.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		buf.ReadFrom(r.Body)
		seen = buf.Bytes()
	}))

	body := []byte(`{"payload":"survives"}`)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest(t, id, body, testNonce, time.Now().UnixMilli()))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, seen)
}
