// Package middleware contains the relay's HTTP middleware: request signing
// auth, rate limiting, logging, metrics, and security headers.
package middleware

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pactmesh/pact/internal/identity"
	"github.com/pactmesh/pact/internal/models"
	"github.com/pactmesh/pact/internal/store"
)

type contextKey string

const agentContextKey contextKey = "agent"

// AuthMiddleware verifies request signatures for authenticated endpoints.
// The DID is self-certifying: the verification key is decoded from the DID
// itself, so signing works whether or not the agent has registered.
type AuthMiddleware struct {
	db     store.DataStore
	nonces store.NonceStore
	window time.Duration
}

// NewAuthMiddleware creates the auth middleware.
func NewAuthMiddleware(db store.DataStore, nonces store.NonceStore) *AuthMiddleware {
	return &AuthMiddleware{
		db:     db,
		nonces: nonces,
		window: 30 * time.Second,
	}
}

// RequireAuth verifies the Ed25519 signature over sha256(body)|nonce|ts.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		did := r.Header.Get("X-Pact-DID")
		nonce := r.Header.Get("X-Pact-Nonce")
		timestamp := r.Header.Get("X-Pact-Timestamp")
		signature := r.Header.Get("X-Pact-Signature")

		if did == "" || nonce == "" || timestamp == "" || signature == "" {
			jsonError(w, http.StatusUnauthorized, "missing auth headers")
			return
		}

		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid timestamp format")
			return
		}
		if !m.isTimestampValid(ts) {
			jsonError(w, http.StatusUnauthorized, "timestamp expired or too far in future")
			return
		}

		if len(nonce) < 24 {
			jsonError(w, http.StatusUnauthorized, "nonce must be at least 24 characters")
			return
		}
		if m.nonces.IsNonceUsed(r.Context(), did, nonce) {
			jsonError(w, http.StatusUnauthorized, "nonce already used")
			return
		}

		pub, err := identity.ResolveDID(did)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid did")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			jsonError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewBuffer(body))

		hash := sha256.Sum256(body)
		signed := fmt.Sprintf("%s|%s|%s", hex.EncodeToString(hash[:]), nonce, timestamp)

		sig, err := base64.StdEncoding.DecodeString(signature)
		if err != nil || len(sig) != ed25519.SignatureSize || !ed25519.Verify(pub, []byte(signed), sig) {
			jsonError(w, http.StatusUnauthorized, "invalid signature")
			return
		}

		m.nonces.MarkNonceUsed(r.Context(), did, nonce, 3*time.Minute)

		agent, _ := m.db.GetAgentByDID(r.Context(), did)
		if agent == nil {
			agent = &models.Agent{
				DID:       did,
				PublicKey: base64.StdEncoding.EncodeToString(pub),
			}
		}

		ctx := context.WithValue(r.Context(), agentContextKey, agent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) isTimestampValid(ts int64) bool {
	now := time.Now().UnixMilli()
	windowMs := m.window.Milliseconds()
	// Accept recent past only; future timestamps are rejected outright,
	// with a small allowance for clock skew.
	return ts > now-windowMs && ts <= now+1000
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// WithAgent returns a context carrying the authenticated agent.
func WithAgent(ctx context.Context, agent *models.Agent) context.Context {
	return context.WithValue(ctx, agentContextKey, agent)
}

// AgentFromContext retrieves the authenticated agent from the request
// context, or nil on unauthenticated routes.
func AgentFromContext(ctx context.Context) *models.Agent {
	agent, ok := ctx.Value(agentContextKey).(*models.Agent)
	if !ok {
		return nil
	}
	return agent
}
