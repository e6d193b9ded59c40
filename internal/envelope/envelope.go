// Package envelope implements the signed message envelope and its typed
// payloads. An envelope is immutable once signed; the signature covers a
// canonical serialization of every field except the signature itself.
package envelope

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pactmesh/pact/internal/identity"
)

// Type identifies the kind of protocol message an envelope carries.
type Type string

const (
	TypeRequest Type = "REQUEST"
	TypeOffer   Type = "OFFER"
	TypeAccept  Type = "ACCEPT"
	TypeResult  Type = "RESULT"
	TypeError   Type = "ERROR"
	TypeRating  Type = "RATING"
)

var (
	ErrInvalidEnvelope = errors.New("invalid envelope")
	ErrInvalidPayload  = errors.New("invalid payload")
)

// Party identifies an agent by DID.
type Party struct {
	ID string `json:"id"`
}

// Thread correlates every envelope of one negotiation. It defaults to the
// request_id of the REQUEST that started the exchange.
type Thread struct {
	ID string `json:"id"`
}

// Envelope is a signed, typed unit of communication.
type Envelope struct {
	Type      Type            `json:"type"`
	Sender    Party           `json:"sender"`
	Thread    Thread          `json:"thread"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"ts"`
	Signature string          `json:"sig,omitempty"`
}

// New builds an unsigned envelope with the current timestamp.
func New(t Type, senderDID, threadID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return Envelope{
		Type:      t,
		Sender:    Party{ID: senderDID},
		Thread:    Thread{ID: threadID},
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// signingBytes is the canonical form the signature is computed over: the
// envelope serialized with an empty signature field. Struct fields marshal in
// declaration order, so the bytes are stable for a given envelope.
func (e Envelope) signingBytes() ([]byte, error) {
	e.Signature = ""
	return json.Marshal(e)
}

// Sign returns a copy of the envelope with its signature attached.
func Sign(e Envelope, priv ed25519.PrivateKey) (Envelope, error) {
	msg, err := e.signingBytes()
	if err != nil {
		return Envelope{}, err
	}
	e.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, msg))
	return e, nil
}

// Verify checks the envelope's signature against the public key resolved from
// its sender DID. Any mismatch (tampered field, wrong key, malformed or
// truncated signature, unresolvable sender) returns false. It never panics
// for well-typed input.
func Verify(e Envelope) bool {
	pub, err := identity.ResolveDID(e.Sender.ID)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(e.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	msg, err := e.signingBytes()
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
