// Package identity implements agent key pairs and the DID codec.
//
// An agent's identifier is a did:key-style string derived from its Ed25519
// public key: the multicodec tag for Ed25519 (0xed 0x01) is prepended to the
// raw key bytes, the result is base58btc-encoded and prefixed with "did:key:z".
// Derivation and resolution are exact inverses for every valid key.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

const (
	didPrefix = "did:key:z"

	// Multicodec tag for an Ed25519 public key, varint-encoded.
	multicodecEd25519Lo = 0xed
	multicodecEd25519Hi = 0x01
)

var (
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrInvalidPrivateKey = errors.New("invalid Ed25519 private key")
)

// Identity is an agent's key pair plus its derived identifier.
type Identity struct {
	DID        string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// Generate creates a fresh Ed25519 key pair and derives its DID.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{
		DID:        DeriveDID(pub),
		PublicKey:  pub,
		PrivateKey: priv,
	}, nil
}

// FromSeed reconstructs an identity from a 32-byte Ed25519 seed.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes, got %d", ErrInvalidPrivateKey, ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{
		DID:        DeriveDID(pub),
		PublicKey:  pub,
		PrivateKey: priv,
	}, nil
}

// DeriveDID derives the identifier for an Ed25519 public key.
// It is a pure function of the key bytes.
func DeriveDID(pub ed25519.PublicKey) string {
	tagged := make([]byte, 0, 2+len(pub))
	tagged = append(tagged, multicodecEd25519Lo, multicodecEd25519Hi)
	tagged = append(tagged, pub...)
	return didPrefix + base58.Encode(tagged)
}

// ResolveDID recovers the public key an identifier was derived from.
// It is the exact inverse of DeriveDID and fails with ErrInvalidIdentifier
// for a wrong prefix, undecodable body, wrong multicodec tag, or wrong length.
func ResolveDID(did string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(did, didPrefix) {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrInvalidIdentifier, didPrefix)
	}
	tagged, err := base58.Decode(strings.TrimPrefix(did, didPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
	}
	if len(tagged) != 2+ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidIdentifier, 2+ed25519.PublicKeySize, len(tagged))
	}
	if tagged[0] != multicodecEd25519Lo || tagged[1] != multicodecEd25519Hi {
		return nil, fmt.Errorf("%w: unexpected multicodec tag 0x%02x%02x", ErrInvalidIdentifier, tagged[0], tagged[1])
	}
	return ed25519.PublicKey(tagged[2:]), nil
}
