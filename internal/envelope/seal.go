package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/pactmesh/pact/internal/identity"
)

// Sealed outputs let a worker encrypt a RESULT's output so only the paying
// requester can read it. The construction is ephemeral X25519 ECDH over the
// recipient's converted Ed25519 key, HKDF-SHA256, and ChaCha20-Poly1305.
// Wire format: ephemeral_pk[32] || nonce[12] || ciphertext, base64-encoded.

const (
	sealLabel       = "pact-seal-v1"
	ephemeralPKSize = 32
	sealNonceSize   = 12
	sealKeySize     = 32
	sealTagSize     = 16
	minSealedLen    = ephemeralPKSize + sealNonceSize + sealTagSize
)

// SealError reports an encryption or decryption failure.
type SealError struct {
	Message string
}

func (e *SealError) Error() string { return e.Message }

func edPubToX25519(edPub ed25519.PublicKey) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(edPub)
	if err != nil {
		return nil, fmt.Errorf("invalid Ed25519 public key: %w", err)
	}
	return p.BytesMontgomery(), nil
}

func edSeedToX25519(seed []byte) []byte {
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	return h[:32]
}

func sealKey(sharedSecret, ephemeralPK, recipientPK []byte) ([]byte, error) {
	salt := make([]byte, 0, len(ephemeralPK)+len(recipientPK))
	salt = append(salt, ephemeralPK...)
	salt = append(salt, recipientPK...)

	r := hkdf.New(sha256.New, sharedSecret, salt, []byte(sealLabel))
	key := make([]byte, sealKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts plaintext to the agent identified by recipientDID.
func Seal(plaintext []byte, recipientDID string) (string, error) {
	recipientEdPub, err := identity.ResolveDID(recipientDID)
	if err != nil {
		return "", &SealError{Message: fmt.Sprintf("unresolvable recipient: %v", err)}
	}
	recipientPK, err := edPubToX25519(recipientEdPub)
	if err != nil {
		return "", &SealError{Message: fmt.Sprintf("failed to convert recipient key: %v", err)}
	}

	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return "", err
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return "", err
	}

	sharedSecret, err := curve25519.X25519(ephPriv[:], recipientPK)
	if err != nil {
		return "", err
	}

	key, err := sealKey(sharedSecret, ephPub, recipientPK)
	if err != nil {
		return "", err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, sealNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	wire := make([]byte, 0, len(ephPub)+sealNonceSize+len(ciphertext))
	wire = append(wire, ephPub...)
	wire = append(wire, nonce...)
	wire = append(wire, ciphertext...)
	return base64.StdEncoding.EncodeToString(wire), nil
}

// Open decrypts a sealed output with the recipient's private key.
func Open(sealedB64 string, priv ed25519.PrivateKey) ([]byte, error) {
	wire, err := base64.StdEncoding.DecodeString(sealedB64)
	if err != nil {
		return nil, &SealError{Message: fmt.Sprintf("invalid base64: %v", err)}
	}
	if len(wire) < minSealedLen {
		return nil, &SealError{Message: fmt.Sprintf("sealed output too short: %d bytes, minimum %d", len(wire), minSealedLen)}
	}

	ephPK := wire[:ephemeralPKSize]
	nonce := wire[ephemeralPKSize : ephemeralPKSize+sealNonceSize]
	ciphertext := wire[ephemeralPKSize+sealNonceSize:]

	ownPriv := edSeedToX25519(priv.Seed())
	ownPub, err := curve25519.X25519(ownPriv, curve25519.Basepoint)
	if err != nil {
		return nil, &SealError{Message: fmt.Sprintf("failed to derive X25519 key: %v", err)}
	}

	sharedSecret, err := curve25519.X25519(ownPriv, ephPK)
	if err != nil {
		return nil, &SealError{Message: "decryption failed: invalid ephemeral key"}
	}

	key, err := sealKey(sharedSecret, ephPK, ownPub)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, &SealError{Message: "decryption failed: wrong key or tampered ciphertext"}
	}
	return plaintext, nil
}
