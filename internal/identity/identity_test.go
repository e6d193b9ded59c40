package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/mr-tron/base58"
)

func generateTestKey(t *testing.T) ed25519.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return pub
}

func TestDeriveResolveRoundTrip(t *testing.T) {
	for i := 0; i < 50; i++ {
		pub := generateTestKey(t)
		did := DeriveDID(pub)

		if !strings.HasPrefix(did, "did:key:z") {
			t.Fatalf("unexpected DID format: %s", did)
		}

		resolved, err := ResolveDID(did)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(resolved, pub) {
			t.Fatalf("round-trip mismatch for %s", did)
		}
	}
}

func TestDeriveIsDeterministic(t *testing.T) {
	pub := generateTestKey(t)
	if DeriveDID(pub) != DeriveDID(pub) {
		t.Fatal("derivation is not deterministic")
	}
}

func TestResolveWrongPrefix(t *testing.T) {
	pub := generateTestKey(t)
	did := DeriveDID(pub)

	for _, bad := range []string{
		strings.Replace(did, "did:key:z", "did:web:z", 1),
		strings.TrimPrefix(did, "did:key:z"),
		"",
		"did:key:", // missing multibase marker
	} {
		if _, err := ResolveDID(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestResolveWrongLength(t *testing.T) {
	pub := generateTestKey(t)
	did := DeriveDID(pub)

	// Truncating the base58 body changes the decoded length.
	if _, err := ResolveDID(did[:len(did)-4]); err == nil {
		t.Fatal("expected error for truncated identifier")
	}
}

func TestResolveBadBase58(t *testing.T) {
	// '0', 'O', 'I' and 'l' are outside the base58btc alphabet.
	if _, err := ResolveDID("did:key:z0OIl"); err == nil {
		t.Fatal("expected error for invalid base58")
	}
}

func TestResolveWrongMulticodec(t *testing.T) {
	pub := generateTestKey(t)
	did := DeriveDID(pub)

	// Re-encode with a corrupted multicodec tag.
	raw, err := ResolveDID(did)
	if err != nil {
		t.Fatal(err)
	}
	tagged := append([]byte{0xec, 0x01}, raw...)
	bad := "did:key:z" + base58.Encode(tagged)
	if _, err := ResolveDID(bad); err == nil {
		t.Fatal("expected error for wrong multicodec tag")
	}
}

func TestFromSeedRoundTrip(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	again, err := FromSeed(id.PrivateKey.Seed())
	if err != nil {
		t.Fatal(err)
	}
	if again.DID != id.DID {
		t.Fatalf("expected %s, got %s", id.DID, again.DID)
	}
}

func TestFromSeedRejectsBadLength(t *testing.T) {
	if _, err := FromSeed(make([]byte, 16)); err == nil {
		t.Fatal("expected error for short seed")
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	dir := t.TempDir()

	id, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	if err := id.Save(dir); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.DID != id.DID {
		t.Fatalf("expected %s, got %s", id.DID, loaded.DID)
	}
	if !bytes.Equal(loaded.PrivateKey, id.PrivateKey) {
		t.Fatal("private key did not survive the keystore round trip")
	}
}
