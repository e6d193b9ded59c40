package identity

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
)

const (
	agentFile = "agent.json"
	keyFile   = "private.key"
)

// keystoreConfig is the on-disk agent metadata next to the private key.
type keystoreConfig struct {
	DID       string `json:"did"`
	PublicKey string `json:"public_key"`
}

// Load reads an identity from a keystore directory.
func Load(dir string) (*Identity, error) {
	data, err := os.ReadFile(filepath.Join(dir, agentFile))
	if err != nil {
		return nil, err
	}
	var cfg keystoreConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	keyData, err := os.ReadFile(filepath.Join(dir, keyFile))
	if err != nil {
		return nil, err
	}
	seed, err := base64.StdEncoding.DecodeString(string(keyData))
	if err != nil {
		return nil, err
	}

	id, err := FromSeed(seed)
	if err != nil {
		return nil, err
	}
	return id, nil
}

// Save writes the identity to a keystore directory with owner-only permissions.
func (id *Identity) Save(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	cfg := keystoreConfig{
		DID:       id.DID,
		PublicKey: base64.StdEncoding.EncodeToString(id.PublicKey),
	}
	data, _ := json.MarshalIndent(cfg, "", "  ")
	if err := os.WriteFile(filepath.Join(dir, agentFile), data, 0600); err != nil {
		return err
	}

	seed := base64.StdEncoding.EncodeToString(id.PrivateKey.Seed())
	return os.WriteFile(filepath.Join(dir, keyFile), []byte(seed), 0600)
}
