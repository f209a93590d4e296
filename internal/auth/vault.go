package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrVaultSealBroken is returned when a sealed value fails to open, which
// means corruption or a changed daemon secret.
var ErrVaultSealBroken = errors.New("sealed value cannot be opened")

// Vault seals per-user API keys at rest. Keys are encrypted with
// secretbox under a key derived from the daemon secret, so the database
// alone never contains usable credentials.
type Vault struct {
	key [32]byte
}

// NewVault derives the sealing key from the daemon secret.
func NewVault(secret string) *Vault {
	return &Vault{key: sha256.Sum256([]byte("agor-api-key-vault:" + secret))}
}

// Seal encrypts a plaintext value to a base64 string.
func (v *Vault) Seal(plaintext string) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &v.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (v *Vault) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < 24 {
		return "", ErrVaultSealBroken
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plaintext, ok := secretbox.Open(nil, raw[24:], &nonce, &v.key)
	if !ok {
		return "", ErrVaultSealBroken
	}
	return string(plaintext), nil
}

// SealKeys seals a tool-name to API-key map into the document stored on the
// user row.
func (v *Vault) SealKeys(keys map[string]string) (json.RawMessage, error) {
	sealed := make(map[string]string, len(keys))
	for tool, key := range keys {
		enc, err := v.Seal(key)
		if err != nil {
			return nil, err
		}
		sealed[tool] = enc
	}
	return json.Marshal(sealed)
}

// OpenKey resolves one tool's API key from a sealed document. Returns
// ErrVaultSealBroken if the entry cannot be opened and ErrKeyNotFound if the
// tool has no stored key.
func (v *Vault) OpenKey(doc json.RawMessage, tool string) (string, error) {
	sealed := make(map[string]string)
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &sealed); err != nil {
			return "", fmt.Errorf("malformed key document: %w", err)
		}
	}
	enc, ok := sealed[tool]
	if !ok {
		return "", ErrKeyNotFound
	}
	return v.Open(enc)
}

// UpsertKey seals one key into an existing document, preserving the others.
func (v *Vault) UpsertKey(doc json.RawMessage, tool, key string) (json.RawMessage, error) {
	sealed := make(map[string]string)
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &sealed); err != nil {
			return nil, fmt.Errorf("malformed key document: %w", err)
		}
	}
	enc, err := v.Seal(key)
	if err != nil {
		return nil, err
	}
	sealed[tool] = enc
	return json.Marshal(sealed)
}

// ErrKeyNotFound is returned when a user has no stored key for a tool.
var ErrKeyNotFound = errors.New("no api key stored for tool")
