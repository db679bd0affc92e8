// Package secrets opens configuration values stored as "enc:<base64>".
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	xerrors "billing-sync-service/internal/pkg/errors"

	"golang.org/x/crypto/chacha20poly1305"
)

const Prefix = "enc:"

// Box seals and opens values with XChaCha20-Poly1305.
type Box struct {
	key []byte
}

// NewBox takes a base64 encoded 32 byte key.
func NewBox(encodedKey string) (*Box, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encodedKey))
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", xerrors.ErrConfiguration)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d: %w",
			chacha20poly1305.KeySize, len(key), xerrors.ErrConfiguration)
	}
	return &Box{key: key}, nil
}

func (b *Box) Seal(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open returns unprefixed values unchanged. A prefixed value that does not
// decrypt is an error; it is never passed through raw.
func (b *Box) Open(value string) (string, error) {
	if !strings.HasPrefix(value, Prefix) {
		return value, nil
	}
	if b == nil {
		return "", fmt.Errorf("encrypted value found but no encryption key configured: %w", xerrors.ErrConfiguration)
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", fmt.Errorf("decode encrypted value: %w", xerrors.ErrConfiguration)
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", err
	}
	if len(data) < aead.NonceSize()+aead.Overhead() {
		return "", fmt.Errorf("encrypted value too short: %w", xerrors.ErrConfiguration)
	}

	nonce, ciphertext := data[:aead.NonceSize()], data[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt value: %w", xerrors.ErrConfiguration)
	}
	return string(plain), nil
}
