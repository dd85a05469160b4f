// Package vault encrypts credential material at rest with AES-256-GCM.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/ericfisherdev/reviewdesk/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.Vault = (*AESGCM)(nil)

// AESGCM implements the Vault port with AES-256-GCM. Ciphertexts are stored
// base64-encoded as nonce (12 bytes) prepended to the sealed payload.
type AESGCM struct {
	key []byte // 32-byte AES-256 key; nil when encryption is disabled.
}

// New creates an AESGCM vault. key must be 32 bytes for AES-256-GCM, or nil
// to disable credential storage (all operations return ErrVaultKeyNotSet).
func New(key []byte) (*AESGCM, error) {
	if key != nil && len(key) != 32 {
		return nil, fmt.Errorf("vault key must be 32 bytes, got %d", len(key))
	}
	return &AESGCM{key: key}, nil
}

// Encrypt seals plaintext and returns the base64-encoded blob.
func (v *AESGCM) Encrypt(plaintext string) (string, error) {
	if v.key == nil {
		return "", driven.ErrVaultKeyNotSet
	}

	gcm, err := v.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}

	// Seal appends the ciphertext to nonce, producing: nonce || ciphertext || tag.
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt.
func (v *AESGCM) Decrypt(encoded string) (string, error) {
	if v.key == nil {
		return "", driven.ErrVaultKeyNotSet
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}

	gcm, err := v.aead()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("gcm.Open: %w", err)
	}

	return string(plaintext), nil
}

func (v *AESGCM) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return gcm, nil
}
