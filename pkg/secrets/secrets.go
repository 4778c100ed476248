// Package secrets encrypts secret values at the storage boundary with
// AES-256-GCM. The data key is derived from the master key with HKDF-SHA256
// per workspace, so one leaked workspace key never exposes another's
// secrets.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const nonceSize = 12

var (
	// ErrNoMasterKey is returned when the box is built without a key.
	ErrNoMasterKey = errors.New("secrets: master key not configured")

	// ErrCiphertextTooShort is returned for ciphertexts shorter than a nonce.
	ErrCiphertextTooShort = errors.New("secrets: ciphertext too short")
)

// Box seals and opens secret values for one workspace.
type Box struct {
	aead cipher.AEAD
}

// NewBox derives a workspace data key from the master key and wraps it in
// AES-256-GCM.
func NewBox(masterKey, workspaceID string) (*Box, error) {
	if masterKey == "" {
		return nil, ErrNoMasterKey
	}
	kdf := hkdf.New(sha256.New, []byte(masterKey), []byte("arbiter-secrets-v1"), []byte(workspaceID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("secrets: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("secrets: gcm: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext. The nonce is prepended to the returned blob.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("secrets: nonce: %w", err)
	}
	return b.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal.
func (b *Box) Open(blob []byte) ([]byte, error) {
	if len(blob) < nonceSize {
		return nil, ErrCiphertextTooShort
	}
	plaintext, err := b.aead.Open(nil, blob[:nonceSize], blob[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("secrets: open: %w", err)
	}
	return plaintext, nil
}
