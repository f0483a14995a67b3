// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package crypto seals camera passwords and destination stream keys at
// rest with AES-256-GCM. The appliance runs headless, so the master key
// lives next to the database: generated on first boot, file mode 0600.
// This protects the database file when it leaves the box (backup, RMA),
// not against an attacker with root on the appliance itself.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const keySize = 32

// sealedPrefix marks encrypted values so plaintext rows from older
// databases can be told apart and migrated lazily on read.
const sealedPrefix = "enc:v1:"

var (
	ErrInvalidKey = errors.New("master key must be 32 bytes")
	ErrDecrypt    = errors.New("decryption failed")
)

// Sealer encrypts and decrypts short secrets with a single master key.
type Sealer struct {
	gcm cipher.AEAD
}

// NewSealer builds a Sealer from raw key material.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{gcm: gcm}, nil
}

// LoadOrCreateKey reads the master key file, generating it with a fresh
// random key on first boot.
func LoadOrCreateKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-configured key path
	if err == nil {
		key, decErr := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
		if decErr != nil || len(key) != keySize {
			return nil, fmt.Errorf("master key file %s is corrupt", path)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read master key: %w", err)
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("write master key: %w", err)
	}
	return key, nil
}

// Seal encrypts a secret for storage. Empty input stays empty so
// optional columns round-trip cleanly.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := s.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a stored secret. Values without the sealed prefix are
// returned verbatim: they predate encryption at rest.
func (s *Sealer) Open(stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: bad encoding", ErrDecrypt)
	}
	if len(raw) < s.gcm.NonceSize() {
		return "", fmt.Errorf("%w: truncated", ErrDecrypt)
	}
	nonce, ciphertext := raw[:s.gcm.NonceSize()], raw[s.gcm.NonceSize():]
	plaintext, err := s.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

// Sealed reports whether a stored value carries the encryption prefix.
func Sealed(stored string) bool { return strings.HasPrefix(stored, sealedPrefix) }
