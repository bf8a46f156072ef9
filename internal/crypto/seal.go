// Package crypto seals and unseals small secrets, primarily project repo
// tokens. Sealed values are base64(nonce || ciphertext) under a per-server
// ChaCha20-Poly1305 key.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length of the sealing key in bytes.
const KeySize = chacha20poly1305.KeySize

// LoadOrGenerateKey reads the server key from path, creating one with 0600
// permissions on first use. The file holds the key base64-encoded.
func LoadOrGenerateKey(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		key, err := base64.StdEncoding.DecodeString(string(data))
		if err == nil && len(key) == KeySize {
			return key, nil
		}
		return nil, fmt.Errorf("key file %s is corrupt", path)
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return key, nil
}

// DefaultKeyPath is where the server key lives when not configured:
// $XDG_CONFIG_HOME/flowstate/server.key, falling back to ~/.config.
func DefaultKeyPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "flowstate", "server.key")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("flowstate", "server.key")
	}
	return filepath.Join(home, ".config", "flowstate", "server.key")
}

// Seal encrypts plaintext. A fresh random nonce is prepended, so sealing
// the same plaintext twice yields different outputs.
func Seal(key []byte, plaintext string) (string, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("seal nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Unseal decrypts a value produced by Seal.
func Unseal(key []byte, encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("unseal decode: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", fmt.Errorf("unseal: %w", err)
	}

	if len(sealed) < aead.NonceSize() {
		return "", fmt.Errorf("unseal: ciphertext too short")
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("unseal: %w", err)
	}
	return string(plaintext), nil
}
