package shapes

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// CredentialCipher seals and opens stored session credentials with AES-GCM.
// The key is a 32-byte hex string from configuration.
type CredentialCipher struct {
	aead cipher.AEAD
}

// NewCredentialCipher parses the hex key and builds the cipher.
func NewCredentialCipher(hexKey string) (*CredentialCipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("credential key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("credential key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &CredentialCipher{aead: aead}, nil
}

// Encrypt seals a session string. The nonce is prepended to the ciphertext.
func (c *CredentialCipher) Encrypt(session string) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, []byte(session), nil), nil
}

// Decrypt opens a sealed session.
func (c *CredentialCipher) Decrypt(sealed []byte) (string, error) {
	if len(sealed) < c.aead.NonceSize() {
		return "", fmt.Errorf("sealed credential too short")
	}
	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential: %w", err)
	}
	return string(plain), nil
}
