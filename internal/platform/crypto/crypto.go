// Package crypto seals portal tokens before they are written to storage.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// sealedPrefix marks values produced by AesGcmService so plaintext rows
// written before encryption was enabled can still be read.
const sealedPrefix = "gcm1:"

// Service encrypts token strings. The associated value (the portal member id)
// binds a ciphertext to its row: a token copied into another row fails to open.
type Service interface {
	Encrypt(plaintext, associated string) (string, error)
	Decrypt(ciphertext, associated string) (string, error)
}

// Plaintext stores tokens as-is (no TOKEN_ENCRYPTION_KEY configured).
type Plaintext struct{}

func (Plaintext) Encrypt(plaintext, _ string) (string, error)  { return plaintext, nil }
func (Plaintext) Decrypt(ciphertext, _ string) (string, error) { return ciphertext, nil }

type AesGcmService struct {
	gcm cipher.AEAD
}

func NewAesGcmService(hexKey string) (*AesGcmService, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &AesGcmService{gcm: gcm}, nil
}

func (c *AesGcmService) Encrypt(plaintext, associated string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// nonce || ciphertext || tag
	sealed := c.gcm.Seal(nonce, nonce, []byte(plaintext), []byte(associated))
	return sealedPrefix + hex.EncodeToString(sealed), nil
}

func (c *AesGcmService) Decrypt(ciphertext, associated string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	if len(ciphertext) < len(sealedPrefix) || ciphertext[:len(sealedPrefix)] != sealedPrefix {
		return ciphertext, nil
	}

	buffer, err := hex.DecodeString(ciphertext[len(sealedPrefix):])
	if err != nil {
		return "", fmt.Errorf("failed to decode hex: %w", err)
	}

	nonceSize := c.gcm.NonceSize()
	if len(buffer) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, sealed := buffer[:nonceSize], buffer[nonceSize:]
	plain, err := c.gcm.Open(nil, nonce, sealed, []byte(associated))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plain), nil
}
