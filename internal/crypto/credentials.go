// Package crypto seals account credentials at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
)

var ErrCiphertextTooShort = errors.New("ciphertext too short")

// CredentialSealer encrypts IMAP passwords and OAuth refresh tokens with AES-GCM.
// Each ciphertext is bound to its account id as additional data, so a sealed
// secret copied onto another account row will not open.
type CredentialSealer struct {
	aead cipher.AEAD
}

// NewCredentialSealer takes a base64-encoded 32-byte key.
func NewCredentialSealer(base64Key string) (*CredentialSealer, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}

	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (256 bits), got %d bytes", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &CredentialSealer{aead: aead}, nil
}

// Seal returns nonce||ciphertext||tag for secret, bound to accountID.
func (s *CredentialSealer) Seal(accountID int64, secret string) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, []byte(secret), accountAD(accountID)), nil
}

// Open reverses Seal. It fails if the data was sealed for another account or key.
func (s *CredentialSealer) Open(accountID int64, sealed []byte) (string, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n {
		return "", ErrCiphertextTooShort
	}

	plaintext, err := s.aead.Open(nil, sealed[:n], sealed[n:], accountAD(accountID))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credentials: %w", err)
	}
	return string(plaintext), nil
}

func accountAD(accountID int64) []byte {
	return []byte("mailsync-account:" + strconv.FormatInt(accountID, 10))
}
