// Package blobstore is the content-addressed store for raw messages and MIME parts.
// Keys are lowercase hex sha256 digests of the stored bytes.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	ErrBlobNotFound = errors.New("blob not found")
	// ErrBlobCorrupt means stored bytes no longer hash to their key. It is never retried.
	ErrBlobCorrupt = errors.New("blob content does not match its hash")
	ErrInvalidKey  = errors.New("invalid blob key")
)

// Store is implemented by every backend. Put is a no-op when the key exists.
type Store interface {
	Put(ctx context.Context, hash string, data []byte) error
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
}

// Hash returns the key under which data is stored.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify checks that data hashes to the given key.
func Verify(hash string, data []byte) error {
	if got := Hash(data); got != hash {
		return fmt.Errorf("%w: key %s, content %s", ErrBlobCorrupt, hash, got)
	}
	return nil
}

// PutData stores data under its own hash and returns the key.
func PutData(ctx context.Context, s Store, data []byte) (string, error) {
	hash := Hash(data)
	if err := s.Put(ctx, hash, data); err != nil {
		return "", err
	}
	return hash, nil
}

func validateKey(hash string) error {
	if len(hash) != sha256.Size*2 {
		return fmt.Errorf("%w: %q", ErrInvalidKey, hash)
	}
	for _, c := range hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("%w: %q", ErrInvalidKey, hash)
		}
	}
	return nil
}

// checkPut rejects writes whose key does not match the payload.
func checkPut(hash string, data []byte) error {
	if err := validateKey(hash); err != nil {
		return err
	}
	return Verify(hash, data)
}
