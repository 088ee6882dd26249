package testutil

import (
	"encoding/base64"
	"testing"

	"github.com/vdavid/mailsync/internal/crypto"
)

// TestEncryptionKey is a deterministic base64 key shared by all test packages.
func TestEncryptionKey() string {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return base64.StdEncoding.EncodeToString(key)
}

// GetTestSealer creates a credential sealer with the deterministic test key.
func GetTestSealer(t *testing.T) *crypto.CredentialSealer {
	t.Helper()

	sealer, err := crypto.NewCredentialSealer(TestEncryptionKey())
	if err != nil {
		t.Fatalf("Failed to create sealer: %v", err)
	}
	return sealer
}
