package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() string {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewCredentialSealer(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "valid 32-byte key", key: testKey()},
		{name: "invalid base64", key: "not-valid-base64!!!", wantErr: true},
		{name: "wrong key length", key: base64.StdEncoding.EncodeToString(make([]byte, 16)), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealer, err := NewCredentialSealer(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, sealer)
		})
	}
}

func TestSealOpen(t *testing.T) {
	sealer, err := NewCredentialSealer(testKey())
	require.NoError(t, err)

	t.Run("round trip", func(t *testing.T) {
		sealed, err := sealer.Seal(42, "app-password")
		require.NoError(t, err)

		got, err := sealer.Open(42, sealed)
		require.NoError(t, err)
		assert.Equal(t, "app-password", got)
	})

	t.Run("random nonce per seal", func(t *testing.T) {
		a, err := sealer.Seal(42, "same")
		require.NoError(t, err)
		b, err := sealer.Seal(42, "same")
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("bound to the account", func(t *testing.T) {
		sealed, err := sealer.Seal(42, "app-password")
		require.NoError(t, err)

		_, err = sealer.Open(43, sealed)
		assert.Error(t, err)
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		sealed, err := sealer.Seal(1, "secret")
		require.NoError(t, err)
		sealed[len(sealed)-1] ^= 0xff

		_, err = sealer.Open(1, sealed)
		assert.Error(t, err)
	})

	t.Run("too short", func(t *testing.T) {
		_, err := sealer.Open(1, []byte{1, 2, 3})
		assert.ErrorIs(t, err, ErrCiphertextTooShort)
	})
}
