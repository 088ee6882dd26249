package blobstore

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

func TestHash(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Hash(nil))
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", Hash([]byte("hello")))
}

func TestFSStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	payloads := [][]byte{
		[]byte("Subject: hi\r\n\r\nbody\r\n"),
		{},
		make([]byte, 1<<16),
	}

	for i, b := range payloads {
		t.Run(fmt.Sprintf("put twice is idempotent %d", i), func(t *testing.T) {
			hash := Hash(b)
			require.NoError(t, store.Put(ctx, hash, b))
			require.NoError(t, store.Put(ctx, hash, b))

			got, err := store.Get(ctx, hash)
			require.NoError(t, err)
			assert.Equal(t, len(b), len(got))
			assert.Equal(t, hash, Hash(got))

			ok, err := store.Exists(ctx, hash)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}

	t.Run("missing key", func(t *testing.T) {
		_, err := store.Get(ctx, Hash([]byte("never stored")))
		assert.ErrorIs(t, err, ErrBlobNotFound)

		ok, err := store.Exists(ctx, Hash([]byte("never stored")))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("rejects mismatched put", func(t *testing.T) {
		err := store.Put(ctx, Hash([]byte("a")), []byte("b"))
		assert.ErrorIs(t, err, ErrBlobCorrupt)
	})

	t.Run("rejects malformed key", func(t *testing.T) {
		_, err := store.Get(ctx, "../../etc/passwd")
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("detects corruption on read", func(t *testing.T) {
		data := []byte("original")
		hash, err := PutData(ctx, store, data)
		require.NoError(t, err)

		require.NoError(t, os.WriteFile(store.path(hash), []byte("tampered"), 0o644))

		_, err = store.Get(ctx, hash)
		assert.ErrorIs(t, err, ErrBlobCorrupt)
	})

	t.Run("layout", func(t *testing.T) {
		hash := Hash([]byte("hello"))
		assert.Equal(t, filepath.Join(store.dir, "2c", "f2", hash), store.path(hash))
	})
}

func TestIsPreconditionFailed(t *testing.T) {
	assert.True(t, isPreconditionFailed(&googleapi.Error{Code: http.StatusPreconditionFailed}))
	assert.True(t, isPreconditionFailed(fmt.Errorf("wrapped: %w", &googleapi.Error{Code: http.StatusPreconditionFailed})))
	assert.False(t, isPreconditionFailed(&googleapi.Error{Code: http.StatusForbidden}))
	assert.False(t, isPreconditionFailed(fmt.Errorf("plain")))
}
