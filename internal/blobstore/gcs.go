package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCSStore keeps blobs in a Google Cloud Storage bucket, one object per hash.
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

// NewGCSStore uses application default credentials.
func NewGCSStore(ctx context.Context, bucket, prefix string) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: client.Bucket(bucket), prefix: prefix}, nil
}

func (s *GCSStore) object(hash string) *storage.ObjectHandle {
	return s.bucket.Object(s.prefix + hash)
}

func (s *GCSStore) Put(ctx context.Context, hash string, data []byte) error {
	if err := checkPut(hash, data); err != nil {
		return err
	}

	// DoesNotExist makes the write a no-op for an existing key without a prior read.
	w := s.object(hash).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return nil
		}
		return fmt.Errorf("failed to store blob: %w", err)
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, hash string) ([]byte, error) {
	if err := validateKey(hash); err != nil {
		return nil, err
	}

	r, err := s.object(hash).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	if err := Verify(hash, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *GCSStore) Exists(ctx context.Context, hash string) (bool, error) {
	if err := validateKey(hash); err != nil {
		return false, err
	}
	_, err := s.object(hash).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat blob: %w", err)
	}
	return true, nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
