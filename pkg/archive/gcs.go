//go:build gcp

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore archives blobs to a GCS bucket, keyed by content hash under
// an optional prefix. Built only when the gcp build tag is set, since a
// deployment runs exactly one of S3Store or GCSStore, never both.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig configures a GCSStore.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore builds a GCS-backed Store, authenticating via Application
// Default Credentials.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Store uploads data under its content hash, skipping the write if an
// object already exists at that key.
func (s *GCSStore) Store(ctx context.Context, data []byte) (string, error) {
	hash := hashKey(data)
	name, err := blobName(hash)
	if err != nil {
		return "", err
	}

	obj := s.client.Bucket(s.bucket).Object(s.prefix + name)
	if _, err := obj.Attrs(ctx); err == nil {
		return hash, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("archive: gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("archive: gcs close failed: %w", err)
	}
	return hash, nil
}

// Get downloads the blob stored under hash.
func (s *GCSStore) Get(ctx context.Context, hash string) ([]byte, error) {
	name, err := blobName(hash)
	if err != nil {
		return nil, err
	}
	reader, err := s.client.Bucket(s.bucket).Object(s.prefix + name).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: gcs get failed for %s: %w", hash, err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// Exists reports whether a blob is archived under hash.
func (s *GCSStore) Exists(ctx context.Context, hash string) (bool, error) {
	name, err := blobName(hash)
	if err != nil {
		return false, err
	}
	_, err = s.client.Bucket(s.bucket).Object(s.prefix + name).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("archive: gcs attrs error: %w", err)
	}
	return true, nil
}

// Close releases the underlying GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
