package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStore implements Storage against a Google Cloud Storage bucket.
// Credentials come from Application Default Credentials.
type GCSStore struct {
	client *gcs.Client
	bucket string
	prefix string
}

type GCSConfig struct {
	Bucket string
	Prefix string
}

func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(key string) *gcs.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + key)
}

func (s *GCSStore) PutBytes(ctx context.Context, key string, data []byte, contentType string) error {
	existing, err := s.GetBytes(ctx, key)
	switch {
	case err == nil:
		if bytes.Equal(existing, data) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrConflictingWrite, key)
	case !errors.Is(err, ErrNotFound):
		return err
	}

	w := s.object(key).NewWriter(ctx)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("storage: gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("storage: gcs close %s: %w", key, err)
	}
	return nil
}

func (s *GCSStore) GetBytes(ctx context.Context, key string) ([]byte, error) {
	r, err := s.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("storage: gcs get %s: %w", key, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (s *GCSStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &gcs.Query{Prefix: s.prefix + prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("storage: gcs list %q: %w", prefix, err)
		}
		keys = append(keys, attrs.Name[len(s.prefix):])
		if limit > 0 && len(keys) >= limit {
			break
		}
	}
	return keys, nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	if err := s.object(key).Delete(ctx); err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("storage: gcs delete %s: %w", key, err)
	}
	return nil
}
