package storage

import (
	"context"
	"fmt"
	"os"
	"strconv"
)

// Env variable names recognized by FromEnv.
const (
	EnvBackend  = "ODIN_STORAGE_BACKEND"
	EnvFallback = "ODIN_STORAGE_FALLBACK"
	EnvMirror   = "ODIN_STORAGE_MIRROR"
	EnvDataDir  = "ODIN_DATA_DIR"

	EnvS3Bucket   = "ODIN_S3_BUCKET"
	EnvS3Region   = "ODIN_S3_REGION"
	EnvS3Endpoint = "ODIN_S3_ENDPOINT"
	EnvS3Prefix   = "ODIN_S3_PREFIX"

	EnvGCSBucket = "ODIN_GCS_BUCKET"
	EnvGCSPrefix = "ODIN_GCS_PREFIX"

	EnvRedisURL       = "ODIN_REDIS_URL"
	EnvRedisNamespace = "ODIN_REDIS_NAMESPACE"
)

const defaultDataDir = "./data"

// FromEnv builds the configured Storage stack: the selected backend,
// optionally wrapped in a fallback backend, optionally fronted by a
// local write-through mirror.
func FromEnv(ctx context.Context) (Storage, error) {
	backend := os.Getenv(EnvBackend)
	if backend == "" {
		backend = "fs"
	}
	store, err := build(ctx, backend)
	if err != nil {
		return nil, err
	}

	if fb := os.Getenv(EnvFallback); fb != "" && fb != backend {
		secondary, err := build(ctx, fb)
		if err != nil {
			return nil, fmt.Errorf("storage: fallback backend: %w", err)
		}
		store = NewFallbackStore(store, secondary)
	}

	if mirror, _ := strconv.ParseBool(os.Getenv(EnvMirror)); mirror && backend != "fs" {
		local, err := NewFSStore(dataDir())
		if err != nil {
			return nil, fmt.Errorf("storage: mirror: %w", err)
		}
		store = NewMirrorStore(store, local)
	}

	return store, nil
}

func dataDir() string {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		return dir
	}
	return defaultDataDir
}

func build(ctx context.Context, backend string) (Storage, error) {
	switch backend {
	case "fs", "local":
		return NewFSStore(dataDir())
	case "memory":
		return NewMemoryStore(), nil
	case "s3":
		bucket := os.Getenv(EnvS3Bucket)
		if bucket == "" {
			return nil, fmt.Errorf("storage: %s required for s3 backend", EnvS3Bucket)
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   bucket,
			Region:   os.Getenv(EnvS3Region),
			Endpoint: os.Getenv(EnvS3Endpoint),
			Prefix:   os.Getenv(EnvS3Prefix),
		})
	case "gcs":
		bucket := os.Getenv(EnvGCSBucket)
		if bucket == "" {
			return nil, fmt.Errorf("storage: %s required for gcs backend", EnvGCSBucket)
		}
		return NewGCSStore(ctx, GCSConfig{
			Bucket: bucket,
			Prefix: os.Getenv(EnvGCSPrefix),
		})
	case "redis":
		url := os.Getenv(EnvRedisURL)
		if url == "" {
			return nil, fmt.Errorf("storage: %s required for redis backend", EnvRedisURL)
		}
		return NewRedisStore(url, os.Getenv(EnvRedisNamespace))
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", backend)
	}
}
