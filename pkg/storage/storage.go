// Package storage provides the append-only receipt/ledger store behind a
// single capability set, with pluggable backends: local filesystem (default),
// in-memory, S3, GCS, and Redis. A fallback wrapper and a local write-through
// mirror compose over any backend.
//
// Key conventions:
//
//	oml/{cid}
//	receipts/{cid}.env.json
//	receipts/transform/{output_cid}.json
//	hops/{trace_id}/{hop_index:08}.json
//	registry/{id}.json
//	maps/{name}.json
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned for absent keys.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflictingWrite is returned when a key already holds different
	// bytes. The ledger is append-only: re-writes must be byte-identical.
	ErrConflictingWrite = errors.New("storage: conflicting write to existing key")
)

// Storage is the backend capability set. Writes are idempotent on key.
type Storage interface {
	PutBytes(ctx context.Context, key string, data []byte, contentType string) error
	GetBytes(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string, limit int) ([]string, error)
	Delete(ctx context.Context, key string) error
}
