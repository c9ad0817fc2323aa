package storage

import (
	"context"
	"errors"
	"log/slog"
)

// FallbackStore tries a primary backend and falls through to a secondary
// when the primary fails with an infrastructure error. ErrNotFound and
// ErrConflictingWrite are definitive answers, not failures.
type FallbackStore struct {
	primary   Storage
	secondary Storage
	logger    *slog.Logger

	// OnFallback is invoked with the operation name each time the
	// secondary is used. Wired to a failure counter metric.
	OnFallback func(op string)
}

func NewFallbackStore(primary, secondary Storage) *FallbackStore {
	return &FallbackStore{
		primary:   primary,
		secondary: secondary,
		logger:    slog.Default().With("component", "storage.fallback"),
	}
}

func (s *FallbackStore) fellBack(op string, err error) {
	s.logger.Warn("primary backend failed, using fallback", "op", op, "error", err)
	if s.OnFallback != nil {
		s.OnFallback(op)
	}
}

func definitive(err error) bool {
	return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflictingWrite)
}

func (s *FallbackStore) PutBytes(ctx context.Context, key string, data []byte, contentType string) error {
	err := s.primary.PutBytes(ctx, key, data, contentType)
	if definitive(err) {
		return err
	}
	s.fellBack("put", err)
	return s.secondary.PutBytes(ctx, key, data, contentType)
}

func (s *FallbackStore) GetBytes(ctx context.Context, key string) ([]byte, error) {
	data, err := s.primary.GetBytes(ctx, key)
	if definitive(err) {
		return data, err
	}
	s.fellBack("get", err)
	return s.secondary.GetBytes(ctx, key)
}

func (s *FallbackStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	keys, err := s.primary.List(ctx, prefix, limit)
	if err == nil {
		return keys, nil
	}
	s.fellBack("list", err)
	return s.secondary.List(ctx, prefix, limit)
}

func (s *FallbackStore) Delete(ctx context.Context, key string) error {
	err := s.primary.Delete(ctx, key)
	if definitive(err) {
		return err
	}
	s.fellBack("delete", err)
	return s.secondary.Delete(ctx, key)
}
