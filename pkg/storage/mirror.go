package storage

import (
	"context"
	"errors"
	"log/slog"
)

// MirrorStore writes through to a remote backend while keeping a local
// copy, so receipts stay readable when the remote is unreachable. Reads
// prefer the remote and fall back to the mirror.
type MirrorStore struct {
	remote Storage
	local  Storage
	logger *slog.Logger
}

func NewMirrorStore(remote, local Storage) *MirrorStore {
	return &MirrorStore{
		remote: remote,
		local:  local,
		logger: slog.Default().With("component", "storage.mirror"),
	}
}

func (s *MirrorStore) PutBytes(ctx context.Context, key string, data []byte, contentType string) error {
	if err := s.remote.PutBytes(ctx, key, data, contentType); err != nil {
		return err
	}
	if err := s.local.PutBytes(ctx, key, data, contentType); err != nil {
		// The remote copy is authoritative; a mirror failure is not fatal.
		s.logger.Warn("mirror write failed", "key", key, "error", err)
	}
	return nil
}

func (s *MirrorStore) GetBytes(ctx context.Context, key string) ([]byte, error) {
	data, err := s.remote.GetBytes(ctx, key)
	if err == nil || errors.Is(err, ErrNotFound) {
		return data, err
	}
	s.logger.Warn("remote read failed, serving mirror", "key", key, "error", err)
	return s.local.GetBytes(ctx, key)
}

func (s *MirrorStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	keys, err := s.remote.List(ctx, prefix, limit)
	if err == nil {
		return keys, nil
	}
	s.logger.Warn("remote list failed, serving mirror", "prefix", prefix, "error", err)
	return s.local.List(ctx, prefix, limit)
}

func (s *MirrorStore) Delete(ctx context.Context, key string) error {
	if err := s.remote.Delete(ctx, key); err != nil {
		return err
	}
	return s.local.Delete(ctx, key)
}
