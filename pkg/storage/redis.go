package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Storage on a Redis instance. Keys live under a
// namespace prefix so one instance can serve several gateways.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

func NewRedisStore(url, namespace string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("storage: redis url: %w", err)
	}
	if namespace == "" {
		namespace = "odin"
	}
	return &RedisStore{client: redis.NewClient(opts), namespace: namespace}, nil
}

func (s *RedisStore) redisKey(key string) string { return s.namespace + ":" + key }

func (s *RedisStore) PutBytes(ctx context.Context, key string, data []byte, contentType string) error {
	// SETNX gives first-writer-wins; on conflict compare against the
	// stored bytes to keep idempotent re-writes cheap.
	ok, err := s.client.SetNX(ctx, s.redisKey(key), data, 0).Result()
	if err != nil {
		return fmt.Errorf("storage: redis setnx %s: %w", key, err)
	}
	if ok {
		return nil
	}
	existing, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err != nil {
		return fmt.Errorf("storage: redis get-after-conflict %s: %w", key, err)
	}
	if bytes.Equal(existing, data) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrConflictingWrite, key)
}

func (s *RedisStore) GetBytes(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: redis get %s: %w", key, err)
	}
	return data, nil
}

func (s *RedisStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	pattern := s.redisKey(prefix) + "*"
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.namespace+":"))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("storage: redis scan %q: %w", prefix, err)
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("storage: redis delete %s: %w", key, err)
	}
	return nil
}
