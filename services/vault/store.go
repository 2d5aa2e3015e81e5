package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/upb/provider-router/repositories"
)

// RedisStore keeps ciphertext under "vault:{path}" keys
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore creates a secret store over a redis client
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client, prefix: "vault:"}
}

func (s *RedisStore) key(path string) string {
	return s.prefix + path
}

// Put writes the ciphertext at path
func (s *RedisStore) Put(ctx context.Context, path string, ciphertext []byte) error {
	if err := s.client.Set(ctx, s.key(path), ciphertext, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", path, err)
	}
	return nil
}

// Get reads the ciphertext at path
func (s *RedisStore) Get(ctx context.Context, path string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.key(path)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("secret not found: %s: %w", path, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("redis get %s: %w", path, err)
	}
	return b, nil
}

// Delete removes the ciphertext at path
func (s *RedisStore) Delete(ctx context.Context, path string) error {
	if err := s.client.Del(ctx, s.key(path)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", path, err)
	}
	return nil
}
