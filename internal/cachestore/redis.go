package cachestore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultOpTimeout = 250 * time.Millisecond
	scanBatch        = 256
)

// RedisStore implements Store on a shared go-redis client.
type RedisStore struct {
	client  redis.Cmdable
	timeout time.Duration
}

// NewRedisStore wraps client. Each operation is bounded by timeout; a
// non-positive timeout selects the default.
func NewRedisStore(client redis.Cmdable, timeout time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("cachestore: redis client must not be nil")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &RedisStore{client: client, timeout: timeout}, nil
}

func (s *RedisStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *RedisStore) SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return opError("set", key, s.client.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	b, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, opError("get", key, err)
	}
	return b, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return opError("delete", key, s.client.Del(ctx, key).Err())
}

func (s *RedisStore) RemainingTTL(ctx context.Context, key string) (time.Duration, bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, opError("ttl", key, err)
	}
	// go-redis reports -2 for a missing key and -1 for a key without expiry.
	switch ttl {
	case -2:
		return 0, false, nil
	case -1:
		return -1, true, nil
	}
	return ttl, true, nil
}

func (s *RedisStore) RefreshTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	ok, err := s.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, opError("expire", key, err)
	}
	return ok, nil
}

// KeysByPrefix walks the keyspace with SCAN. The timeout applies to each
// batch, not to the whole walk.
func (s *RedisStore) KeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batchCtx, cancel := s.bound(ctx)
		batch, next, err := s.client.Scan(batchCtx, cursor, prefix+"*", scanBatch).Result()
		cancel()
		if err != nil {
			return nil, opError("scan", prefix, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return opError("ping", "", s.client.Ping(ctx).Err())
}
