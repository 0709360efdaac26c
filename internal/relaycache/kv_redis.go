package relaycache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisScanBatch = 200

// RedisStore is the production KeyValueStore.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisStore(dsn string) (*RedisStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, invalidInput("invalid redis dsn: "+err.Error(), "dsn", redactDSN(dsn))
	}
	return NewRedisStoreWithClient(redis.NewClient(opts), ""), nil
}

// NewRedisStoreWithClient wraps an existing client. Every key is stored under keyPrefix.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, s.keyPrefix+key, value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = s.keyPrefix + key
	}
	return s.client.Del(ctx, prefixed...).Err()
}

func (s *RedisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, s.keyPrefix+pattern, redisScanBatch).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range batch {
			keys = append(keys, strings.TrimPrefix(key, s.keyPrefix))
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
