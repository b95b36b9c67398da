// Package otpstore keeps short-lived login codes and their attempt counters.
package otpstore

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/trezcool/karo/core/portal"
)

const keyPrefix = "karo:otp:" // karo:otp:{key}:code | karo:otp:{key}:attempts

func codeKey(key string) string     { return keyPrefix + key + ":code" }
func attemptsKey(key string) string { return keyPrefix + key + ":attempts" }

// RedisStore implements portal.CodeStore on redis.
type RedisStore struct {
	client *redis.Client
}

var _ portal.CodeStore = (*RedisStore)(nil)

// NewRedisStore connects to `url` (redis://host:port/db) and pings it.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parsing redis url")
	}
	client := redis.NewClient(opts)
	if err = client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "pinging redis")
	}
	return &RedisStore{client: client}, nil
}

func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Set(ctx context.Context, key, code string, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, codeKey(key), code, ttl)
	pipe.Del(ctx, attemptsKey(key))
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "storing login code")
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	code, err := s.client.Get(ctx, codeKey(key)).Result()
	if err == redis.Nil {
		return "", portal.ErrCodeNotFound
	}
	if err != nil {
		return "", errors.Wrap(err, "reading login code")
	}
	return code, nil
}

// IncrAttempts bumps the counter, which expires together with the code.
func (s *RedisStore) IncrAttempts(ctx context.Context, key string) (int, error) {
	n, err := s.client.Incr(ctx, attemptsKey(key)).Result()
	if err != nil {
		return 0, errors.Wrap(err, "counting login attempts")
	}
	if n == 1 {
		ttl, err := s.client.PTTL(ctx, codeKey(key)).Result()
		if err != nil {
			return 0, errors.Wrap(err, "reading login code ttl")
		}
		if ttl <= 0 {
			ttl = time.Hour
		}
		s.client.PExpire(ctx, attemptsKey(key), ttl)
	}
	return int(n), nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, codeKey(key), attemptsKey(key)).Err(); err != nil {
		return errors.Wrap(err, "deleting login code")
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
