package credstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const redisTimeout = 5 * time.Second

// RedisStore keeps the two slots as plain redis keys under a prefix, which
// lets several terminals on different hosts share one login.
type RedisStore struct {
	rdb    goredis.UniversalClient
	prefix string
}

// NewRedisStore connects to the redis server at rawURL and pings it.
func NewRedisStore(rawURL, prefix string) (*RedisStore, error) {
	opts, err := goredis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	opts.DialTimeout = redisTimeout
	rdb := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStoreFromClient(rdb, prefix), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(rdb goredis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(slot string) string { return s.prefix + slot }

func (s *RedisStore) Read() (Pair, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	vals, err := s.rdb.MGet(ctx, s.key(AccessKey), s.key(RefreshKey)).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return Pair{}, fmt.Errorf("redis read credentials: %w", err)
	}
	var p Pair
	if len(vals) == 2 {
		p.Access, _ = vals[0].(string)
		p.Refresh, _ = vals[1].(string)
	}
	return p, nil
}

func (s *RedisStore) Write(p Pair) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.key(AccessKey), p.Access, 0)
		pipe.Set(ctx, s.key(RefreshKey), p.Refresh, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis write credentials: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear() error {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	if err := s.rdb.Del(ctx, s.key(AccessKey), s.key(RefreshKey)).Err(); err != nil {
		return fmt.Errorf("redis clear credentials: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }
