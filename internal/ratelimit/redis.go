package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore backs the limiter with redis so that multiple gateway
// instances enforce one consistent limit.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

// decrFloor releases a slot without letting the counter go negative after
// a restart wiped in-flight state.
var decrFloor = redis.NewScript(`
local v = redis.call("DECR", KEYS[1])
if v < 0 then
	redis.call("SET", KEYS[1], "0")
	return 0
end
return v
`)

func (s *RedisStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// Start the window on the first request only; refreshing the TTL on
	// every hit would keep a busy caller's window open forever.
	if count == 1 {
		s.client.Expire(ctx, key, window)
	}
	return count, nil
}

func (s *RedisStore) IncrInflight(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

func (s *RedisStore) DecrInflight(ctx context.Context, key string) error {
	return decrFloor.Run(ctx, s.client, []string{key}).Err()
}
