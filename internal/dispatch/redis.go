package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pmwflow/internal/config"
)

// OpenRedis connects to the configured Redis server and verifies it answers.
func OpenRedis(ctx context.Context, cfg config.Redis) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis url not configured")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = time.Duration(cfg.DialTimeout) * time.Second
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisQueue is a list-backed queue: producers LPUSH, workers BRPOP.
type RedisQueue struct {
	client redis.UniversalClient
	key    string
}

// NewRedisQueue wraps client. The client is owned by the caller.
func NewRedisQueue(client redis.UniversalClient, key string) *RedisQueue {
	return &RedisQueue{client: client, key: key}
}

// Push implements Queue.
func (q *RedisQueue) Push(ctx context.Context, token Token) error {
	data, err := token.Encode()
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("push token: %w", err)
	}
	return nil
}

// Pop implements Queue.
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (Token, bool, error) {
	result, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return Token{}, false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return Token{}, false, ctx.Err()
		}
		return Token{}, false, fmt.Errorf("pop token: %w", err)
	}
	// BRPOP answers [key, value].
	if len(result) != 2 {
		return Token{}, false, fmt.Errorf("%w: unexpected reply %v", ErrMalformedToken, result)
	}
	token, err := DecodeToken([]byte(result[1]))
	if err != nil {
		return Token{}, false, err
	}
	return token, true, nil
}

// Len reports the number of queued tokens.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Close implements Queue. The shared client is closed by its owner.
func (q *RedisQueue) Close() error { return nil }
