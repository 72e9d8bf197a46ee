package registry

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis-backed registry.
type RedisOptions struct {
	Addr      string        // host:port of the Redis server.
	Password  string        // Optional AUTH password.
	DB        int           // Logical database number.
	OpTimeout time.Duration // Per-operation deadline (0 uses default).
}

// DefaultRedisOptions returns conservative defaults for a local Redis.
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Addr:      "127.0.0.1:6379",
		OpTimeout: 2 * time.Second,
	}
}

// Redis implements Registry on a Redis server. Every operation carries a short
// deadline so a stalled store cannot starve a connection task.
type Redis struct {
	client    *redis.Client
	opTimeout time.Duration
}

// NewRedis connects and verifies the server with a ping.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:6379"
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 2 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, opts.OpTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Redis{client: client, opTimeout: opts.OpTimeout}, nil
}

func (r *Redis) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opTimeout)
}

func (r *Redis) SetWithTTL(ctx context.Context, key string, value string, ttl time.Duration) error {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()
	return r.client.Del(ctx, key).Err()
}

func (r *Redis) SetAdd(ctx context.Context, key string, member string) error {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()
	return r.client.SAdd(ctx, key, member).Err()
}

func (r *Redis) SetRemove(ctx context.Context, key string, member string) error {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()
	return r.client.SRem(ctx, key, member).Err()
}

func (r *Redis) SetMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()
	return r.client.SMembers(ctx, key).Result()
}

func (r *Redis) ListPush(ctx context.Context, key string, value string) error {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()
	return r.client.LPush(ctx, key, value).Err()
}

func (r *Redis) ListTrim(ctx context.Context, key string, start int64, stop int64) error {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()
	return r.client.LTrim(ctx, key, start, stop).Err()
}

func (r *Redis) ListRange(ctx context.Context, key string, start int64, stop int64) ([]string, error) {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()
	return r.client.LRange(ctx, key, start, stop).Result()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
