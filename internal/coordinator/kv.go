// Package coordinator externalizes per-strategy runtime state into a shared
// key-value store so a fleet of workers can hand strategies around without
// ever running the same one twice. It carries the distributed lock, the
// running-state hash the management API polls, worker registration, and the
// task queues that deliver start requests to workers.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"gridfleet/internal/core"
)

// KV is the store surface the coordinator needs. Production runs on Redis;
// tests run on the in-memory implementation in this package.
type KV interface {
	// SetNX writes key only if absent, reporting whether it won.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get returns "" with a nil error when the key is absent.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	// CompareAndDelete removes key only while it still holds expect,
	// reporting whether it did. The check and delete are atomic.
	CompareAndDelete(ctx context.Context, key, expect string) (bool, error)

	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	LPush(ctx context.Context, key, value string) error
	// BRPop waits up to timeout for an element on any of keys and returns
	// the key it popped from. A timeout returns "", "", nil.
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, error)

	Close() error
}

// releaseScript frees a lock only while the caller still holds it, so a task
// whose lock expired and was re-acquired elsewhere cannot free the new
// holder's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// RedisKV implements KV on go-redis.
type RedisKV struct {
	client *redis.Client
	logger core.ILogger
}

// NewRedisKV connects and pings the store; a store that cannot be reached at
// startup is a fatal misconfiguration, not something to retry into.
func NewRedisKV(addr, password string, db int, logger core.ILogger) (*RedisKV, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}

	return &RedisKV{
		client: client,
		logger: logger.WithField("component", "coordinator-kv"),
	}, nil
}

func (r *RedisKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (r *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisKV) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisKV) CompareAndDelete(ctx context.Context, key, expect string) (bool, error) {
	n, err := releaseScript.Run(ctx, r.client, []string{key}, expect).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisKV) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return r.client.HSet(ctx, key, args...).Err()
}

func (r *RedisKV) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.client.HGetAll(ctx, key).Result()
}

func (r *RedisKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

func (r *RedisKV) SAdd(ctx context.Context, key string, members ...string) error {
	return r.client.SAdd(ctx, key, toArgs(members)...).Err()
}

func (r *RedisKV) SRem(ctx context.Context, key string, members ...string) error {
	return r.client.SRem(ctx, key, toArgs(members)...).Err()
}

func (r *RedisKV) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

func (r *RedisKV) LPush(ctx context.Context, key, value string) error {
	return r.client.LPush(ctx, key, value).Err()
}

func (r *RedisKV) BRPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, error) {
	res, err := r.client.BRPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	if len(res) != 2 {
		return "", "", fmt.Errorf("brpop: unexpected reply of %d elements", len(res))
	}
	return res[0], res[1], nil
}

func (r *RedisKV) Close() error {
	return r.client.Close()
}

func toArgs(members []string) []interface{} {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return args
}
