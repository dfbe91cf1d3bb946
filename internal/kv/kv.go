// Package kv provides the KVFacade, a narrow Redis-backed interface
// exposing only the hash/sorted-set/pub-sub operations the rest of the
// coordination core needs, following the teacher's
// internal/infrastructure/cache conventions.
package kv

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	coorderrors "github.com/coordcore/sessioncore/internal/errors"
)

// Member is a single sorted-set entry.
type Member struct {
	Score  float64
	Member string
}

// Facade is the surface every higher-level component depends on.
// Exported as an interface so tests can substitute a miniredis-backed or
// fake implementation without pulling in go-redis types.
type Facade interface {
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	ZAdd(ctx context.Context, key string, members ...Member) error
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRangeByScore(ctx context.Context, key string, min, max string) ([]string, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZRem(ctx context.Context, key string, members ...string) error

	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)

	// SetNX sets key to value with the given TTL only if key does not
	// already exist (used for distributed mutual exclusion).
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	Ping(ctx context.Context) error

	Publish(ctx context.Context, channel string, message string) error
	Subscribe(ctx context.Context, channels ...string) Subscription

	// Eval executes a Lua script (used for atomic lock release / handoff).
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// Subscription is the minimal surface of a *redis.PubSub this package
// exposes to callers, so it can be faked in tests.
type Subscription interface {
	Channel() <-chan *redis.Message
	Close() error
}

// RedisFacade is the production Facade implementation.
type RedisFacade struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// New wraps an existing redis client. Connection lifecycle (Ping on
// startup, Close on shutdown) is owned by the caller (connpool.Pool).
func New(client redis.UniversalClient, logger *slog.Logger) *RedisFacade {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisFacade{client: client, logger: logger.With("component", "kv_facade")}
}

func (f *RedisFacade) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	if err := f.client.HSet(ctx, key, args...).Err(); err != nil {
		return wrapErr("hset", key, err)
	}
	return nil
}

func (f *RedisFacade) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := f.client.HGet(ctx, key, field).Result()
	if err != nil {
		if err == redis.Nil {
			return "", coorderrors.New(coorderrors.CodeNotFound, "field not found").WithContext(map[string]interface{}{"key": key, "field": field})
		}
		return "", wrapErr("hget", key, err)
	}
	return v, nil
}

func (f *RedisFacade) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := f.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrapErr("hgetall", key, err)
	}
	return m, nil
}

func (f *RedisFacade) HDel(ctx context.Context, key string, fields ...string) error {
	if err := f.client.HDel(ctx, key, fields...).Err(); err != nil {
		return wrapErr("hdel", key, err)
	}
	return nil
}

func (f *RedisFacade) ZAdd(ctx context.Context, key string, members ...Member) error {
	if len(members) == 0 {
		return nil
	}
	zs := make([]redis.Z, 0, len(members))
	for _, m := range members {
		zs = append(zs, redis.Z{Score: m.Score, Member: m.Member})
	}
	if err := f.client.ZAdd(ctx, key, zs...).Err(); err != nil {
		return wrapErr("zadd", key, err)
	}
	return nil
}

func (f *RedisFacade) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := f.client.ZRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, wrapErr("zrange", key, err)
	}
	return v, nil
}

func (f *RedisFacade) ZRangeByScore(ctx context.Context, key string, min, max string) ([]string, error) {
	v, err := f.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, wrapErr("zrangebyscore", key, err)
	}
	return v, nil
}

func (f *RedisFacade) ZCard(ctx context.Context, key string) (int64, error) {
	v, err := f.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, wrapErr("zcard", key, err)
	}
	return v, nil
}

func (f *RedisFacade) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := f.client.ZRem(ctx, key, args...).Err(); err != nil {
		return wrapErr("zrem", key, err)
	}
	return nil
}

func (f *RedisFacade) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := f.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return wrapErr("expire", key, err)
	}
	if !ok {
		return coorderrors.New(coorderrors.CodeNotFound, "key not found").WithContext(map[string]interface{}{"key": key})
	}
	return nil
}

func (f *RedisFacade) TTL(ctx context.Context, key string) (time.Duration, error) {
	v, err := f.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, wrapErr("ttl", key, err)
	}
	return v, nil
}

func (f *RedisFacade) Exists(ctx context.Context, key string) (bool, error) {
	v, err := f.client.Exists(ctx, key).Result()
	if err != nil {
		return false, wrapErr("exists", key, err)
	}
	return v > 0, nil
}

func (f *RedisFacade) Del(ctx context.Context, keys ...string) error {
	if err := f.client.Del(ctx, keys...).Err(); err != nil {
		return wrapErr("del", "", err)
	}
	return nil
}

func (f *RedisFacade) Keys(ctx context.Context, pattern string) ([]string, error) {
	v, err := f.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, wrapErr("keys", pattern, err)
	}
	return v, nil
}

func (f *RedisFacade) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := f.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, wrapErr("setnx", key, err)
	}
	return ok, nil
}

func (f *RedisFacade) Ping(ctx context.Context) error {
	if err := f.client.Ping(ctx).Err(); err != nil {
		return wrapErr("ping", "", err)
	}
	return nil
}

func (f *RedisFacade) Publish(ctx context.Context, channel string, message string) error {
	if err := f.client.Publish(ctx, channel, message).Err(); err != nil {
		return wrapErr("publish", channel, err)
	}
	return nil
}

func (f *RedisFacade) Subscribe(ctx context.Context, channels ...string) Subscription {
	return f.client.Subscribe(ctx, channels...)
}

func (f *RedisFacade) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	v, err := f.client.Eval(ctx, script, keys, args...).Result()
	if err != nil && err != redis.Nil {
		return nil, wrapErr("eval", "", err)
	}
	return v, nil
}

// wrapErr classifies a go-redis error into the CoordError taxonomy the
// rest of the system relies on for retry/backoff decisions.
func wrapErr(op, key string, err error) error {
	code := coorderrors.CodeInternal
	switch {
	case err == redis.Nil:
		code = coorderrors.CodeNotFound
	case redis.HasErrorPrefix(err, "NOAUTH"), redis.HasErrorPrefix(err, "WRONGPASS"):
		code = coorderrors.CodeUnauthorized
	case isTimeoutOrConnErr(err):
		code = coorderrors.CodeTransient
	}
	return coorderrors.Wrap(code, "kv "+op+" failed", err).WithContext(map[string]interface{}{"key": key})
}

func isTimeoutOrConnErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	if t, ok := err.(timeouter); ok && t.Timeout() {
		return true
	}
	return err == context.DeadlineExceeded || err == context.Canceled
}
