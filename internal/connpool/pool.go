// Package connpool wraps the Redis client with a health-checked
// connection lifecycle, retry/backoff on transient errors, and a circuit
// breaker guarding against cascading failure during an outage, following
// the resilience patterns in the teacher's
// internal/infrastructure/cache and internal/infrastructure/llm packages.
package connpool

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	coorderrors "github.com/coordcore/sessioncore/internal/errors"
	"github.com/coordcore/sessioncore/internal/kv"
)

// Config controls pool construction; it mirrors internal/config.RedisConfig
// so callers can pass that struct's fields directly.
type Config struct {
	Addr            string
	Password        string
	DB              int
	PoolSize        int
	MinIdleConns    int
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	AcquireTimeout  time.Duration

	CircuitBreaker CircuitBreakerConfig
}

// Pool owns the shared *redis.Client, exposes a kv.Facade wrapped with a
// circuit breaker and retry/backoff, and tracks basic health state.
type Pool struct {
	client  *redis.Client
	facade  *kv.RedisFacade
	breaker *CircuitBreaker
	cfg     Config
	logger  *slog.Logger

	healthy atomic.Bool
}

// New dials Redis, pings it once to fail fast on bad configuration, and
// returns a ready Pool.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: cfg.MinRetryBackoff,
		MaxRetryBackoff: cfg.MaxRetryBackoff,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, coorderrors.Wrap(coorderrors.CodeUnavailable, "failed to connect to redis", err).
			WithContext(map[string]interface{}{"addr": cfg.Addr})
	}

	p := &Pool{
		client:  client,
		facade:  kv.New(client, logger),
		breaker: NewCircuitBreaker(cfg.CircuitBreaker, logger),
		cfg:     cfg,
		logger:  logger.With("component", "connpool"),
	}
	p.healthy.Store(true)

	logger.Info("connected to redis", "addr", cfg.Addr, "db", cfg.DB)
	return p, nil
}

// Facade returns the circuit-breaker-wrapped KV facade for general use.
func (p *Pool) Facade() kv.Facade {
	return &guardedFacade{inner: p.facade, pool: p}
}

// RawFacade returns the underlying facade with no circuit breaker or
// retry wrapping, for operations (Lua scripts, pub/sub subscriptions)
// that must not be retried transparently.
func (p *Pool) RawFacade() kv.Facade {
	return p.facade
}

// Client exposes the underlying *redis.Client for callers that need the
// native client.
func (p *Pool) Client() *redis.Client {
	return p.client
}

// Close releases the underlying connection.
func (p *Pool) Close() error {
	return p.client.Close()
}

// HealthCheck pings Redis and records the outcome for the health endpoint.
func (p *Pool) HealthCheck(ctx context.Context) error {
	err := p.client.Ping(ctx).Err()
	p.healthy.Store(err == nil)
	if err != nil {
		return coorderrors.Wrap(coorderrors.CodeUnavailable, "redis health check failed", err)
	}
	return nil
}

// Healthy reports the last-observed health state without a round trip.
func (p *Pool) Healthy() bool {
	return p.healthy.Load()
}

// BreakerState exposes the circuit breaker's current state for the
// health/metrics endpoints.
func (p *Pool) BreakerState() State {
	return p.breaker.State()
}

// OnBreakerStateChange installs a callback invoked on every circuit
// breaker transition, letting a caller drive gauges without connpool
// importing internal/metrics.
func (p *Pool) OnBreakerStateChange(fn func(from, to State)) {
	p.breaker.OnStateChange(fn)
}

// Execute runs op through the circuit breaker with exponential backoff
// retry on transient errors, per the spec's retry-budget requirement.
func (p *Pool) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	return p.breaker.Call(ctx, func(ctx context.Context) error {
		b := backoff.WithContext(backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(p.cfg.MinRetryBackoff),
				backoff.WithMaxInterval(p.cfg.MaxRetryBackoff),
			),
			uint64(p.cfg.MaxRetries),
		), ctx)

		return backoff.Retry(func() error {
			err := op(ctx)
			if err != nil && !coorderrors.IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}, b)
	})
}

// guardedFacade routes every kv.Facade call through Pool.Execute so
// callers get circuit-breaking and retry without re-implementing it at
// every call site.
type guardedFacade struct {
	inner kv.Facade
	pool  *Pool
}

func (g *guardedFacade) HSet(ctx context.Context, key string, fields map[string]string) error {
	return g.pool.Execute(ctx, func(ctx context.Context) error { return g.inner.HSet(ctx, key, fields) })
}

func (g *guardedFacade) HGet(ctx context.Context, key, field string) (string, error) {
	var out string
	err := g.pool.Execute(ctx, func(ctx context.Context) error {
		v, err := g.inner.HGet(ctx, key, field)
		out = v
		return err
	})
	return out, err
}

func (g *guardedFacade) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var out map[string]string
	err := g.pool.Execute(ctx, func(ctx context.Context) error {
		v, err := g.inner.HGetAll(ctx, key)
		out = v
		return err
	})
	return out, err
}

func (g *guardedFacade) HDel(ctx context.Context, key string, fields ...string) error {
	return g.pool.Execute(ctx, func(ctx context.Context) error { return g.inner.HDel(ctx, key, fields...) })
}

func (g *guardedFacade) ZAdd(ctx context.Context, key string, members ...kv.Member) error {
	return g.pool.Execute(ctx, func(ctx context.Context) error { return g.inner.ZAdd(ctx, key, members...) })
}

func (g *guardedFacade) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var out []string
	err := g.pool.Execute(ctx, func(ctx context.Context) error {
		v, err := g.inner.ZRange(ctx, key, start, stop)
		out = v
		return err
	})
	return out, err
}

func (g *guardedFacade) ZRangeByScore(ctx context.Context, key string, min, max string) ([]string, error) {
	var out []string
	err := g.pool.Execute(ctx, func(ctx context.Context) error {
		v, err := g.inner.ZRangeByScore(ctx, key, min, max)
		out = v
		return err
	})
	return out, err
}

func (g *guardedFacade) ZCard(ctx context.Context, key string) (int64, error) {
	var out int64
	err := g.pool.Execute(ctx, func(ctx context.Context) error {
		v, err := g.inner.ZCard(ctx, key)
		out = v
		return err
	})
	return out, err
}

func (g *guardedFacade) ZRem(ctx context.Context, key string, members ...string) error {
	return g.pool.Execute(ctx, func(ctx context.Context) error { return g.inner.ZRem(ctx, key, members...) })
}

func (g *guardedFacade) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return g.pool.Execute(ctx, func(ctx context.Context) error { return g.inner.Expire(ctx, key, ttl) })
}

func (g *guardedFacade) TTL(ctx context.Context, key string) (time.Duration, error) {
	var out time.Duration
	err := g.pool.Execute(ctx, func(ctx context.Context) error {
		v, err := g.inner.TTL(ctx, key)
		out = v
		return err
	})
	return out, err
}

func (g *guardedFacade) Exists(ctx context.Context, key string) (bool, error) {
	var out bool
	err := g.pool.Execute(ctx, func(ctx context.Context) error {
		v, err := g.inner.Exists(ctx, key)
		out = v
		return err
	})
	return out, err
}

func (g *guardedFacade) Del(ctx context.Context, keys ...string) error {
	return g.pool.Execute(ctx, func(ctx context.Context) error { return g.inner.Del(ctx, keys...) })
}

func (g *guardedFacade) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	err := g.pool.Execute(ctx, func(ctx context.Context) error {
		v, err := g.inner.Keys(ctx, pattern)
		out = v
		return err
	})
	return out, err
}

func (g *guardedFacade) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var out bool
	err := g.pool.Execute(ctx, func(ctx context.Context) error {
		v, err := g.inner.SetNX(ctx, key, value, ttl)
		out = v
		return err
	})
	return out, err
}

func (g *guardedFacade) Ping(ctx context.Context) error {
	return g.pool.Execute(ctx, func(ctx context.Context) error { return g.inner.Ping(ctx) })
}

func (g *guardedFacade) Publish(ctx context.Context, channel string, message string) error {
	return g.pool.Execute(ctx, func(ctx context.Context) error { return g.inner.Publish(ctx, channel, message) })
}

func (g *guardedFacade) Subscribe(ctx context.Context, channels ...string) kv.Subscription {
	// Subscriptions are long-lived streams, not individual calls; they
	// bypass the breaker/retry wrapper by design.
	return g.inner.Subscribe(ctx, channels...)
}

func (g *guardedFacade) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	var out interface{}
	err := g.pool.Execute(ctx, func(ctx context.Context) error {
		v, err := g.inner.Eval(ctx, script, keys, args...)
		out = v
		return err
	})
	return out, err
}
