package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coordcore/sessioncore/internal/connpool"
	"github.com/coordcore/sessioncore/internal/session"
)

// Prober reports the health of one optional component. Implementations
// wrap sessionReplay and sessionMigration subsystems that only exist in
// some deployments.
type Prober interface {
	Probe(ctx context.Context) ComponentHealth
}

// errorCounter is a simple cumulative success/failure tally used to
// derive a component's ErrorRate without pulling in a rates library.
type errorCounter struct {
	mu      sync.Mutex
	total   int64
	errors  int64
}

func (c *errorCounter) record(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++
	if err != nil {
		c.errors++
	}
}

func (c *errorCounter) rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.total == 0 {
		return 0
	}
	return float64(c.errors) / float64(c.total)
}

// Checker aggregates component health for GetHealth, following the
// teacher's dashboard health handler's parallel-probe-then-aggregate
// shape (goroutines feeding a results channel, worst-status wins).
type Checker struct {
	store *session.Store
	pool  *connpool.Pool

	replay    Prober
	migration Prober

	snapshot     func() interface{}
	recentAlerts func() []interface{}

	sessionErrs errorCounter
	redisErrs   errorCounter

	logger *slog.Logger
}

// NewChecker builds a Checker. replay and migration may be nil when
// those optional subsystems aren't deployed; snapshot and recentAlerts
// may be nil to omit those fields from the response.
func NewChecker(store *session.Store, pool *connpool.Pool, replay, migration Prober, snapshot func() interface{}, recentAlerts func() []interface{}, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		store:        store,
		pool:         pool,
		replay:       replay,
		migration:    migration,
		snapshot:     snapshot,
		recentAlerts: recentAlerts,
		logger:       logger,
	}
}

type probeResult struct {
	name   string
	health ComponentHealth
}

// GetHealth runs every configured component probe concurrently and
// aggregates them into a single document, overall status set to the
// worst individual component.
func (c *Checker) GetHealth(ctx context.Context) Health {
	var wg sync.WaitGroup
	results := make(chan probeResult, 5)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results <- probeResult{"sessionManager", c.probeSessionManager(ctx)}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		results <- probeResult{"redis", c.probeRedis(ctx)}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		results <- probeResult{"sessionStore", c.probeSessionStore(ctx)}
	}()

	if c.replay != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- probeResult{"sessionReplay", c.replay.Probe(ctx)}
		}()
	}

	if c.migration != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- probeResult{"sessionMigration", c.migration.Probe(ctx)}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	health := Health{Components: make(map[string]ComponentHealth)}
	for r := range results {
		health.Components[r.name] = r.health
		health.Overall = worst(health.Overall, r.health.Status)
	}
	if health.Overall == "" {
		health.Overall = StatusHealthy
	}

	if c.snapshot != nil {
		health.Metrics = c.snapshot()
	}
	if c.recentAlerts != nil {
		health.Alerts = c.recentAlerts()
	}

	return health
}

func (c *Checker) probeSessionManager(ctx context.Context) ComponentHealth {
	start := time.Now()
	if c.store == nil {
		return ComponentHealth{Status: StatusDown, LastCheck: start, Details: map[string]interface{}{"reason": "not configured"}}
	}
	_, err := c.store.Stats(ctx, 100)
	c.sessionErrs.record(err)
	latency := time.Since(start)

	if err != nil {
		c.logger.Warn("session manager health probe failed", "error", err)
		return ComponentHealth{Status: StatusCritical, Latency: latency, ErrorRate: c.sessionErrs.rate(), LastCheck: time.Now(), Error: err.Error()}
	}
	status := StatusHealthy
	if c.sessionErrs.rate() > 0.05 {
		status = StatusWarning
	}
	return ComponentHealth{Status: status, Latency: latency, ErrorRate: c.sessionErrs.rate(), LastCheck: time.Now()}
}

func (c *Checker) probeSessionStore(ctx context.Context) ComponentHealth {
	start := time.Now()
	if c.store == nil {
		return ComponentHealth{Status: StatusDown, LastCheck: start, Details: map[string]interface{}{"reason": "not configured"}}
	}
	ids, err := c.store.ListActive(ctx)
	latency := time.Since(start)
	if err != nil {
		return ComponentHealth{Status: StatusCritical, Latency: latency, LastCheck: time.Now(), Error: err.Error()}
	}
	return ComponentHealth{
		Status:    StatusHealthy,
		Latency:   latency,
		LastCheck: time.Now(),
		Details:   map[string]interface{}{"active_sessions": len(ids)},
	}
}

func (c *Checker) probeRedis(ctx context.Context) ComponentHealth {
	start := time.Now()
	if c.pool == nil {
		return ComponentHealth{Status: StatusDown, LastCheck: start, Details: map[string]interface{}{"reason": "not configured"}}
	}
	err := c.pool.HealthCheck(ctx)
	c.redisErrs.record(err)
	latency := time.Since(start)

	if err != nil {
		return ComponentHealth{Status: StatusCritical, Latency: latency, ErrorRate: c.redisErrs.rate(), LastCheck: time.Now(), Error: err.Error()}
	}

	status := StatusHealthy
	if c.pool.BreakerState() == connpool.StateHalfOpen {
		status = StatusWarning
	} else if c.pool.BreakerState() == connpool.StateOpen {
		status = StatusCritical
	}
	return ComponentHealth{
		Status:    status,
		Latency:   latency,
		ErrorRate: c.redisErrs.rate(),
		LastCheck: time.Now(),
		Details:   map[string]interface{}{"breaker_state": breakerStateName(c.pool.BreakerState())},
	}
}

func breakerStateName(s connpool.State) string {
	switch s {
	case connpool.StateClosed:
		return "closed"
	case connpool.StateHalfOpen:
		return "half_open"
	case connpool.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
