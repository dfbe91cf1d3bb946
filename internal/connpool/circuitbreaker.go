package connpool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	coorderrors "github.com/coordcore/sessioncore/internal/errors"
)

// State is the circuit breaker's operating state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type callResult struct {
	timestamp time.Time
	success   bool
}

// CircuitBreakerConfig configures the breaker guarding KV operations.
type CircuitBreakerConfig struct {
	FailureThreshold float64
	TimeWindow       time.Duration
	MinRequests      uint32
	OpenTimeout      time.Duration
	HalfOpenMaxCalls uint32
}

// CircuitBreaker fails Redis calls fast once the recent failure rate
// crosses FailureThreshold, re-probing after OpenTimeout. Adapted from
// the teacher's LLM circuit breaker to guard KV calls instead of an LLM
// client call.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu              sync.Mutex
	state           State
	lastStateChange time.Time
	halfOpenCalls   uint32
	results         []callResult

	logger *slog.Logger
	onStateChange func(from, to State)
}

func NewCircuitBreaker(cfg CircuitBreakerConfig, logger *slog.Logger) *CircuitBreaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreaker{
		cfg:             cfg,
		state:           StateClosed,
		lastStateChange: time.Now(),
		results:         make([]callResult, 0, 64),
		logger:          logger.With("component", "circuit_breaker"),
	}
}

// OnStateChange installs a callback invoked on every transition, used to
// drive MetricsHub gauges without connpool importing internal/metrics.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	cb.onStateChange = fn
	cb.mu.Unlock()
}

// Call runs op through the breaker, short-circuiting with
// CodeUnavailable when open.
func (cb *CircuitBreaker) Call(ctx context.Context, op func(ctx context.Context) error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := op(ctx)
	cb.after(err)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastStateChange) >= cb.cfg.OpenTimeout {
			cb.transition(StateHalfOpen)
			return nil
		}
		return coorderrors.New(coorderrors.CodeUnavailable, "circuit breaker open")
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.cfg.HalfOpenMaxCalls {
			return coorderrors.New(coorderrors.CodeUnavailable, "circuit breaker half-open, probe in flight")
		}
		cb.halfOpenCalls++
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.results = append(cb.results, callResult{timestamp: now, success: err == nil})
	cb.prune(now)

	switch cb.state {
	case StateClosed:
		if cb.shouldOpen() {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		if err == nil {
			cb.transition(StateClosed)
		} else {
			cb.transition(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) shouldOpen() bool {
	if uint32(len(cb.results)) < cb.cfg.MinRequests {
		return false
	}
	failures := 0
	for _, r := range cb.results {
		if !r.success {
			failures++
		}
	}
	return float64(failures)/float64(len(cb.results)) >= cb.cfg.FailureThreshold
}

func (cb *CircuitBreaker) prune(now time.Time) {
	cutoff := now.Add(-cb.cfg.TimeWindow)
	i := 0
	for ; i < len(cb.results); i++ {
		if cb.results[i].timestamp.After(cutoff) {
			break
		}
	}
	if i > 0 {
		cb.results = cb.results[i:]
	}
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	cb.lastStateChange = time.Now()
	cb.halfOpenCalls = 0
	if to == StateClosed {
		cb.results = cb.results[:0]
	}
	cb.logger.Info("circuit breaker state change", "from", from, "to", to)
	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
