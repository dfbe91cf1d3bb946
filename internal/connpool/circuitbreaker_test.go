package connpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coorderrors "github.com/coordcore/sessioncore/internal/errors"
)

func testBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 0.5,
		TimeWindow:       time.Minute,
		MinRequests:      2,
		OpenTimeout:      10 * time.Millisecond,
		HalfOpenMaxCalls: 1,
	}
}

func TestCircuitBreakerOpensAfterFailureThreshold(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig(), nil)
	ctx := context.Background()

	require.NoError(t, cb.Call(ctx, func(ctx context.Context) error { return nil }))
	err := cb.Call(ctx, func(ctx context.Context) error { return errors.New("boom") })
	assert.Error(t, err)
	err = cb.Call(ctx, func(ctx context.Context) error { return errors.New("boom") })
	assert.Error(t, err)

	assert.Equal(t, StateOpen, cb.State())

	err = cb.Call(ctx, func(ctx context.Context) error { return nil })
	require.Error(t, err)
	assert.True(t, coorderrors.IsTransient(err))
}

func TestCircuitBreakerHalfOpensAfterTimeoutAndCloses(t *testing.T) {
	cfg := testBreakerConfig()
	cb := NewCircuitBreaker(cfg, nil)
	ctx := context.Background()

	require.NoError(t, cb.Call(ctx, func(ctx context.Context) error { return nil }))
	_ = cb.Call(ctx, func(ctx context.Context) error { return errors.New("boom") })
	_ = cb.Call(ctx, func(ctx context.Context) error { return errors.New("boom") })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(cfg.OpenTimeout * 2)

	require.NoError(t, cb.Call(ctx, func(ctx context.Context) error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerOnStateChangeFires(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig(), nil)
	ctx := context.Background()

	var transitions []State
	cb.OnStateChange(func(from, to State) {
		transitions = append(transitions, to)
	})

	require.NoError(t, cb.Call(ctx, func(ctx context.Context) error { return nil }))
	_ = cb.Call(ctx, func(ctx context.Context) error { return errors.New("boom") })
	_ = cb.Call(ctx, func(ctx context.Context) error { return errors.New("boom") })

	require.NotEmpty(t, transitions)
	assert.Equal(t, StateOpen, transitions[len(transitions)-1])
}
