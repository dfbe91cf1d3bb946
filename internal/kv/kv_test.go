package kv_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coordcore/sessioncore/internal/kv"
)

func newTestFacade(t *testing.T) (*kv.RedisFacade, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return kv.New(client, nil), mr
}

func TestHashRoundTrip(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()

	require.NoError(t, f.HSet(ctx, "session:1", map[string]string{"state": "active"}))

	v, err := f.HGet(ctx, "session:1", "state")
	require.NoError(t, err)
	require.Equal(t, "active", v)

	all, err := f.HGetAll(ctx, "session:1")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"state": "active"}, all)
}

func TestHGetMissingFieldReturnsNotFound(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()
	require.NoError(t, f.HSet(ctx, "session:1", map[string]string{"state": "active"}))

	_, err := f.HGet(ctx, "session:1", "missing")
	require.Error(t, err)
}

func TestZSetOrdering(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()

	require.NoError(t, f.ZAdd(ctx, "events:sess-1",
		kv.Member{Score: 0, Member: "INIT"},
		kv.Member{Score: 1, Member: "evt-1"},
		kv.Member{Score: 2, Member: "evt-2"},
	))

	card, err := f.ZCard(ctx, "events:sess-1")
	require.NoError(t, err)
	require.EqualValues(t, 3, card)

	all, err := f.ZRange(ctx, "events:sess-1", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"INIT", "evt-1", "evt-2"}, all)

	tail, err := f.ZRangeByScore(ctx, "events:sess-1", "1", "+inf")
	require.NoError(t, err)
	require.Equal(t, []string{"evt-1", "evt-2"}, tail)
}

func TestExpireOnMissingKey(t *testing.T) {
	f, _ := newTestFacade(t)
	err := f.Expire(context.Background(), "does-not-exist", 0)
	require.Error(t, err)
}

func TestPing(t *testing.T) {
	f, _ := newTestFacade(t)
	require.NoError(t, f.Ping(context.Background()))
}

func TestSetNXOnlySucceedsOnce(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()

	ok, err := f.SetNX(ctx, "lock:key", "holder-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.SetNX(ctx, "lock:key", "holder-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}
