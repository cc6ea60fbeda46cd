package rds

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := NewClient(ClientOptions{Addr: mr.Addr()}, zap.NewNop())
	return c, mr
}

func TestCall1SetAndGet(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.Call1(ctx, Command{Name: "SET", Args: []any{"k", "v"}})
	require.NoError(t, err)

	v, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), v)
}

func TestCallNPipeline(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	results, err := c.CallN(ctx, []Command{
		{Name: "SET", Args: []any{"a", "1"}},
		{Name: "SET", Args: []any{"b", "2"}},
		{Name: "GET", Args: []any{"a"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "1", results[2])
}

func TestCallTTransaction(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	results, err := c.CallT(ctx, []Command{
		{Name: "SET", Args: []any{"foo", "1"}},
		{Name: "INCR", Args: []any{"foo"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.EqualValues(t, 2, results[1])
}

func TestRejectedCommandsAreRefused(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	_, err := c.Call1(ctx, Command{Name: "MULTI"})
	assert.Error(t, err)

	_, err = c.CallN(ctx, []Command{{Name: "SUBSCRIBE", Args: []any{"chan"}}})
	assert.Error(t, err)
}

func TestSetDefaultExpire(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	ttl := mr.TTL("k")
	assert.Equal(t, DefaultExpire, ttl)
}

func TestSetNegativeExpireSkipsExpire(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", -1))
	assert.Equal(t, time.Duration(0), mr.TTL("k"))
}

func TestIncrementDecrement(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	n, err := c.Increment(ctx, "counter", 5)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)

	n, err = c.Decrement(ctx, "counter", 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestAvailabilityFlipsOnServerDown(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	c.retryIval = time.Hour // keep isAvailable's inline re-probe from running during the assertion

	mr.Close()
	_, err := c.Call1(ctx, Command{Name: "GET", Args: []any{"k"}})
	assert.Error(t, err)
	assert.False(t, c.isAvailable())
}
