package dbpool

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, maxAll, maxRead int) (*Pool, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	p := New("test", db, maxAll, maxRead, WithPingInterval(time.Hour), WithReconInterval(10*time.Millisecond))
	return p, mock
}

func TestAcquireRespectsCeilingAndReleaseReusesIdle(t *testing.T) {
	p, _ := newTestPool(t, 2, 1)
	ctx := context.Background()

	cn1, ok := p.Acquire(ctx, p.MaxAll)
	require.True(t, ok)
	assert.Equal(t, 1, p.NumBusy())

	cn2, ok := p.Acquire(ctx, p.MaxAll)
	require.True(t, ok)
	assert.Equal(t, 2, p.NumBusy())

	_, ok = p.Acquire(ctx, p.MaxAll)
	assert.False(t, ok, "ceiling reached")

	p.Release(cn1, true)
	assert.Equal(t, 1, p.NumBusy())

	cn3, ok := p.Acquire(ctx, p.MaxAll)
	require.True(t, ok)
	assert.Equal(t, 2, p.NumBusy())

	p.Release(cn2, true)
	p.Release(cn3, true)
}

func TestReleaseUnhealthyEmptyFlagsErroredAndReconnects(t *testing.T) {
	p, _ := newTestPool(t, 2, 1)
	ctx := context.Background()

	cn, ok := p.Acquire(ctx, p.MaxAll)
	require.True(t, ok)

	p.Release(cn, false)

	require.Eventually(t, func() bool { return !p.Errored() }, time.Second, 5*time.Millisecond)
}

func TestFaultCooldownBlocksAcquire(t *testing.T) {
	p, _ := newTestPool(t, 2, 1)
	p.faultCooldown = 50 * time.Millisecond
	p.Fault()

	_, ok := p.Acquire(context.Background(), p.MaxAll)
	assert.False(t, ok)

	time.Sleep(60 * time.Millisecond)
	_, ok = p.Acquire(context.Background(), p.MaxAll)
	assert.True(t, ok)
}
