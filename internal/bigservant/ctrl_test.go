package bigservant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halftwo/xigo/internal/config"
	"github.com/halftwo/xigo/internal/rcache"
	"github.com/halftwo/xigo/internal/rpc"
)

func TestCtrlGetProxyInfo(t *testing.T) {
	b := &stubBuilder{}
	r := New("10.0.0.1", b, nil)
	r.LoadConfig([]config.Entry{{Identity: "a", Internal: true}, {Identity: "b", Internal: true}})
	c := NewCtrl(r, rcache.New(16))

	info := c.GetProxyInfo()
	assert.ElementsMatch(t, []string{"a", "b"}, info.Services)
}

func TestCtrlClearCacheBumpsEpoch(t *testing.T) {
	b := &stubBuilder{}
	r := New("10.0.0.1", b, nil)
	cache := rcache.New(16)
	c := NewCtrl(r, cache)

	k := rcache.KeyLocal("x")
	cache.Replace(k, rcache.RData{Type: rcache.TypeLocal, Payload: []byte("v")})
	_, ok := cache.Find(k)
	require.True(t, ok)

	c.ClearCache()
	_, ok = cache.Find(k)
	assert.False(t, ok)
}

func TestCtrlMarkProxyMethodsUnknownService(t *testing.T) {
	b := &stubBuilder{}
	r := New("10.0.0.1", b, nil)
	c := NewCtrl(r, rcache.New(16))
	assert.False(t, c.MarkProxyMethods("nope", "m", true))
}

func TestCtrlStatsReportsCacheLen(t *testing.T) {
	b := &stubBuilder{}
	r := New("10.0.0.1", b, nil)
	cache := rcache.New(16)
	cache.Replace(rcache.KeyLocal("a"), rcache.RData{Type: rcache.TypeLocal})
	c := NewCtrl(r, cache)

	stats := c.Stats()
	assert.EqualValues(t, 1, stats["rcache_len"])
}

func callCtrl(c *Ctrl, q *rpc.Quest) *rpc.Answer {
	var got *rpc.Answer
	c.Process(context.Background(), q, rpc.WaiterFunc(func(a *rpc.Answer) { got = a }))
	return got
}

func TestCtrlProcessDispatchesKnownMethods(t *testing.T) {
	b := &stubBuilder{}
	r := New("10.0.0.1", b, nil)
	r.LoadConfig([]config.Entry{{Identity: "a", Internal: true}})
	c := NewCtrl(r, rcache.New(16))

	a := callCtrl(c, &rpc.Quest{Method: "getProxyInfo", Txid: 1})
	require.Equal(t, rpc.StatusOK, a.Status)
	services, _ := a.Args["services"].([]string)
	assert.Contains(t, services, "a")

	a = callCtrl(c, &rpc.Quest{Method: "clearCache", Txid: 1})
	assert.Equal(t, rpc.StatusOK, a.Status)
}

func TestCtrlProcessUnknownMethodReportsArgument(t *testing.T) {
	b := &stubBuilder{}
	r := New("10.0.0.1", b, nil)
	c := NewCtrl(r, rcache.New(16))
	a := callCtrl(c, &rpc.Quest{Method: "bogus", Txid: 1})
	assert.Equal(t, rpc.StatusArgument, a.Status)
}

type wrapStatsStub struct{ called int }

func (s *wrapStatsStub) Process(ctx context.Context, q *rpc.Quest, w rpc.Waiter) { s.called++ }

type fixedStatsSource struct{ total, inFlight, hits int64 }

func (f fixedStatsSource) StatsSnapshot() (int64, int64, int64) {
	return f.total, f.inFlight, f.hits
}

func TestWrapStatsSatisfiesServantStats(t *testing.T) {
	wrapped := WrapStats(&wrapStatsStub{}, fixedStatsSource{total: 5, inFlight: 1, hits: 3})

	snap := wrapped.(servantStats).Snapshot()
	assert.EqualValues(t, 5, snap.TotalCalls)
	assert.EqualValues(t, 1, snap.InFlight)
	assert.EqualValues(t, 3, snap.CacheHits)

	var w rpc.Waiter = rpc.WaiterFunc(func(a *rpc.Answer) {})
	wrapped.Process(context.Background(), &rpc.Quest{Method: "x", Txid: 1}, w)
	assert.Equal(t, 1, wrapped.(*statsAdapter).Servant.(*wrapStatsStub).called)
}
