package bigservant

import (
	"context"
	"fmt"

	"github.com/halftwo/xigo/internal/rcache"
	"github.com/halftwo/xigo/internal/rpc"
)

// servantStats is implemented by servants that expose per-instance call
// counters (servants wrapped by WrapStats); XiProxyCtrl's `stats` op
// skips servants that don't.
type servantStats interface {
	Snapshot() statsSnapshot
}

// statsSnapshot mirrors xiservant.Stats's shape without creating an
// import cycle; servants from other packages satisfy servantStats by
// being wrapped with WrapStats.
type statsSnapshot struct {
	TotalCalls int64
	InFlight   int64
	CacheHits  int64
}

// markable is implemented by servants that support forced tracing.
type markable interface {
	MarkMethod(name string, on bool)
	MarkAll(on bool)
}

// StatsSource is how a wiring-layer servant (e.g. internal/xiservant's,
// whose own Stats type is exported and therefore can't directly satisfy
// the package-local servantStats interface) reports its call counters to
// WrapStats without this package needing to import it.
type StatsSource interface {
	StatsSnapshot() (totalCalls, inFlight, cacheHits int64)
}

// statsAdapter makes an arbitrary rpc.Servant satisfy servantStats (and,
// when the wrapped servant supports it, markable) without exporting
// statsSnapshot itself.
type statsAdapter struct {
	rpc.Servant
	src  StatsSource
	mark markable
}

func (a *statsAdapter) Snapshot() statsSnapshot {
	tc, inFlight, hits := a.src.StatsSnapshot()
	return statsSnapshot{TotalCalls: tc, InFlight: inFlight, CacheHits: hits}
}

func (a *statsAdapter) MarkMethod(name string, on bool) {
	if a.mark != nil {
		a.mark.MarkMethod(name, on)
	}
}

func (a *statsAdapter) MarkAll(on bool) {
	if a.mark != nil {
		a.mark.MarkAll(on)
	}
}

// WrapStats wraps s so Registry/Ctrl see a servant satisfying both
// servantStats and markable, sourcing its counters from src. Used at
// cmd/xiproxy wiring time for servants (internal/xiservant.Servant) whose
// own Stats type is exported and so cannot directly implement this
// package's unexported statsSnapshot return type.
func WrapStats(s rpc.Servant, src StatsSource) rpc.Servant {
	m, _ := s.(markable)
	return &statsAdapter{Servant: s, src: src, mark: m}
}

// Ctrl implements the XiProxyCtrl RPC surface: stats/getProxyInfo/
// markProxyMethods/clearCache (spec §6, §4.6).
type Ctrl struct {
	reg   *Registry
	cache *rcache.Cache
}

func NewCtrl(reg *Registry, cache *rcache.Cache) *Ctrl {
	return &Ctrl{reg: reg, cache: cache}
}

// ProxyInfo is the `getProxyInfo` op's reply: the full set of configured
// service identities.
type ProxyInfo struct {
	Services []string
}

func (c *Ctrl) GetProxyInfo() ProxyInfo {
	return ProxyInfo{Services: c.reg.Names()}
}

// MarkProxyMethods forces or clears per-request tracing for one method
// of one service; method=="" toggles that service's markAll flag. It
// returns false for an empty service name, for a service that is not
// constructed yet, and for a servant that does not support marking.
func (c *Ctrl) MarkProxyMethods(service, method string, on bool) bool {
	if service == "" {
		return false
	}
	s, ok := c.reg.Lookup(service, false)
	if !ok {
		return false
	}
	m, ok := s.(markable)
	if !ok {
		return false
	}
	if method == "" {
		m.MarkAll(on)
	} else {
		m.MarkMethod(method, on)
	}
	return true
}

// ClearCache invalidates the shared RCache (spec §4.2's Clear, an O(1)
// epoch bump).
func (c *Ctrl) ClearCache() {
	c.cache.Clear()
}

// Stats reports the RCache entry and failed-replace counts, plus, for
// every configured servant that is already constructed and implements
// servantStats, its counters under "<name>.total_calls",
// "<name>.in_flight" and "<name>.cache_hits".
func (c *Ctrl) Stats() map[string]int64 {
	out := map[string]int64{
		"rcache_len":            int64(c.cache.Len()),
		"rcache_failed_replace": int64(c.cache.FailedReplaces()),
	}
	for _, name := range c.reg.Names() {
		s, ok := c.reg.Lookup(name, false)
		if !ok {
			continue
		}
		ss, ok := s.(servantStats)
		if !ok {
			continue
		}
		snap := ss.Snapshot()
		out[name+".total_calls"] = snap.TotalCalls
		out[name+".in_flight"] = snap.InFlight
		out[name+".cache_hits"] = snap.CacheHits
	}
	return out
}

// Process implements rpc.Servant for the `XiProxyCtrl` service named in
// spec §6: stats/getProxyInfo/markProxyMethods/clearCache.
func (c *Ctrl) Process(ctx context.Context, q *rpc.Quest, w rpc.Waiter) {
	switch q.Method {
	case "stats":
		c.reply(w, q.Oneway(), map[string]any{"stats": c.Stats()})

	case "getProxyInfo":
		c.reply(w, q.Oneway(), map[string]any{"services": c.GetProxyInfo().Services})

	case "markProxyMethods":
		service, _ := q.Args["service"].(string)
		method, _ := q.Args["method"].(string)
		on, _ := q.Args["on"].(bool)
		ok := c.MarkProxyMethods(service, method, on)
		c.reply(w, q.Oneway(), map[string]any{"ok": ok})

	case "clearCache":
		c.ClearCache()
		c.reply(w, q.Oneway(), nil)

	default:
		if !q.Oneway() {
			w.Process(rpc.NewError(rpc.StatusArgument, fmt.Sprintf("xiproxyctrl: unknown method %q", q.Method)))
		}
	}
}

func (c *Ctrl) reply(w rpc.Waiter, oneway bool, args map[string]any) {
	if !oneway {
		w.Process(rpc.NewAnswer(args))
	}
}
