// Package xiservant implements the external-service proxy described in
// spec §4.5: for each inbound quest, optionally serve out of RCache, else
// forward to an upstream RPC endpoint and mirror the answer back into
// RCache; periodically rebalance its upstream connection across resolved
// addresses; and keep per-method call/latency counters for the stats
// surface exposed through XiProxyCtrl.
//
// Grounded on the teacher's SWR (stale-while-revalidate) cache path in
// serv/cache_redis.go — consult cache, miss falls through to the real
// work, a background/async completion mirrors the result back into the
// cache — generalized from an HTTP response cache to an RPC answer cache
// sitting in front of an arbitrary upstream proxy connection.
package xiservant

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/halftwo/xigo/internal/rcache"
	"github.com/halftwo/xigo/internal/rpc"
	"github.com/halftwo/xigo/internal/util"
)

const (
	// DefaultSlowWarningMsec is the threshold past which a completed call
	// is logged as slow (spec §4.5).
	DefaultSlowWarningMsec = 1000
	// DefaultUltraSlowMsec is the threshold past which a completed call
	// is logged as ultra-slow and its upstream connection is recycled.
	DefaultUltraSlowMsec = 66_000
	// statusAnswerTTL is the fixed cache lifetime for answers carrying a
	// non-OK status, regardless of the requested CACHE ttl (spec §4.5).
	statusAnswerTTL = 1 * time.Second
)

// Upstream is the underlying RPC proxy connection an XiServant forwards
// quests over. The real wire transport is out of scope for this module;
// callers supply an implementation (a real client, or a test double).
type Upstream interface {
	// Send forwards q and invokes done with the resulting answer once
	// the upstream replies. Implementations may call done synchronously
	// or from another goroutine.
	Send(ctx context.Context, q *rpc.Quest, done func(*rpc.Answer))
	// Endpoints returns the currently resolved upstream addresses.
	Endpoints() []string
	// Redial drops the current connection and opens a new one, optionally
	// preferring a specific endpoint (empty string picks per Endpoints()
	// order); used both by the periodic refresh and by the ultra-slow
	// recycle path.
	Redial(ctx context.Context, preferEndpoint string) error
}

// MethodStats is the per-method counter row in spec §4.5's metering
// table.
type MethodStats struct {
	Calls atomic.Int64
	Mark  atomic.Bool
}

// Servant is one external-service proxy instance.
type Servant struct {
	Service string

	upstream    Upstream
	cache       *rcache.Cache
	log         *zap.Logger
	refreshTime time.Duration

	slowWarningMsec int64
	ultraSlowMsec   int64

	totalCalls atomic.Int64
	inFlight   atomic.Int64
	cacheHits  atomic.Int64
	markAll    atomic.Bool

	methodsMu sync.Mutex
	methods   map[string]*MethodStats

	stopRefresh chan struct{}
}

// Config bundles the construction-time knobs for a Servant.
type Config struct {
	Service         string
	Upstream        Upstream
	Cache           *rcache.Cache
	Log             *zap.Logger
	RefreshTime     time.Duration // 0 disables periodic endpoint refresh
	SlowWarningMsec int64
	UltraSlowMsec   int64
}

func New(cfg Config) *Servant {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.SlowWarningMsec <= 0 {
		cfg.SlowWarningMsec = DefaultSlowWarningMsec
	}
	if cfg.UltraSlowMsec <= 0 {
		cfg.UltraSlowMsec = DefaultUltraSlowMsec
	}
	s := &Servant{
		Service:         cfg.Service,
		upstream:        cfg.Upstream,
		cache:           cfg.Cache,
		log:             cfg.Log,
		refreshTime:     cfg.RefreshTime,
		slowWarningMsec: cfg.SlowWarningMsec,
		ultraSlowMsec:   cfg.UltraSlowMsec,
		methods:         make(map[string]*MethodStats),
		stopRefresh:     make(chan struct{}),
	}
	if cfg.RefreshTime > 0 {
		go s.refreshLoop()
	}
	return s
}

func (s *Servant) methodStats(name string) *MethodStats {
	s.methodsMu.Lock()
	defer s.methodsMu.Unlock()
	ms, ok := s.methods[name]
	if !ok {
		ms = &MethodStats{}
		s.methods[name] = ms
	}
	return ms
}

// MarkMethod forces per-request tracing for name (spec's "mark" flag).
func (s *Servant) MarkMethod(name string, on bool) {
	s.methodStats(name).Mark.Store(on)
}

// MarkAll forces tracing for every method (spec's "markAll" flag).
func (s *Servant) MarkAll(on bool) { s.markAll.Store(on) }

// Process implements rpc.Servant: the RCache consult/fill dance from
// spec §4.5.
func (s *Servant) Process(ctx context.Context, q *rpc.Quest, w rpc.Waiter) {
	start := time.Now()
	s.totalCalls.Add(1)
	s.inFlight.Add(1)
	ms := s.methodStats(q.Method)
	ms.Calls.Add(1)
	traced := ms.Mark.Load() || s.markAll.Load()

	cacheTTL := q.IntCtx(rpc.CtxCache, 0)
	useCache := !q.Oneway() && cacheTTL > 0

	var key rcache.RKey
	if useCache {
		key = rcache.KeyAnswer(s.Service, q.Method, encodeArgs(q.Args))
		data, ok := s.cache.Use(key)
		if ok {
			ttl := time.Duration(cacheTTL) * time.Second
			if data.Status != int(rpc.StatusOK) {
				ttl = statusAnswerTTL
			}
			ok = time.Since(time.Unix(data.CTime, 0)) < ttl
		}
		if ok {
			s.cacheHits.Add(1)
			s.inFlight.Add(-1)
			if traced {
				s.log.Debug("xiservant cache hit", zap.String("service", s.Service), zap.String("method", q.Method))
			}
			// Reference the cached bytes directly rather than copying
			// them into a fresh Args map (spec §4.5 "external-storage
			// append"); Release is a no-op since the bytes are owned by
			// the cache entry, not borrowed from a pool.
			w.Process((&rpc.Answer{Status: rpc.Status(data.Status), Raw: data.Payload}).WithRelease(func() {}))
			return
		}
	}

	s.upstream.Send(ctx, q, func(a *rpc.Answer) {
		elapsed := time.Since(start)
		s.inFlight.Add(-1)
		s.logSlow(ctx, q, elapsed)

		if useCache {
			// Status-bearing (non-OK) answers get a fixed 1s lifetime
			// regardless of the requested TTL (spec §4.5); RCache itself
			// invalidates by epoch rather than per-entry countdown, so
			// the lifetime is checked against CTime on the hit path.
			s.cache.Replace(key, rcache.RData{
				CTime:   time.Now().Unix(),
				Type:    rcache.TypeAnswer,
				Status:  int(a.Status),
				Payload: encodeArgs(a.Args),
			})
		}
		if !q.Oneway() {
			w.Process(a)
		}
	})
}

func (s *Servant) logSlow(ctx context.Context, q *rpc.Quest, elapsed time.Duration) {
	ms := elapsed.Milliseconds()
	caller := q.StringCtx(rpc.CtxCaller)
	switch {
	case ms >= s.ultraSlowMsec:
		s.log.Warn("ultra-slow xiservant call",
			zap.String("service", s.Service), zap.String("method", q.Method),
			zap.String("caller", caller), zap.Duration("elapsed", elapsed))
		if err := s.upstream.Redial(ctx, ""); err != nil {
			s.log.Warn("ultra-slow recycle redial failed", zap.String("service", s.Service), zap.Error(err))
		}
	case ms >= s.slowWarningMsec:
		s.log.Warn("slow xiservant call",
			zap.String("service", s.Service), zap.String("method", q.Method),
			zap.String("caller", caller), zap.Duration("elapsed", elapsed))
	}
}

// refreshLoop periodically redials the upstream connection to rebalance
// across resolved addresses (spec §4.5: "every refresh_time * (1.0 + 10%
// jitter) seconds").
func (s *Servant) refreshLoop() {
	for {
		wait := util.Jitter(s.refreshTime, 0.1)
		select {
		case <-time.After(wait):
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.upstream.Redial(ctx, ""); err != nil {
				s.log.Warn("periodic endpoint refresh failed", zap.String("service", s.Service), zap.Error(err))
			}
			cancel()
		case <-s.stopRefresh:
			return
		}
	}
}

// Close stops the periodic refresh goroutine.
func (s *Servant) Close() { close(s.stopRefresh) }

// Stats is a point-in-time snapshot for XiProxyCtrl's `stats` op.
type Stats struct {
	TotalCalls int64
	InFlight   int64
	CacheHits  int64
}

func (s *Servant) Snapshot() Stats {
	return Stats{
		TotalCalls: s.totalCalls.Load(),
		InFlight:   s.inFlight.Load(),
		CacheHits:  s.cacheHits.Load(),
	}
}

func encodeArgs(args map[string]any) []byte {
	if len(args) == 0 {
		return nil
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sortStrings(keys)
	var buf []byte
	for _, k := range keys {
		buf = append(buf, k...)
		buf = append(buf, '=')
		buf = append(buf, []byte(toString(args[k]))...)
		buf = append(buf, ';')
	}
	return buf
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return ""
	}
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
