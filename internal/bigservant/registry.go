// Package bigservant implements the registry/dispatcher described in
// spec §4.6: a service-name -> servant map with a one-entry "hint" lookup
// cache, lazy construction from the service-list config, endpoint
// reordering through the hash sequencer, revision-aware reload, and
// quest fan-out ("salvo").
//
// Grounded on the teacher's plugin registry (amitdeshmukh-graphjin's
// plugin system resolves a name to a handler, constructing lazily and
// caching the result) generalized to BigServant's specific revision-
// preserving reload semantics and multiplexed fan-out.
package bigservant

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/halftwo/xigo/internal/config"
	"github.com/halftwo/xigo/internal/hashseq"
	"github.com/halftwo/xigo/internal/rpc"
)

// Builder constructs a servant for one service-list entry. Internal
// entries (MCache/Redis) and external entries (an upstream proxy) are
// built differently; orderedEndpoints has already been passed through
// the hash sequencer keyed by this proxy's own address.
type Builder interface {
	BuildInternal(entry config.Entry) (rpc.Servant, error)
	BuildExternal(entry config.Entry, orderedEndpoints []config.Endpoint) (rpc.Servant, error)
}

type slot struct {
	servant  rpc.Servant
	entry    config.Entry
	revision uint64
}

// Registry is BigServant's service-name -> servant map.
type Registry struct {
	mu       sync.RWMutex
	slots    map[string]*slot
	config   map[string]config.Entry
	building map[string]chan struct{} // name -> closed-on-completion, while a build is in flight
	builder  Builder
	selfKey  []byte
	log      *zap.Logger
	revision uint64

	hintMu   sync.Mutex
	hintName string
	hintSlot *slot
}

// New builds an empty Registry. selfAddr is this proxy instance's own
// address, used as the hash-sequencer key so each instance preferentially
// targets a specific external backend (spec §4.6).
func New(selfAddr string, builder Builder, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		slots:    make(map[string]*slot),
		config:   make(map[string]config.Entry),
		building: make(map[string]chan struct{}),
		builder:  builder,
		selfKey:  []byte(selfAddr),
		log:      log,
	}
}

// Lookup resolves name to a servant. If load is true and no cached slot
// exists, it is constructed from the current config snapshot on demand.
func (r *Registry) Lookup(name string, load bool) (rpc.Servant, bool) {
	r.hintMu.Lock()
	if r.hintName == name && r.hintSlot != nil {
		s := r.hintSlot.servant
		r.hintMu.Unlock()
		return s, true
	}
	r.hintMu.Unlock()

	r.mu.RLock()
	sl, ok := r.slots[name]
	r.mu.RUnlock()
	if ok {
		r.setHint(name, sl)
		return sl.servant, true
	}
	if !load {
		return nil, false
	}

	// Guard construction so two concurrent first-access Lookups for the
	// same name don't each build their own servant (and leak one's
	// goroutines/connections when the loser is overwritten in the map):
	// only one caller per name actually builds; the rest wait on its
	// completion channel.
	r.mu.Lock()
	if sl, ok = r.slots[name]; ok {
		r.mu.Unlock()
		r.setHint(name, sl)
		return sl.servant, true
	}
	entry, ok := r.config[name]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	if ch, inFlight := r.building[name]; inFlight {
		r.mu.Unlock()
		<-ch
		r.mu.RLock()
		sl, ok := r.slots[name]
		r.mu.RUnlock()
		if !ok {
			return nil, false
		}
		r.setHint(name, sl)
		return sl.servant, true
	}
	rev := r.revision
	ch := make(chan struct{})
	r.building[name] = ch
	r.mu.Unlock()

	servant, err := r.build(entry)

	r.mu.Lock()
	delete(r.building, name)
	if err != nil {
		r.mu.Unlock()
		close(ch)
		r.log.Warn("bigservant: failed to construct servant", zap.String("service", name), zap.Error(err))
		return nil, false
	}
	sl = &slot{servant: servant, entry: entry, revision: rev}
	r.slots[name] = sl
	r.mu.Unlock()
	close(ch)

	r.setHint(name, sl)
	return servant, true
}

func (r *Registry) setHint(name string, sl *slot) {
	r.hintMu.Lock()
	r.hintName, r.hintSlot = name, sl
	r.hintMu.Unlock()
}

func (r *Registry) build(entry config.Entry) (rpc.Servant, error) {
	if entry.Internal {
		return r.builder.BuildInternal(entry)
	}
	ordered := r.reorderEndpoints(entry.Endpoints)
	return r.builder.BuildExternal(entry, ordered)
}

// reorderEndpoints ranks entry's endpoints through the hash sequencer
// keyed by this proxy's own address, so each proxy instance consistently
// prefers one backend over the others (spec §4.6).
func (r *Registry) reorderEndpoints(eps []config.Endpoint) []config.Endpoint {
	if len(eps) <= 1 {
		return eps
	}
	buckets := make([]hashseq.Bucket, len(eps))
	for i, ep := range eps {
		buckets[i] = hashseq.Bucket{Identity: []byte(fmt.Sprintf("%s+%s+%d", ep.Proto, ep.Host, ep.Port)), Weight: 1}
	}
	seq := hashseq.New(buckets)
	order := make([]int, len(eps))
	n := seq.Sequence(hashseq.Hash32(r.selfKey), order)
	out := make([]config.Endpoint, n)
	for i, idx := range order[:n] {
		out[i] = eps[idx]
	}
	return out
}

// LoadConfig installs entries as an entirely fresh config snapshot,
// identical to Reload but used for the very first load (no preservation
// logic needed since there is nothing yet to preserve).
func (r *Registry) LoadConfig(entries []config.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revision++
	r.config = make(map[string]config.Entry, len(entries))
	for _, e := range entries {
		r.config[e.Identity] = e
	}
}

// Reload installs a fresh config snapshot (spec §4.6, "every ~5s when the
// config file mtime changes"): entries whose revision no longer matches
// are dropped so the next Lookup rebuilds them; entries whose value and
// options are unchanged keep their existing servant instance and have
// their revision bumped in place.
func (r *Registry) Reload(entries []config.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.revision++
	newConfig := make(map[string]config.Entry, len(entries))
	for _, e := range entries {
		newConfig[e.Identity] = e
	}

	for name, sl := range r.slots {
		newEntry, stillPresent := newConfig[name]
		if !stillPresent || !sameEntry(sl.entry, newEntry) {
			delete(r.slots, name)
			continue
		}
		sl.revision = r.revision
	}
	r.config = newConfig

	r.hintMu.Lock()
	if sl, ok := r.slots[r.hintName]; !ok || sl != r.hintSlot {
		r.hintName, r.hintSlot = "", nil
	}
	r.hintMu.Unlock()
}

func sameEntry(a, b config.Entry) bool {
	if a.Options != b.Options || len(a.Endpoints) != len(b.Endpoints) {
		return false
	}
	for i := range a.Endpoints {
		if a.Endpoints[i] != b.Endpoints[i] {
			return false
		}
	}
	if len(a.MCacheAddrs) != len(b.MCacheAddrs) {
		return false
	}
	for i := range a.MCacheAddrs {
		if a.MCacheAddrs[i] != b.MCacheAddrs[i] {
			return false
		}
	}
	return a.RedisPass == b.RedisPass && sameStrings(a.RedisAddrs, b.RedisAddrs)
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Names lists every currently configured service identity (used by
// XiProxyCtrl's getProxyInfo).
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.config))
	for name := range r.config {
		out = append(out, name)
	}
	return out
}

// Process implements rpc.Servant, dispatching by q.Service.
func (r *Registry) Process(ctx context.Context, q *rpc.Quest, w rpc.Waiter) {
	s, ok := r.Lookup(q.Service, true)
	if !ok {
		if !q.Oneway() {
			w.Process(rpc.NewError(rpc.StatusNotFound, fmt.Sprintf("no such service %q", q.Service)))
		}
		return
	}
	s.Process(ctx, q, w)
}
