// Package rcache implements the proxy's process-wide answer/value cache
// (spec §3 "RData"/"RKey", §4.2 "RCache"). It is a bounded LRU keyed by a
// 160-bit fingerprint, with epoch-based bulk invalidation: clear() bumps a
// revision counter in O(1) instead of walking the map, and a lookup only
// returns entries stamped with the current epoch (spec invariant: "For any
// revision epoch E, every reachable entry ... has revision-epoch == E").
//
// Grounded on the teacher's serv/cache_memory.go (hashicorp/golang-lru/v2
// backing store, atomic metrics counters) generalized from a single
// response-cache type to RCache's three payload kinds (answer cache,
// memcache mirror, local KV).
package rcache

import (
	"crypto/sha1" //nolint:gosec // fingerprint only, not a security boundary
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// RKey is the 160-bit fingerprint identifying a cache entry.
type RKey [20]byte

// KeyAnswer builds the RKey for an external-service answer cache entry:
// fingerprint of (service, method, args-bytes), per spec §3.
func KeyAnswer(service, method string, args []byte) RKey {
	h := sha1.New() //nolint:gosec
	h.Write([]byte{'A'})
	writeLP(h, service)
	writeLP(h, method)
	h.Write(args)
	return toKey(h.Sum(nil))
}

// KeyMemcache builds the RKey for a memcache value mirror: (service, key).
func KeyMemcache(service, key string) RKey {
	h := sha1.New() //nolint:gosec
	h.Write([]byte{'M'})
	writeLP(h, service)
	writeLP(h, key)
	return toKey(h.Sum(nil))
}

// KeyLocal builds the RKey for a local-cache (LCache) entry: (key) alone.
func KeyLocal(key string) RKey {
	h := sha1.New() //nolint:gosec
	h.Write([]byte{'L'})
	writeLP(h, key)
	return toKey(h.Sum(nil))
}

func writeLP(h interface{ Write([]byte) (int, error) }, s string) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(s)))
	h.Write(l[:])
	h.Write([]byte(s))
}

func toKey(sum []byte) RKey {
	var k RKey
	copy(k[:], sum)
	return k
}

// Type distinguishes what an RData payload represents.
type Type int

const (
	TypeAnswer Type = iota
	TypeMemcache
	TypeLocal
)

// RData is one cache entry: an immutable record once stored (replace()
// always creates a fresh value rather than mutating in place, so any
// reader holding one is safe even if the map slot is later overwritten).
type RData struct {
	CTime   int64
	Type    Type
	Status  int
	Epoch   uint64
	Payload []byte
}

// Cache is the bounded LRU described in spec §4.2.
type Cache struct {
	mu    sync.Mutex
	lru   *lru.Cache[RKey, *RData]
	epoch atomic.Uint64

	failedReplace atomic.Uint64
}

// New builds a Cache with room for maxEntries. maxEntries <= 0 is coerced
// to a sane default.
func New(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = 100_000
	}
	l, err := lru.New[RKey, *RData](maxEntries)
	if err != nil {
		// Only returns an error for size <= 0, excluded above.
		panic(err)
	}
	return &Cache{lru: l}
}

func (c *Cache) currentEpoch() uint64 { return c.epoch.Load() }

// Find returns the entry at k iff it is live under the current epoch.
// It does not promote k to most-recently-used (spec: "no LRU promote").
func (c *Cache) Find(k RKey) (*RData, bool) {
	v, ok := c.lru.Peek(k)
	if !ok || v.Epoch != c.currentEpoch() {
		return nil, false
	}
	return v, true
}

// Use behaves like Find but promotes k to most-recently-used on a hit.
func (c *Cache) Use(k RKey) (*RData, bool) {
	v, ok := c.lru.Get(k)
	if !ok || v.Epoch != c.currentEpoch() {
		return nil, false
	}
	return v, true
}

// Replace stamps v with the current epoch and inserts/overwrites k,
// evicting the least-recently-used entry if the cache is over capacity.
// Replace only fails (returns false) on allocation exhaustion.
func (c *Cache) Replace(k RKey, v RData) bool {
	defer func() {
		if r := recover(); r != nil {
			c.failedReplace.Add(1)
		}
	}()
	v.Epoch = c.currentEpoch()
	c.lru.Add(k, &v)
	return true
}

// Remove deletes k if present, reporting whether it was present.
func (c *Cache) Remove(k RKey) bool {
	return c.lru.Remove(k)
}

// Plus atomically adds delta to the integer stored at k (spec §4.2):
//   - if k holds a live TypeLocal entry with CTime >= minCTime, the stored
//     value is read, delta is added, and the sum is written back with
//     CTime = now;
//   - otherwise delta itself becomes the new stored value.
//
// Returns the resulting value.
func (c *Cache) Plus(k RKey, delta int64, now time.Time, minCTime int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var cur int64
	if v, ok := c.lru.Get(k); ok && v.Epoch == c.currentEpoch() &&
		v.Type == TypeLocal && v.CTime >= minCTime && len(v.Payload) == 8 {
		cur = int64(binary.BigEndian.Uint64(v.Payload))
	}
	next := cur + delta

	var payload [8]byte
	binary.BigEndian.PutUint64(payload[:], uint64(next))
	c.Replace(k, RData{
		CTime:   now.Unix(),
		Type:    TypeLocal,
		Payload: payload[:],
	})
	return next
}

// Reap walks entries in LRU order (oldest first) evicting those with
// CTime < olderThan, stopping after maxN evictions. Returns the number
// evicted.
func (c *Cache) Reap(maxN int, olderThan int64) int {
	if maxN <= 0 {
		return 0
	}
	evicted := 0
	for _, k := range c.lru.Keys() {
		if evicted >= maxN {
			break
		}
		v, ok := c.lru.Peek(k)
		if !ok {
			continue
		}
		if v.CTime < olderThan {
			c.lru.Remove(k)
			evicted++
		}
	}
	return evicted
}

// Clear logically invalidates every entry by bumping the revision epoch;
// O(1), no keys are removed (spec §8 scenario 2).
func (c *Cache) Clear() {
	c.epoch.Add(1)
}

// Len returns the number of entries currently stored (including any that
// are logically stale under the current epoch but not yet evicted).
func (c *Cache) Len() int {
	return c.lru.Len()
}

// FailedReplaces reports how many Replace calls hit an allocation failure.
func (c *Cache) FailedReplaces() uint64 {
	return c.failedReplace.Load()
}
