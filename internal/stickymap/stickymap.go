// Package stickymap implements DbMan's CallerKind map (spec §4.8):
// after a caller writes to a kind over a given transport connection,
// subsequent reads by the same (connection, caller, kind) triple route
// to the primary for STICKY_INTERVAL, masking replica lag.
//
// Grounded on internal/rcache's bounded-LRU shape (same
// hashicorp/golang-lru/v2 backing store) generalized from a
// content-addressed value cache to a small TTL-presence set keyed by an
// MD5 fingerprint of the (connection, caller, kind) triple.
package stickymap

import (
	"crypto/md5" //nolint:gosec // fingerprint only, not a security boundary
	"encoding/binary"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// STICKY_INTERVAL is how long a write keeps subsequent reads pinned to
// the primary (spec §4.8).
const STICKY_INTERVAL = 5 * time.Second

// DefaultMaxEntries is the suggested capacity bound (spec §9).
const DefaultMaxEntries = 65536

// Key is the MD5 fingerprint of a (connection, caller, kind) triple.
type Key [16]byte

// MakeKey builds the fingerprint for a given connection identifier,
// caller identity and kind name.
func MakeKey(connID uint64, caller, kind string) Key {
	h := md5.New() //nolint:gosec
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], connID)
	h.Write(b[:])
	writeLP(h, caller)
	writeLP(h, kind)
	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

func writeLP(h interface{ Write([]byte) (int, error) }, s string) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(s)))
	h.Write(l[:])
	h.Write([]byte(s))
}

// Map is the bounded LRU of recently-written (conn, caller, kind)
// triples.
type Map struct {
	mu  sync.Mutex
	lru *lru.Cache[Key, int64] // value is the write timestamp (unix seconds)
}

// New builds a Map with room for maxEntries. maxEntries <= 0 is coerced
// to DefaultMaxEntries.
func New(maxEntries int) *Map {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	l, err := lru.New[Key, int64](maxEntries)
	if err != nil {
		panic(err)
	}
	return &Map{lru: l}
}

// Replace inserts or refreshes k's write timestamp to now, evicting the
// least-recently-used entry if the map is over capacity.
func (m *Map) Replace(now time.Time, k Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Add(k, now.Unix())
}

// Find reports whether k has a live entry: present and its timestamp is
// strictly greater than now - STICKY_INTERVAL. An expired hit is
// deleted and reported as absent (spec §4.8: "on expired hit, delete
// and return false").
func (m *Map) Find(now time.Time, k Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts, ok := m.lru.Peek(k)
	if !ok {
		return false
	}
	cutoff := now.Add(-STICKY_INTERVAL).Unix()
	if ts <= cutoff {
		m.lru.Remove(k)
		return false
	}
	return true
}

// Reap evicts every entry with timestamp <= now - STICKY_INTERVAL. It
// checks every key, oldest first, and does not stop at the first
// still-live entry.
func (m *Map) Reap(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-STICKY_INTERVAL).Unix()
	evicted := 0
	for _, k := range m.lru.Keys() {
		ts, ok := m.lru.Peek(k)
		if !ok {
			continue
		}
		if ts <= cutoff {
			m.lru.Remove(k)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of entries currently stored.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}
