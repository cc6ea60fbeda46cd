// Package hashseq implements the deterministic, weighted bucket-ordering
// sequencer described in spec §4.1: given a set of weighted buckets and a
// 32-bit key hash, produce a permutation of bucket indices whose first k
// entries are the top-k preferred buckets for that key (a consistent-hash
// style failover ladder).
//
// The ranking is rendezvous hashing (highest-random-weight): each bucket's
// score is an independent pseudo-random draw shaped by its weight, so
// adding or removing one bucket only perturbs the ranking for the keys
// that would have picked that bucket, and doubling a bucket's weight
// roughly doubles its share of first-choice picks over uniform keys.
package hashseq

import (
	"math"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Bucket is one failover-ladder entry: an opaque identity (e.g. a server's
// host+port string) and its relative weight. Weight must be > 0.
type Bucket struct {
	Identity []byte
	Weight   int
}

// Sequencer holds an immutable, ordered set of buckets and answers
// which()/sequence() queries against it. It is safe for concurrent use
// (it never mutates after construction) and keeps a small cache of
// recently computed permutations keyed by input hash.
type Sequencer struct {
	buckets []Bucket

	cacheMu sync.RWMutex
	cache   map[uint32][]int
}

// New builds a Sequencer over buckets. The slice is copied; weights <= 0
// are coerced to 1.
func New(buckets []Bucket) *Sequencer {
	bs := make([]Bucket, len(buckets))
	for i, b := range buckets {
		w := b.Weight
		if w <= 0 {
			w = 1
		}
		id := make([]byte, len(b.Identity))
		copy(id, b.Identity)
		bs[i] = Bucket{Identity: id, Weight: w}
	}
	return &Sequencer{buckets: bs, cache: make(map[uint32][]int)}
}

// Len returns the number of buckets.
func (s *Sequencer) Len() int { return len(s.buckets) }

// Hash32 computes the 32-bit key hash used by Which/Sequence, from an
// arbitrary byte key. Any stable, well-distributed hash satisfies spec
// §9's open question on this point; this uses 64-bit xxhash
// (cespare/xxhash/v2) truncated to 32 bits. The LZ4 framing checksum is a
// separate xxhash32 implementation (pierrec/xxHash).
func Hash32(key []byte) uint32 {
	return uint32(xxhash.Sum64(key))
}

// score returns a float in [0, 1) that is a deterministic function of
// (bucket identity, keyhash), used as the rendezvous draw.
func score(identity []byte, keyhash uint32) float64 {
	h := xxhash.New()
	h.Write(identity)
	var kh [4]byte
	kh[0] = byte(keyhash >> 24)
	kh[1] = byte(keyhash >> 16)
	kh[2] = byte(keyhash >> 8)
	kh[3] = byte(keyhash)
	h.Write(kh[:])
	sum := h.Sum64()
	// Map to (0,1): avoid exactly 0 so log() below never -Inf forever
	// (it would just mean that bucket never wins, which is fine, but we
	// still want no NaNs).
	u := float64(sum>>11) * (1.0 / (1 << 53))
	if u <= 0 {
		u = 1e-12
	}
	return u
}

// weightedScore turns the rendezvous draw into the final ranking score:
// higher weight -> higher expected score -> more often first choice.
func weightedScore(weight int, u float64) float64 {
	return -float64(weight) / math.Log(u)
}

type ranked struct {
	idx   int
	score float64
	id    []byte
}

func (s *Sequencer) rank(keyhash uint32) []int {
	s.cacheMu.RLock()
	if p, ok := s.cache[keyhash]; ok {
		s.cacheMu.RUnlock()
		return p
	}
	s.cacheMu.RUnlock()

	rs := make([]ranked, len(s.buckets))
	for i, b := range s.buckets {
		u := score(b.Identity, keyhash)
		rs[i] = ranked{idx: i, score: weightedScore(b.Weight, u), id: b.Identity}
	}
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].score != rs[j].score {
			return rs[i].score > rs[j].score
		}
		return compareBytes(rs[i].id, rs[j].id) < 0
	})

	perm := make([]int, len(rs))
	for i, r := range rs {
		perm[i] = r.idx
	}

	s.cacheMu.Lock()
	s.cache[keyhash] = perm
	s.cacheMu.Unlock()
	return perm
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return int(a[i]) - int(b[i])
		}
	}
	return len(a) - len(b)
}

// Which returns the first-choice bucket index for a key hash. Panics if
// the sequencer has no buckets; callers must check Len() first.
func (s *Sequencer) Which(keyhash uint32) int {
	return s.rank(keyhash)[0]
}

// Sequence fills out with up to len(out) preferred bucket indices for
// keyhash, most preferred first, and returns the number written
// (min(len(out), Len())).
func (s *Sequencer) Sequence(keyhash uint32, out []int) int {
	perm := s.rank(keyhash)
	n := len(out)
	if n > len(perm) {
		n = len(perm)
	}
	copy(out[:n], perm[:n])
	return n
}
