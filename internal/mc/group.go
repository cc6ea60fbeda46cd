package mc

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/halftwo/xigo/internal/hashseq"
)

// FailoverDepth is the maximum length of a key's failover ladder, the
// primary server included (spec §4.3, "four-position failover ladder").
const FailoverDepth = 4

// Group is a sharded memcached client: keys are routed across a set of
// servers with internal/hashseq, and an operation that fails against its
// primary server retries against the next FailoverDepth-1 servers in the
// same deterministic order every caller would compute for that key.
type Group struct {
	seq     *hashseq.Sequencer
	clients []*Client
	log     *zap.Logger
}

// ServerSpec names one backend and its routing weight.
type ServerSpec struct {
	Addr   string
	Weight int
}

// NewGroup builds a Group from a server list, applying opts to every
// per-server Client.
func NewGroup(servers []ServerSpec, log *zap.Logger, opts ...Option) (*Group, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("mc: server list is empty")
	}
	buckets := make([]hashseq.Bucket, len(servers))
	clients := make([]*Client, len(servers))
	for i, s := range servers {
		w := s.Weight
		if w <= 0 {
			w = 1
		}
		buckets[i] = hashseq.Bucket{Identity: []byte(s.Addr), Weight: w}
		all := append([]Option{WithLogger(log)}, opts...)
		clients[i] = NewClient(s.Addr, all...)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Group{seq: hashseq.New(buckets), clients: clients, log: log}, nil
}

// Logger returns the Group's logger, for wrapping servants that need to
// log alongside it (e.g. key-escaping notices).
func (g *Group) Logger() *zap.Logger { return g.log }

// order returns the failover ladder for key: the primary server first,
// then up to FailoverDepth-1 successors. It does not look at the down
// flag; withFailover skips servers that are flagged down.
func (g *Group) order(key string) []int {
	h := hashseq.Hash32([]byte(key))
	depth := FailoverDepth
	if depth > len(g.clients) {
		depth = len(g.clients)
	}
	ranks := make([]int, len(g.clients))
	n := g.seq.Sequence(h, ranks)
	out := make([]int, 0, depth)
	for _, idx := range ranks[:n] {
		if len(out) == depth {
			break
		}
		out = append(out, idx)
	}
	return out
}

// withFailover runs fn against the primary client for key, then against
// successive failover clients until one succeeds or the ladder is
// exhausted.
func (g *Group) withFailover(ctx context.Context, key string, fn func(*Client) error) error {
	var lastErr error
	for _, idx := range g.order(key) {
		cl := g.clients[idx]
		if cl.Down() {
			continue
		}
		if err := fn(cl); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("mc: all servers in failover ladder for %q are down", key)
	}
	return lastErr
}

func (g *Group) clientFor(key string) *Client {
	idx := g.seq.Which(hashseq.Hash32([]byte(key)))
	return g.clients[idx]
}

func (g *Group) Set(ctx context.Context, key string, value []byte, flags uint32, exptime int, nozip bool) error {
	return g.withFailover(ctx, key, func(c *Client) error { return c.Set(ctx, key, value, flags, exptime, nozip) })
}

func (g *Group) Add(ctx context.Context, key string, value []byte, flags uint32, exptime int, nozip bool) error {
	return g.withFailover(ctx, key, func(c *Client) error { return c.Add(ctx, key, value, flags, exptime, nozip) })
}

func (g *Group) Replace(ctx context.Context, key string, value []byte, flags uint32, exptime int, nozip bool) error {
	return g.withFailover(ctx, key, func(c *Client) error { return c.Replace(ctx, key, value, flags, exptime, nozip) })
}

func (g *Group) Delete(ctx context.Context, key string) error {
	return g.withFailover(ctx, key, func(c *Client) error { return c.Delete(ctx, key) })
}

func (g *Group) Append(ctx context.Context, key string, value []byte) error {
	return g.withFailover(ctx, key, func(c *Client) error { return c.Append(ctx, key, value) })
}

func (g *Group) Prepend(ctx context.Context, key string, value []byte) error {
	return g.withFailover(ctx, key, func(c *Client) error { return c.Prepend(ctx, key, value) })
}

func (g *Group) Cas(ctx context.Context, key string, value []byte, flags uint32, exptime int, cas uint64, nozip bool) error {
	return g.withFailover(ctx, key, func(c *Client) error { return c.Cas(ctx, key, value, flags, exptime, cas, nozip) })
}

// WhichServer reports the address of the server key's primary shard
// currently routes to (spec §4.3 `whichServer`).
func (g *Group) WhichServer(key string) string {
	return g.clientFor(key).Addr
}

// AllServers lists every configured server address, in sharding order
// (spec §4.3 `allServers`).
func (g *Group) AllServers() []string {
	out := make([]string, len(g.clients))
	for i, c := range g.clients {
		out[i] = c.Addr
	}
	return out
}

func (g *Group) Incr(ctx context.Context, key string, delta uint64) (uint64, bool, error) {
	var n uint64
	var found bool
	err := g.withFailover(ctx, key, func(c *Client) error {
		var e error
		n, found, e = c.Incr(ctx, key, delta)
		return e
	})
	return n, found, err
}

func (g *Group) Decr(ctx context.Context, key string, delta uint64) (uint64, bool, error) {
	var n uint64
	var found bool
	err := g.withFailover(ctx, key, func(c *Client) error {
		var e error
		n, found, e = c.Decr(ctx, key, delta)
		return e
	})
	return n, found, err
}

func (g *Group) Get(ctx context.Context, key string) (Item, bool, error) {
	var it Item
	var found bool
	err := g.withFailover(ctx, key, func(c *Client) error {
		var e error
		it, found, e = c.Get(ctx, key)
		return e
	})
	return it, found, err
}

// GetMulti fans keys out to the server each is sharded to, gathers results
// concurrently, and merges them back into one map keyed by the original
// key (spec §4.3 "getMulti barrier/gather").
func (g *Group) GetMulti(ctx context.Context, keys []string) (map[string]Item, error) {
	byClient := make(map[int][]string)
	for _, k := range keys {
		idx := g.seq.Which(hashseq.Hash32([]byte(k)))
		byClient[idx] = append(byClient[idx], k)
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		result  = make(map[string]Item, len(keys))
		firstEr error
	)
	for idx, ks := range byClient {
		idx, ks := idx, ks
		wg.Add(1)
		go func() {
			defer wg.Done()
			items, err := g.clients[idx].GetsMulti(ctx, ks)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				g.log.Warn("getMulti shard failed", zap.String("addr", g.clients[idx].Addr), zap.Error(err))
				if firstEr == nil {
					firstEr = err
				}
				return
			}
			for k, v := range items {
				result[k] = v
			}
		}()
	}
	wg.Wait()
	if len(result) == 0 && firstEr != nil {
		return nil, firstEr
	}
	return result, nil
}
