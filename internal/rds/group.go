package rds

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/halftwo/xigo/internal/hashseq"
)

// ServerSpec names one Redis backend, its routing weight and its
// password (spec §6: `password^` prefix on the `Redis~*` config line).
type ServerSpec struct {
	Addr     string
	Password string
	Weight   int
}

// Group is a sharded Redis client: keys are routed through
// internal/hashseq (spec §4.1, §4.4), each to its first-choice server.
// Unlike the memcached Group, a failed op is not retried on another
// server.
type Group struct {
	seq     *hashseq.Sequencer
	clients []*Client
	addrs   []string
	log     *zap.Logger
}

func NewGroup(servers []ServerSpec, log *zap.Logger) (*Group, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("rds: server list is empty")
	}
	if log == nil {
		log = zap.NewNop()
	}
	buckets := make([]hashseq.Bucket, len(servers))
	clients := make([]*Client, len(servers))
	addrs := make([]string, len(servers))
	for i, s := range servers {
		w := s.Weight
		if w <= 0 {
			w = 1
		}
		buckets[i] = hashseq.Bucket{Identity: []byte(s.Addr), Weight: w}
		clients[i] = NewClient(ClientOptions{Addr: s.Addr, Password: s.Password}, log)
		addrs[i] = s.Addr
	}
	return &Group{seq: hashseq.New(buckets), clients: clients, addrs: addrs, log: log}, nil
}

func (g *Group) clientFor(key string) *Client {
	idx := g.seq.Which(hashseq.Hash32([]byte(key)))
	return g.clients[idx]
}

// WhichServer reports the address a key is routed to, for diagnostics
// (spec §4.4's `whichServer` op).
func (g *Group) WhichServer(key string) string {
	return g.clientFor(key).Addr
}

// AllServers lists every configured backend address (spec's `allServers`
// op).
func (g *Group) AllServers() []string {
	out := make([]string, len(g.addrs))
	copy(out, g.addrs)
	return out
}

func (g *Group) Call1(ctx context.Context, key string, cmd Command) (any, error) {
	return g.clientFor(key).Call1(ctx, cmd)
}

func (g *Group) CallN(ctx context.Context, key string, cmds []Command) ([]any, error) {
	return g.clientFor(key).CallN(ctx, cmds)
}

func (g *Group) CallT(ctx context.Context, key string, cmds []Command) ([]any, error) {
	return g.clientFor(key).CallT(ctx, cmds)
}

func (g *Group) Set(ctx context.Context, key string, value any, expireSeconds int) error {
	return g.clientFor(key).Set(ctx, key, value, time.Duration(expireSeconds)*time.Second)
}

func (g *Group) Delete(ctx context.Context, key string) error {
	return g.clientFor(key).Delete(ctx, key)
}

func (g *Group) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	return g.clientFor(key).Increment(ctx, key, delta)
}

func (g *Group) Decrement(ctx context.Context, key string, delta int64) (int64, error) {
	return g.clientFor(key).Decrement(ctx, key, delta)
}

func (g *Group) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return g.clientFor(key).Get(ctx, key)
}

// GetMulti groups keys by the server they route to and issues one MGET
// per server, merging the results back under the caller's original keys
// (spec §4.4: "getMulti groups by server using the sequencer and issues
// MGET per server").
func (g *Group) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	byClient := make(map[int][]string)
	for _, k := range keys {
		idx := g.seq.Which(hashseq.Hash32([]byte(k)))
		byClient[idx] = append(byClient[idx], k)
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		result  = make(map[string][]byte, len(keys))
		firstEr error
	)
	for idx, ks := range byClient {
		idx, ks := idx, ks
		wg.Add(1)
		go func() {
			defer wg.Done()
			args := make([]any, len(ks))
			for i, k := range ks {
				args[i] = k
			}
			v, err := g.clients[idx].Call1(ctx, Command{Name: "MGET", Args: args})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				g.log.Warn("getMulti shard failed", zap.String("addr", g.clients[idx].Addr), zap.Error(err))
				if firstEr == nil {
					firstEr = err
				}
				return
			}
			vals, ok := v.([]any)
			if !ok {
				return
			}
			for i, raw := range vals {
				if i >= len(ks) || raw == nil {
					continue
				}
				switch s := raw.(type) {
				case string:
					result[ks[i]] = []byte(s)
				case []byte:
					result[ks[i]] = s
				}
			}
		}()
	}
	wg.Wait()
	if len(result) == 0 && firstEr != nil {
		return nil, firstEr
	}
	return result, nil
}
