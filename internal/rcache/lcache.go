package rcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/halftwo/xigo/internal/rpc"
)

// LCache adapts a Cache to the `LCache` RPC surface named in spec §6:
// set/get/get_or_set/get_and_set/getAll/plus/remove/remove_answer/
// get_answer/remove_mcache/get_mcache. The underlying Cache already does
// the hard part (epoch invalidation, LRU eviction); this type only maps
// quest args to the right RKey namespace and payload shape.
type LCache struct {
	cache *Cache

	// mu serializes the read-modify-write pair in GetOrSet/GetAndSet;
	// Cache itself has no atomic swap beyond Plus's integer case.
	mu sync.Mutex
}

func NewLCache(cache *Cache) *LCache {
	return &LCache{cache: cache}
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argBytes(args map[string]any, key string) []byte {
	switch v := args[key].(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	}
	return nil
}

func argInt64(args map[string]any, key string) int64 {
	switch v := args[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func argStrings(args map[string]any, key string) []string {
	raw, _ := args[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (l *LCache) reply(w rpc.Waiter, oneway bool, args map[string]any) {
	if !oneway {
		w.Process(rpc.NewAnswer(args))
	}
}

// Process implements rpc.Servant for the LCache service.
func (l *LCache) Process(ctx context.Context, q *rpc.Quest, w rpc.Waiter) {
	now := time.Now()
	switch q.Method {
	case "set":
		k := KeyLocal(argString(q.Args, "key"))
		l.cache.Replace(k, RData{CTime: now.Unix(), Type: TypeLocal, Payload: argBytes(q.Args, "value")})
		l.reply(w, q.Oneway(), nil)

	case "get":
		k := KeyLocal(argString(q.Args, "key"))
		v, ok := l.cache.Use(k)
		if !ok {
			if !q.Oneway() {
				w.Process(rpc.NewError(rpc.StatusNotFound, "no such key"))
			}
			return
		}
		l.reply(w, q.Oneway(), map[string]any{"value": v.Payload})

	case "get_or_set":
		k := KeyLocal(argString(q.Args, "key"))
		l.mu.Lock()
		v, ok := l.cache.Use(k)
		if !ok {
			payload := argBytes(q.Args, "value")
			l.cache.Replace(k, RData{CTime: now.Unix(), Type: TypeLocal, Payload: payload})
			l.mu.Unlock()
			l.reply(w, q.Oneway(), map[string]any{"value": payload, "found": false})
			return
		}
		l.mu.Unlock()
		l.reply(w, q.Oneway(), map[string]any{"value": v.Payload, "found": true})

	case "get_and_set":
		k := KeyLocal(argString(q.Args, "key"))
		l.mu.Lock()
		prev, had := l.cache.Use(k)
		l.cache.Replace(k, RData{CTime: now.Unix(), Type: TypeLocal, Payload: argBytes(q.Args, "value")})
		l.mu.Unlock()
		if !had {
			l.reply(w, q.Oneway(), map[string]any{"found": false})
			return
		}
		l.reply(w, q.Oneway(), map[string]any{"value": prev.Payload, "found": true})

	case "getAll":
		keys := argStrings(q.Args, "keys")
		out := make(map[string]any, len(keys))
		for _, key := range keys {
			if v, ok := l.cache.Use(KeyLocal(key)); ok {
				out[key] = v.Payload
			}
		}
		l.reply(w, q.Oneway(), map[string]any{"values": out})

	case "plus":
		k := KeyLocal(argString(q.Args, "key"))
		n := l.cache.Plus(k, argInt64(q.Args, "delta"), now, argInt64(q.Args, "min_ctime"))
		l.reply(w, q.Oneway(), map[string]any{"value": n})

	case "remove":
		ok := l.cache.Remove(KeyLocal(argString(q.Args, "key")))
		l.reply(w, q.Oneway(), map[string]any{"removed": ok})

	case "remove_answer":
		k := KeyAnswer(argString(q.Args, "service"), argString(q.Args, "method"), argBytes(q.Args, "args"))
		ok := l.cache.Remove(k)
		l.reply(w, q.Oneway(), map[string]any{"removed": ok})

	case "get_answer":
		k := KeyAnswer(argString(q.Args, "service"), argString(q.Args, "method"), argBytes(q.Args, "args"))
		v, ok := l.cache.Use(k)
		if !ok {
			if !q.Oneway() {
				w.Process(rpc.NewError(rpc.StatusNotFound, "no such answer"))
			}
			return
		}
		l.reply(w, q.Oneway(), map[string]any{"value": v.Payload, "status": v.Status})

	case "remove_mcache":
		k := KeyMemcache(argString(q.Args, "service"), argString(q.Args, "key"))
		ok := l.cache.Remove(k)
		l.reply(w, q.Oneway(), map[string]any{"removed": ok})

	case "get_mcache":
		k := KeyMemcache(argString(q.Args, "service"), argString(q.Args, "key"))
		v, ok := l.cache.Use(k)
		if !ok {
			if !q.Oneway() {
				w.Process(rpc.NewError(rpc.StatusNotFound, "no such entry"))
			}
			return
		}
		l.reply(w, q.Oneway(), map[string]any{"value": v.Payload})

	default:
		if !q.Oneway() {
			w.Process(rpc.NewError(rpc.StatusArgument, fmt.Sprintf("lcache: unknown method %q", q.Method)))
		}
	}
}
