package mc

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/halftwo/xigo/internal/rpc"
)

// Servant adapts a Group to the `MCache~*` RPC surface named in spec §6:
// set/replace/add/append/prepend/cas/get/getMulti/delete/increment/
// decrement/whichServer/allServers.
type Servant struct {
	Group *Group
}

func NewServant(g *Group) *Servant { return &Servant{Group: g} }

func bytesArg(args map[string]any, key string) []byte {
	switch v := args[key].(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	}
	return nil
}

func strArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func boolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

func u32Arg(args map[string]any, key string) uint32 {
	switch v := args[key].(type) {
	case int:
		return uint32(v)
	case int64:
		return uint32(v)
	case float64:
		return uint32(v)
	case uint32:
		return v
	}
	return 0
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func u64Arg(args map[string]any, key string) uint64 {
	switch v := args[key].(type) {
	case int:
		return uint64(v)
	case int64:
		return uint64(v)
	case float64:
		return uint64(v)
	case uint64:
		return v
	}
	return 0
}

func (s *Servant) reply(w rpc.Waiter, oneway bool, args map[string]any, err error) {
	if oneway {
		return
	}
	if err != nil {
		w.Process(rpc.NewError(rpc.StatusUpstream, err.Error()))
		return
	}
	w.Process(rpc.NewAnswer(args))
}

// escapeKey re-maps a caller-supplied key into the wire-safe alphabet
// (spec §4.3: "RPC layer re-maps whitespace to a fixed escape alphabet
// before transmission"), logging a notice whenever it actually changes
// the key.
func (s *Servant) escapeKey(raw string) string {
	escaped := EscapeKey(raw)
	if escaped != raw {
		s.Group.Logger().Info("mcache: escaped key for wire transmission",
			zap.String("raw", raw), zap.String("escaped", escaped))
	}
	return escaped
}

// Process implements rpc.Servant for one sharded MCache group.
func (s *Servant) Process(ctx context.Context, q *rpc.Quest, w rpc.Waiter) {
	a := q.Args
	key := s.escapeKey(strArg(a, "key"))

	switch q.Method {
	case "set":
		err := s.Group.Set(ctx, key, bytesArg(a, "value"), u32Arg(a, "flags"), intArg(a, "exptime"), boolArg(a, "nozip"))
		s.reply(w, q.Oneway(), nil, err)

	case "add":
		err := s.Group.Add(ctx, key, bytesArg(a, "value"), u32Arg(a, "flags"), intArg(a, "exptime"), boolArg(a, "nozip"))
		s.reply(w, q.Oneway(), nil, err)

	case "replace":
		err := s.Group.Replace(ctx, key, bytesArg(a, "value"), u32Arg(a, "flags"), intArg(a, "exptime"), boolArg(a, "nozip"))
		s.reply(w, q.Oneway(), nil, err)

	case "append":
		err := s.Group.Append(ctx, key, bytesArg(a, "value"))
		s.reply(w, q.Oneway(), nil, err)

	case "prepend":
		err := s.Group.Prepend(ctx, key, bytesArg(a, "value"))
		s.reply(w, q.Oneway(), nil, err)

	case "cas":
		err := s.Group.Cas(ctx, key, bytesArg(a, "value"), u32Arg(a, "flags"), intArg(a, "exptime"), u64Arg(a, "cas"), boolArg(a, "nozip"))
		s.reply(w, q.Oneway(), nil, err)

	case "delete":
		err := s.Group.Delete(ctx, key)
		s.reply(w, q.Oneway(), nil, err)

	case "increment":
		n, found, err := s.Group.Incr(ctx, key, u64Arg(a, "delta"))
		s.reply(w, q.Oneway(), map[string]any{"value": n, "found": found}, err)

	case "decrement":
		n, found, err := s.Group.Decr(ctx, key, u64Arg(a, "delta"))
		s.reply(w, q.Oneway(), map[string]any{"value": n, "found": found}, err)

	case "get":
		item, found, err := s.Group.Get(ctx, key)
		if err != nil {
			s.reply(w, q.Oneway(), nil, err)
			return
		}
		if !found {
			if !q.Oneway() {
				w.Process(rpc.NewError(rpc.StatusNotFound, "no such key"))
			}
			return
		}
		s.reply(w, q.Oneway(), map[string]any{"value": item.Value, "flags": item.Flags, "cas": item.Cas}, nil)

	case "getMulti":
		keys := make([]string, 0)
		if raw, ok := a["keys"].([]any); ok {
			for _, v := range raw {
				if ks, ok := v.(string); ok {
					keys = append(keys, s.escapeKey(ks))
				}
			}
		}
		items, err := s.Group.GetMulti(ctx, keys)
		if err != nil {
			s.reply(w, q.Oneway(), nil, err)
			return
		}
		out := make(map[string]any, len(items))
		for k, it := range items {
			out[k] = map[string]any{"value": it.Value, "flags": it.Flags, "cas": it.Cas}
		}
		s.reply(w, q.Oneway(), map[string]any{"values": out}, nil)

	case "whichServer":
		s.reply(w, q.Oneway(), map[string]any{"server": s.Group.WhichServer(key)}, nil)

	case "allServers":
		s.reply(w, q.Oneway(), map[string]any{"servers": s.Group.AllServers()}, nil)

	default:
		if !q.Oneway() {
			w.Process(rpc.NewError(rpc.StatusArgument, fmt.Sprintf("mcache: unknown method %q", q.Method)))
		}
	}
}
