package rds

import (
	"context"
	"fmt"

	"github.com/halftwo/xigo/internal/rpc"
)

// Servant adapts a Group to the `Redis~*` RPC surface named in spec §6:
// _1CALL/_NCALL/_TCALL/set/delete/increment/decrement/get/getMulti/
// whichServer/allServers.
type Servant struct {
	Group *Group
}

func NewServant(g *Group) *Servant { return &Servant{Group: g} }

func strArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
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

func int64Arg(args map[string]any, key string) int64 {
	switch v := args[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func commandsArg(args map[string]any, key string) []Command {
	raw, _ := args[key].([]any)
	out := make([]Command, 0, len(raw))
	for _, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		cmdArgs, _ := m["args"].([]any)
		out = append(out, Command{Name: name, Args: cmdArgs})
	}
	return out
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

// Process implements rpc.Servant for one sharded Redis group.
func (s *Servant) Process(ctx context.Context, q *rpc.Quest, w rpc.Waiter) {
	a := q.Args
	key := strArg(a, "key")

	switch q.Method {
	case "_1CALL":
		name, _ := a["name"].(string)
		cmdArgs, _ := a["args"].([]any)
		v, err := s.Group.Call1(ctx, key, Command{Name: name, Args: cmdArgs})
		s.reply(w, q.Oneway(), map[string]any{"value": v}, err)

	case "_NCALL":
		v, err := s.Group.CallN(ctx, key, commandsArg(a, "cmds"))
		s.reply(w, q.Oneway(), map[string]any{"values": v}, err)

	case "_TCALL":
		v, err := s.Group.CallT(ctx, key, commandsArg(a, "cmds"))
		s.reply(w, q.Oneway(), map[string]any{"values": v}, err)

	case "set":
		err := s.Group.Set(ctx, key, a["value"], intArg(a, "expire"))
		s.reply(w, q.Oneway(), nil, err)

	case "delete":
		err := s.Group.Delete(ctx, key)
		s.reply(w, q.Oneway(), nil, err)

	case "increment":
		n, err := s.Group.Increment(ctx, key, int64Arg(a, "delta"))
		s.reply(w, q.Oneway(), map[string]any{"value": n}, err)

	case "decrement":
		n, err := s.Group.Decrement(ctx, key, int64Arg(a, "delta"))
		s.reply(w, q.Oneway(), map[string]any{"value": n}, err)

	case "get":
		v, found, err := s.Group.Get(ctx, key)
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
		s.reply(w, q.Oneway(), map[string]any{"value": v}, nil)

	case "getMulti":
		keys := make([]string, 0)
		if raw, ok := a["keys"].([]any); ok {
			for _, v := range raw {
				if ks, ok := v.(string); ok {
					keys = append(keys, ks)
				}
			}
		}
		vals, err := s.Group.GetMulti(ctx, keys)
		s.reply(w, q.Oneway(), map[string]any{"values": vals}, err)

	case "whichServer":
		s.reply(w, q.Oneway(), map[string]any{"server": s.Group.WhichServer(key)}, nil)

	case "allServers":
		s.reply(w, q.Oneway(), map[string]any{"servers": s.Group.AllServers()}, nil)

	default:
		if !q.Oneway() {
			w.Process(rpc.NewError(rpc.StatusArgument, fmt.Sprintf("redis: unknown method %q", q.Method)))
		}
	}
}
