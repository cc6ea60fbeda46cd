// Package quickie implements the `Quickie` utility service named in spec
// §6 (`time/sink/echo/hseq/salvo`): trivial liveness/diagnostic ops, plus
// two that exercise real core machinery directly over RPC rather than
// through a configured service — `hseq` drives internal/hashseq, `salvo`
// drives a BigServant Registry's fan-out.
//
// Grounded on `_examples/original_source/XiProxy/Quickie.cpp`: included
// because it is cheap and already named in spec §6, not because it is
// core engineering (time/sink/echo are useful for probing the RPC
// surface is alive at all).
package quickie

import (
	"context"
	"fmt"
	"time"

	"github.com/halftwo/xigo/internal/bigservant"
	"github.com/halftwo/xigo/internal/hashseq"
	"github.com/halftwo/xigo/internal/rpc"
)

// Salvoer is the subset of *bigservant.Registry that `salvo` needs.
type Salvoer interface {
	Salvo(ctx context.Context, subs []bigservant.SubQuest) []bigservant.SubAnswer
}

// Servant implements the `Quickie` RPC surface.
type Servant struct {
	registry Salvoer
}

func New(registry Salvoer) *Servant {
	return &Servant{registry: registry}
}

func (s *Servant) reply(w rpc.Waiter, oneway bool, args map[string]any) {
	if !oneway {
		w.Process(rpc.NewAnswer(args))
	}
}

// Process implements rpc.Servant.
func (s *Servant) Process(ctx context.Context, q *rpc.Quest, w rpc.Waiter) {
	switch q.Method {
	case "time":
		s.reply(w, q.Oneway(), map[string]any{"unix": time.Now().Unix()})

	case "sink":
		// Accepts and discards any args; used to measure raw transport
		// throughput without exercising any servant logic.
		s.reply(w, q.Oneway(), nil)

	case "echo":
		s.reply(w, q.Oneway(), q.Args)

	case "hseq":
		s.processHseq(q, w)

	case "salvo":
		s.processSalvo(ctx, q, w)

	default:
		if !q.Oneway() {
			w.Process(rpc.NewError(rpc.StatusArgument, fmt.Sprintf("quickie: unknown method %q", q.Method)))
		}
	}
}

func (s *Servant) processHseq(q *rpc.Quest, w rpc.Waiter) {
	rawBuckets, _ := q.Args["buckets"].([]any)
	key, _ := q.Args["key"].(string)

	buckets := make([]hashseq.Bucket, 0, len(rawBuckets))
	for _, rb := range rawBuckets {
		m, ok := rb.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["id"].(string)
		weight := 1
		switch v := m["weight"].(type) {
		case int:
			weight = v
		case int64:
			weight = int(v)
		case float64:
			weight = int(v)
		}
		buckets = append(buckets, hashseq.Bucket{Identity: []byte(id), Weight: weight})
	}
	if len(buckets) == 0 {
		if !q.Oneway() {
			w.Process(rpc.NewError(rpc.StatusArgument, "hseq: empty bucket list"))
		}
		return
	}

	seq := hashseq.New(buckets)
	order := make([]int, len(buckets))
	n := seq.Sequence(hashseq.Hash32([]byte(key)), order)
	s.reply(w, q.Oneway(), map[string]any{"order": order[:n]})
}

func (s *Servant) processSalvo(ctx context.Context, q *rpc.Quest, w rpc.Waiter) {
	if s.registry == nil {
		if !q.Oneway() {
			w.Process(rpc.NewError(rpc.StatusFatal, "quickie: no registry configured for salvo"))
		}
		return
	}
	raw, _ := q.Args["subs"].([]any)
	subs := make([]bigservant.SubQuest, 0, len(raw))
	for _, rv := range raw {
		m, ok := rv.(map[string]any)
		if !ok {
			continue
		}
		service, _ := m["service"].(string)
		method, _ := m["method"].(string)
		args, _ := m["args"].(map[string]any)
		subs = append(subs, bigservant.SubQuest{Service: service, Method: method, Args: args})
	}

	answers := s.registry.Salvo(ctx, subs)
	out := make([]map[string]any, len(answers))
	for i, a := range answers {
		out[i] = map[string]any{"status": int(a.Status), "args": a.Args}
	}
	s.reply(w, q.Oneway(), map[string]any{"answers": out})
}
