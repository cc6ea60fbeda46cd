package bigservant

import (
	"context"
	"fmt"
	"sync"

	"github.com/halftwo/xigo/internal/rpc"
)

// SubQuest is one `{s, m, a}` entry in a salvo request (spec §4.6).
type SubQuest struct {
	Service string
	Method  string
	Args    map[string]any
}

// SubAnswer is one `{status, a}` entry in the salvo reply, in the same
// order as the request's sub-quests.
type SubAnswer struct {
	Status rpc.Status
	Args   map[string]any
}

// Salvo resolves each sub-quest's servant and collects sub-answers in a
// barrier that preserves request order, even though servants may answer
// out of order or asynchronously (spec §4.6).
func (r *Registry) Salvo(ctx context.Context, subs []SubQuest) []SubAnswer {
	out := make([]SubAnswer, len(subs))
	var wg sync.WaitGroup
	wg.Add(len(subs))

	for i, sub := range subs {
		i, sub := i, sub
		go func() {
			defer wg.Done()
			out[i] = r.runSub(ctx, sub)
		}()
	}
	wg.Wait()
	return out
}

func (r *Registry) runSub(ctx context.Context, sub SubQuest) (result SubAnswer) {
	defer func() {
		// A servant that panics while answering synchronously still
		// produces a sub-answer slot (spec: "including synchronous
		// exception-to-answer conversions").
		if rec := recover(); rec != nil {
			result = SubAnswer{Status: rpc.StatusFatal, Args: map[string]any{"error": fmt.Sprint(rec)}}
		}
	}()

	s, ok := r.Lookup(sub.Service, true)
	if !ok {
		return SubAnswer{Status: rpc.StatusNotFound, Args: map[string]any{"error": "no such service"}}
	}

	done := make(chan *rpc.Answer, 1)
	q := &rpc.Quest{Service: sub.Service, Method: sub.Method, Args: sub.Args, Txid: 1}
	s.Process(ctx, q, rpc.WaiterFunc(func(a *rpc.Answer) { done <- a }))

	select {
	case a := <-done:
		return SubAnswer{Status: a.Status, Args: a.Args}
	case <-ctx.Done():
		return SubAnswer{Status: rpc.StatusTimeout, Args: map[string]any{"error": "context done"}}
	}
}
