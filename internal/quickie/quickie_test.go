package quickie

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halftwo/xigo/internal/bigservant"
	"github.com/halftwo/xigo/internal/rpc"
)

func call(s *Servant, q *rpc.Quest) *rpc.Answer {
	var got *rpc.Answer
	s.Process(context.Background(), q, rpc.WaiterFunc(func(a *rpc.Answer) { got = a }))
	return got
}

func TestTimeReturnsUnixSeconds(t *testing.T) {
	s := New(nil)
	a := call(s, &rpc.Quest{Method: "time", Txid: 1})
	require.Equal(t, rpc.StatusOK, a.Status)
	_, ok := a.Args["unix"].(int64)
	assert.True(t, ok)
}

func TestSinkIsANoOp(t *testing.T) {
	s := New(nil)
	a := call(s, &rpc.Quest{Method: "sink", Args: map[string]any{"garbage": 1}, Txid: 1})
	assert.Equal(t, rpc.StatusOK, a.Status)
}

func TestEchoReturnsArgsVerbatim(t *testing.T) {
	s := New(nil)
	args := map[string]any{"a": 1, "b": "x"}
	a := call(s, &rpc.Quest{Method: "echo", Args: args, Txid: 1})
	assert.Equal(t, args, a.Args)
}

func TestHseqOrdersBuckets(t *testing.T) {
	s := New(nil)
	a := call(s, &rpc.Quest{
		Method: "hseq",
		Args: map[string]any{
			"key": "somekey",
			"buckets": []any{
				map[string]any{"id": "a", "weight": 1},
				map[string]any{"id": "b", "weight": 1},
				map[string]any{"id": "c", "weight": 1},
			},
		},
		Txid: 1,
	})
	require.Equal(t, rpc.StatusOK, a.Status)
	order, _ := a.Args["order"].([]int)
	assert.Len(t, order, 3)
}

func TestHseqRejectsEmptyBuckets(t *testing.T) {
	s := New(nil)
	a := call(s, &rpc.Quest{Method: "hseq", Args: map[string]any{"key": "k"}, Txid: 1})
	assert.Equal(t, rpc.StatusArgument, a.Status)
}

type stubSalvoer struct {
	got []bigservant.SubQuest
}

func (s *stubSalvoer) Salvo(ctx context.Context, subs []bigservant.SubQuest) []bigservant.SubAnswer {
	s.got = subs
	out := make([]bigservant.SubAnswer, len(subs))
	for i := range subs {
		out[i] = bigservant.SubAnswer{Status: rpc.StatusOK, Args: map[string]any{"i": i}}
	}
	return out
}

func TestSalvoDelegatesToRegistry(t *testing.T) {
	reg := &stubSalvoer{}
	s := New(reg)
	a := call(s, &rpc.Quest{
		Method: "salvo",
		Args: map[string]any{
			"subs": []any{
				map[string]any{"service": "svcA", "method": "m1"},
				map[string]any{"service": "svcB", "method": "m2"},
			},
		},
		Txid: 1,
	})
	require.Equal(t, rpc.StatusOK, a.Status)
	assert.Len(t, reg.got, 2)
	answers, _ := a.Args["answers"].([]map[string]any)
	assert.Len(t, answers, 2)
}

func TestSalvoWithNoRegistryFails(t *testing.T) {
	s := New(nil)
	a := call(s, &rpc.Quest{Method: "salvo", Args: map[string]any{}, Txid: 1})
	assert.Equal(t, rpc.StatusFatal, a.Status)
}
