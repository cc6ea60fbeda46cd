package rcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halftwo/xigo/internal/rpc"
)

func collect(l *LCache, q *rpc.Quest) *rpc.Answer {
	var got *rpc.Answer
	l.Process(context.Background(), q, rpc.WaiterFunc(func(a *rpc.Answer) { got = a }))
	return got
}

func TestLCacheSetThenGet(t *testing.T) {
	l := NewLCache(New(16))
	a := collect(l, &rpc.Quest{Method: "set", Args: map[string]any{"key": "a", "value": []byte("v1")}, Txid: 1})
	require.Equal(t, rpc.StatusOK, a.Status)

	a = collect(l, &rpc.Quest{Method: "get", Args: map[string]any{"key": "a"}, Txid: 1})
	require.Equal(t, rpc.StatusOK, a.Status)
	assert.Equal(t, []byte("v1"), a.Args["value"])
}

func TestLCacheGetMissing(t *testing.T) {
	l := NewLCache(New(16))
	a := collect(l, &rpc.Quest{Method: "get", Args: map[string]any{"key": "nope"}, Txid: 1})
	assert.Equal(t, rpc.StatusNotFound, a.Status)
}

func TestLCacheGetOrSet(t *testing.T) {
	l := NewLCache(New(16))
	a := collect(l, &rpc.Quest{Method: "get_or_set", Args: map[string]any{"key": "k", "value": []byte("first")}, Txid: 1})
	assert.Equal(t, false, a.Args["found"])
	assert.Equal(t, []byte("first"), a.Args["value"])

	a = collect(l, &rpc.Quest{Method: "get_or_set", Args: map[string]any{"key": "k", "value": []byte("second")}, Txid: 1})
	assert.Equal(t, true, a.Args["found"])
	assert.Equal(t, []byte("first"), a.Args["value"])
}

func TestLCacheGetAndSet(t *testing.T) {
	l := NewLCache(New(16))
	a := collect(l, &rpc.Quest{Method: "get_and_set", Args: map[string]any{"key": "k", "value": []byte("a")}, Txid: 1})
	assert.Equal(t, false, a.Args["found"])

	a = collect(l, &rpc.Quest{Method: "get_and_set", Args: map[string]any{"key": "k", "value": []byte("b")}, Txid: 1})
	assert.Equal(t, true, a.Args["found"])
	assert.Equal(t, []byte("a"), a.Args["value"])
}

func TestLCachePlusAccumulates(t *testing.T) {
	l := NewLCache(New(16))
	a := collect(l, &rpc.Quest{Method: "plus", Args: map[string]any{"key": "ctr", "delta": int64(3)}, Txid: 1})
	assert.Equal(t, int64(3), a.Args["value"])
	a = collect(l, &rpc.Quest{Method: "plus", Args: map[string]any{"key": "ctr", "delta": int64(4)}, Txid: 1})
	assert.Equal(t, int64(7), a.Args["value"])
}

func TestLCacheAnswerAndMcacheNamespaces(t *testing.T) {
	l := NewLCache(New(16))
	collect(l, &rpc.Quest{Method: "set", Args: map[string]any{"key": "x", "value": []byte("local")}, Txid: 1})

	a := collect(l, &rpc.Quest{Method: "get_answer", Args: map[string]any{"service": "svc", "method": "m"}, Txid: 1})
	assert.Equal(t, rpc.StatusNotFound, a.Status)

	a = collect(l, &rpc.Quest{Method: "get_mcache", Args: map[string]any{"service": "svc", "key": "x"}, Txid: 1})
	assert.Equal(t, rpc.StatusNotFound, a.Status)
}

func TestLCacheUnknownMethod(t *testing.T) {
	l := NewLCache(New(16))
	a := collect(l, &rpc.Quest{Method: "bogus", Txid: 1})
	assert.Equal(t, rpc.StatusArgument, a.Status)
}

func TestLCacheOnewayProducesNoAnswer(t *testing.T) {
	l := NewLCache(New(16))
	called := false
	l.Process(context.Background(), &rpc.Quest{Method: "set", Args: map[string]any{"key": "a", "value": []byte("v")}}, rpc.WaiterFunc(func(a *rpc.Answer) { called = true }))
	assert.False(t, called)
}
