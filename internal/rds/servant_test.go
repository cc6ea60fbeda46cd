package rds

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/halftwo/xigo/internal/rpc"
)

func newTestServant(t *testing.T, n int) *Servant {
	t.Helper()
	var servers []ServerSpec
	for i := 0; i < n; i++ {
		mr := miniredis.RunT(t)
		servers = append(servers, ServerSpec{Addr: mr.Addr(), Weight: 1})
	}
	g, err := NewGroup(servers, zap.NewNop())
	require.NoError(t, err)
	return NewServant(g)
}

func callServant(s *Servant, q *rpc.Quest) *rpc.Answer {
	var got *rpc.Answer
	s.Process(context.Background(), q, rpc.WaiterFunc(func(a *rpc.Answer) { got = a }))
	return got
}

func TestServantSetThenGet(t *testing.T) {
	s := newTestServant(t, 2)
	a := callServant(s, &rpc.Quest{Method: "set", Args: map[string]any{"key": "x", "value": "v", "expire": -1}, Txid: 1})
	require.Equal(t, rpc.StatusOK, a.Status)

	a = callServant(s, &rpc.Quest{Method: "get", Args: map[string]any{"key": "x"}, Txid: 1})
	require.Equal(t, rpc.StatusOK, a.Status)
	assert.Equal(t, []byte("v"), a.Args["value"])
}

func TestServantGetMissingReportsNotFound(t *testing.T) {
	s := newTestServant(t, 1)
	a := callServant(s, &rpc.Quest{Method: "get", Args: map[string]any{"key": "missing"}, Txid: 1})
	assert.Equal(t, rpc.StatusNotFound, a.Status)
}

func TestServant1CallRunsArbitraryCommand(t *testing.T) {
	s := newTestServant(t, 1)
	a := callServant(s, &rpc.Quest{
		Method: "_1CALL",
		Args:   map[string]any{"key": "x", "name": "SET", "args": []any{"x", "v1"}},
		Txid:   1,
	})
	require.Equal(t, rpc.StatusOK, a.Status)

	a = callServant(s, &rpc.Quest{Method: "get", Args: map[string]any{"key": "x"}, Txid: 1})
	assert.Equal(t, []byte("v1"), a.Args["value"])
}

func TestServantAllServersAndWhichServer(t *testing.T) {
	s := newTestServant(t, 3)
	a := callServant(s, &rpc.Quest{Method: "allServers", Txid: 1})
	servers, _ := a.Args["servers"].([]string)
	assert.Len(t, servers, 3)

	a = callServant(s, &rpc.Quest{Method: "whichServer", Args: map[string]any{"key": "x"}, Txid: 1})
	assert.Contains(t, servers, a.Args["server"])
}

func TestServantUnknownMethod(t *testing.T) {
	s := newTestServant(t, 1)
	a := callServant(s, &rpc.Quest{Method: "nope", Txid: 1})
	assert.Equal(t, rpc.StatusArgument, a.Status)
}
