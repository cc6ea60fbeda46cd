package mc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/halftwo/xigo/internal/rpc"
)

func newTestServant(t *testing.T, n int) *Servant {
	t.Helper()
	var servers []ServerSpec
	for i := 0; i < n; i++ {
		fs := startFakeServer(t)
		t.Cleanup(func() { fs.ln.Close() })
		servers = append(servers, ServerSpec{Addr: fs.ln.Addr().String(), Weight: 1})
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
	a := callServant(s, &rpc.Quest{Method: "set", Args: map[string]any{"key": "x", "value": []byte("v")}, Txid: 1})
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

func TestServantAllServersAndWhichServer(t *testing.T) {
	s := newTestServant(t, 3)
	a := callServant(s, &rpc.Quest{Method: "allServers", Txid: 1})
	servers, _ := a.Args["servers"].([]string)
	assert.Len(t, servers, 3)

	a = callServant(s, &rpc.Quest{Method: "whichServer", Args: map[string]any{"key": "x"}, Txid: 1})
	assert.Contains(t, servers, a.Args["server"])
}

func TestServantEscapesKeyWithWhitespace(t *testing.T) {
	s := newTestServant(t, 1)
	raw := "a b"
	a := callServant(s, &rpc.Quest{Method: "set", Args: map[string]any{"key": raw, "value": []byte("v")}, Txid: 1})
	require.Equal(t, rpc.StatusOK, a.Status)

	a = callServant(s, &rpc.Quest{Method: "get", Args: map[string]any{"key": raw}, Txid: 1})
	require.Equal(t, rpc.StatusOK, a.Status)
	assert.Equal(t, []byte("v"), a.Args["value"])

	escaped := EscapeKey(raw)
	require.NotEqual(t, raw, escaped)
	assert.NoError(t, ValidateKey(escaped))
}

func TestServantUnknownMethod(t *testing.T) {
	s := newTestServant(t, 1)
	a := callServant(s, &rpc.Quest{Method: "nope", Txid: 1})
	assert.Equal(t, rpc.StatusArgument, a.Status)
}

func TestServantOnewayDeleteProducesNoAnswer(t *testing.T) {
	s := newTestServant(t, 1)
	called := false
	s.Process(context.Background(), &rpc.Quest{Method: "delete", Args: map[string]any{"key": "x"}}, rpc.WaiterFunc(func(a *rpc.Answer) { called = true }))
	assert.False(t, called)
}
