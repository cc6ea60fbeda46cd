package xiclient

import (
	"bufio"
	"context"
	"encoding/gob"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halftwo/xigo/internal/config"
	"github.com/halftwo/xigo/internal/rpc"
)

// fakeUpstream accepts one connection and echoes back a fixed reply for
// every request it decodes, standing in for a real external service.
func fakeUpstream(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		dec := gob.NewDecoder(bufio.NewReader(conn))
		enc := gob.NewEncoder(conn)
		for {
			var req envelope
			if err := dec.Decode(&req); err != nil {
				return
			}
			reply := envelope{Status: int(rpc.StatusOK), Args: map[string]any{"echo": req.Method}}
			if err := enc.Encode(&reply); err != nil {
				return
			}
		}
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

func TestSendRoundTrips(t *testing.T) {
	addr, stop := fakeUpstream(t)
	defer stop()

	host, port := splitHostPort(t, addr)
	c := New([]config.Endpoint{{Proto: "tcp", Host: host, Port: port}})
	defer c.Close()

	var got *rpc.Answer
	done := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c.Send(ctx, &rpc.Quest{Service: "svc", Method: "ping", Txid: 1}, func(a *rpc.Answer) {
		got = a
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
	require.NotNil(t, got)
	assert.Equal(t, rpc.StatusOK, got.Status)
	assert.Equal(t, "ping", got.Args["echo"])
}

func TestSendWithNoEndpointsReportsUpstreamError(t *testing.T) {
	c := New(nil)
	var got *rpc.Answer
	c.Send(context.Background(), &rpc.Quest{Method: "ping", Txid: 1}, func(a *rpc.Answer) { got = a })
	require.NotNil(t, got)
	assert.Equal(t, rpc.StatusUpstream, got.Status)
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}
