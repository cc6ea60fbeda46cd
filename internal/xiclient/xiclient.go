// Package xiclient is a minimal concrete internal/xiservant.Upstream: it
// opens a TCP connection to one of a configured endpoint list and
// round-trips a Quest/Answer pair over encoding/gob.
//
// The real wire framing this module forwards to an upstream service is
// explicitly out of scope (spec §1): no checksum, compression, or
// multiplexing layer is implemented here. This package exists only so
// XiServant has something concrete to dial in a running binary, rather
// than shipping an Upstream interface nothing ever implements; it is the
// thinnest satisfying implementation, not a reproduction of the original
// wire protocol.
package xiclient

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"sync"

	"github.com/halftwo/xigo/internal/config"
	"github.com/halftwo/xigo/internal/rpc"
)

func init() {
	gob.Register(map[string]any{})
}

// envelope is the on-wire shape for one round trip.
type envelope struct {
	Service string
	Method  string
	Args    map[string]any
	Status  int
	IsReply bool
}

// Client dials one endpoint at a time from an ordered list. Send reports a
// connect or round-trip error in its answer and does not fail over; only
// Redial moves to another endpoint.
type Client struct {
	mu    sync.Mutex
	conn  net.Conn
	enc   *gob.Encoder
	dec   *gob.Decoder
	addrs []string
	cur   int
	dial  func(ctx context.Context, network, addr string) (net.Conn, error)
}

// New builds a Client over endpoints, in preference order (already
// passed through the hash sequencer by bigservant.Registry).
func New(endpoints []config.Endpoint) *Client {
	addrs := make([]string, len(endpoints))
	for i, ep := range endpoints {
		addrs[i] = fmt.Sprintf("%s:%d", ep.Host, ep.Port)
	}
	return &Client{
		addrs: addrs,
		dial:  (&net.Dialer{}).DialContext,
	}
}

// Endpoints implements xiservant.Upstream.
func (c *Client) Endpoints() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.addrs))
	copy(out, c.addrs)
	return out
}

// Redial implements xiservant.Upstream: drops the current connection and
// connects to preferEndpoint, or the next address in order if empty.
func (c *Client) Redial(ctx context.Context, preferEndpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()

	if len(c.addrs) == 0 {
		return fmt.Errorf("xiclient: no endpoints configured")
	}
	addr := preferEndpoint
	if addr == "" {
		c.cur = (c.cur + 1) % len(c.addrs)
		addr = c.addrs[c.cur]
	}
	return c.dialLocked(ctx, addr)
}

func (c *Client) dialLocked(ctx context.Context, addr string) error {
	conn, err := c.dial(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("xiclient: dial %s: %w", addr, err)
	}
	c.conn = conn
	c.enc = gob.NewEncoder(conn)
	c.dec = gob.NewDecoder(bufio.NewReader(conn))
	return nil
}

func (c *Client) closeLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	if len(c.addrs) == 0 {
		return fmt.Errorf("xiclient: no endpoints configured")
	}
	return c.dialLocked(ctx, c.addrs[c.cur])
}

// Send implements xiservant.Upstream: a synchronous round trip (the
// caller already runs it from its own goroutine via
// xiservant.Servant.Process's upstream.Send callback convention).
func (c *Client) Send(ctx context.Context, q *rpc.Quest, done func(*rpc.Answer)) {
	if err := c.ensureConnected(ctx); err != nil {
		done(rpc.NewError(rpc.StatusUpstream, err.Error()))
		return
	}

	if dl, ok := ctx.Deadline(); ok {
		c.mu.Lock()
		if c.conn != nil {
			c.conn.SetDeadline(dl)
		}
		c.mu.Unlock()
	}

	req := envelope{Service: q.Service, Method: q.Method, Args: q.Args}

	c.mu.Lock()
	enc, dec := c.enc, c.dec
	err := enc.Encode(&req)
	if err == nil && !q.Oneway() {
		var reply envelope
		err = dec.Decode(&reply)
		c.mu.Unlock()
		if err != nil {
			done(rpc.NewError(rpc.StatusUpstream, fmt.Sprintf("xiclient: read reply: %s", err)))
			return
		}
		done(&rpc.Answer{Status: rpc.Status(reply.Status), Args: reply.Args})
		return
	}
	c.mu.Unlock()
	if err != nil {
		done(rpc.NewError(rpc.StatusUpstream, fmt.Sprintf("xiclient: write request: %s", err)))
		return
	}
	if q.Oneway() {
		done(nil)
	}
}

// Close releases the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}
