package mc

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/halftwo/xigo/internal/rpc"
	"github.com/halftwo/xigo/internal/util"
)

// Default tunables, named after the original MClient.cpp constants.
const (
	DefaultMaxConns       = 6
	DefaultConnectTimeout = 2 * time.Second
	DefaultGiveUpTimeout  = 2 * time.Second
	DefaultSlowThreshold  = 400 * time.Millisecond
	retryIntervalFloor    = 1 * time.Second
	retryIntervalCeil     = 15 * time.Second
	retryFirstStageMax    = retryIntervalCeil / 2
	errorThreshold        = 3 // consecutive faults (dial, probe or operation) before the client is flagged down
)

type conn struct {
	nc net.Conn
	r  *bufio.Reader
	w  *bufio.Writer
}

// Client is a pooled connection to a single memcached server, implementing
// the CONNECT -> WAIT -> WRITE -> READ -> WAIT state machine from
// MClient.cpp as blocking Go calls over a bounded pool of TCP connections
// instead of an explicit per-socket state enum (design note: Go's
// goroutine-per-call style makes the explicit states unnecessary; the
// error-flag/retry-timer behavior they exist to drive is kept).
type Client struct {
	Addr string

	log            *zap.Logger
	maxConns       int
	connectTimeout time.Duration
	giveUp         time.Duration
	slowThreshold  time.Duration

	sem chan struct{}

	mu   sync.Mutex
	idle []*conn

	down       atomic.Bool
	errStreak  atomic.Int32
	nextRetry  atomic.Int64 // unix nano
	firstFault atomic.Bool
}

// Option configures a Client at construction time.
type Option func(*Client)

func WithLogger(l *zap.Logger) Option           { return func(c *Client) { c.log = l } }
func WithMaxConns(n int) Option                 { return func(c *Client) { c.maxConns = n } }
func WithConnectTimeout(d time.Duration) Option { return func(c *Client) { c.connectTimeout = d } }
func WithGiveUpTimeout(d time.Duration) Option  { return func(c *Client) { c.giveUp = d } }
func WithSlowThreshold(d time.Duration) Option  { return func(c *Client) { c.slowThreshold = d } }

// NewClient builds a pooled client for a single "host:port" server.
func NewClient(addr string, opts ...Option) *Client {
	c := &Client{
		Addr:           addr,
		log:            zap.NewNop(),
		maxConns:       DefaultMaxConns,
		connectTimeout: DefaultConnectTimeout,
		giveUp:         DefaultGiveUpTimeout,
		slowThreshold:  DefaultSlowThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	c.sem = make(chan struct{}, c.maxConns)
	return c
}

// Down reports whether the client is currently in its error-flagged state
// (spec §4.3: client-wide error flag, cleared by the retry timer).
func (c *Client) Down() bool { return c.down.Load() }

// acquire borrows a connection, dialing one if the pool has room and no
// idle connection is available. It enforces the give-up timeout and the
// error-flag fast-fail path.
func (c *Client) acquire(ctx context.Context) (*conn, error) {
	if c.down.Load() {
		if time.Now().UnixNano() < c.nextRetry.Load() {
			return nil, fmt.Errorf("mc: %s: client down, retry not yet due", c.Addr)
		}
		// Retry window elapsed: callers are let through to probe.
	}

	ctx, cancel := context.WithTimeout(ctx, c.giveUp)
	defer cancel()

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("mc: %s: pool exhausted: %s", c.Addr, rpc.StatusTimeout)
	}

	c.mu.Lock()
	if n := len(c.idle); n > 0 {
		cn := c.idle[n-1]
		c.idle = c.idle[:n-1]
		c.mu.Unlock()
		return cn, nil
	}
	c.mu.Unlock()

	nc, err := net.DialTimeout("tcp", c.Addr, c.connectTimeout)
	if err != nil {
		<-c.sem
		c.recordFault()
		return nil, fmt.Errorf("mc: %s: dial: %w", c.Addr, err)
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		tc.SetKeepAlive(true)
	}
	cn := &conn{nc: nc, r: bufio.NewReader(nc), w: bufio.NewWriter(nc)}

	if _, err := writeVersion(cn.w, cn.r); err != nil {
		nc.Close()
		<-c.sem
		c.recordFault()
		return nil, fmt.Errorf("mc: %s: liveness probe: %w", c.Addr, err)
	}
	c.recordSuccess()
	return cn, nil
}

// release returns a connection to the idle pool, or discards it (and
// drops the semaphore permit) when it is no longer usable.
func (c *Client) release(cn *conn, healthy bool) {
	if !healthy {
		cn.nc.Close()
		<-c.sem
		return
	}
	c.mu.Lock()
	c.idle = append(c.idle, cn)
	c.mu.Unlock()
	<-c.sem
}

func (c *Client) recordSuccess() {
	c.errStreak.Store(0)
	c.down.Store(false)
	c.firstFault.Store(false)
}

func (c *Client) recordFault() {
	n := c.errStreak.Add(1)
	if n < errorThreshold {
		return
	}
	c.down.Store(true)
	var delay time.Duration
	if !c.firstFault.Swap(true) {
		delay = util.Jitter(retryIntervalFloor, float64(retryFirstStageMax-retryIntervalFloor)/float64(retryIntervalFloor))
	} else {
		delay = util.Jitter(retryIntervalCeil, 0.1)
	}
	c.nextRetry.Store(time.Now().Add(delay).UnixNano())
	c.log.Warn("memcache server flagged down", zap.String("addr", c.Addr), zap.Duration("retry_in", delay))
}

// do runs fn against a freshly acquired connection, releasing it
// (healthy unless fn/the transport reports otherwise) and logging slow
// operations per spec §4.3.
func (c *Client) do(ctx context.Context, op string, fn func(*conn) error) error {
	start := time.Now()
	cn, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	deadline := start.Add(c.giveUp)
	cn.nc.SetDeadline(deadline)

	err = fn(cn)
	healthy := err == nil
	if healthy {
		c.recordSuccess()
	} else {
		c.recordFault()
	}
	c.release(cn, healthy)

	if d := time.Since(start); d >= c.slowThreshold {
		c.log.Warn("slow memcache op", zap.String("addr", c.Addr), zap.String("op", op), zap.Duration("elapsed", d))
	}
	return err
}

func (c *Client) Set(ctx context.Context, key string, value []byte, flags uint32, exptime int, nozip bool) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	body, wflags := encodeValue(value, flags, nozip)
	return c.do(ctx, "set", func(cn *conn) error {
		line, err := writeStorage(cn.w, cn.r, "set", key, wflags, exptime, body)
		if err != nil {
			return err
		}
		return replyError(line)
	})
}

func (c *Client) Add(ctx context.Context, key string, value []byte, flags uint32, exptime int, nozip bool) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	body, wflags := encodeValue(value, flags, nozip)
	return c.do(ctx, "add", func(cn *conn) error {
		line, err := writeStorage(cn.w, cn.r, "add", key, wflags, exptime, body)
		if err != nil {
			return err
		}
		return replyError(line)
	})
}

func (c *Client) Replace(ctx context.Context, key string, value []byte, flags uint32, exptime int, nozip bool) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	body, wflags := encodeValue(value, flags, nozip)
	return c.do(ctx, "replace", func(cn *conn) error {
		line, err := writeStorage(cn.w, cn.r, "replace", key, wflags, exptime, body)
		if err != nil {
			return err
		}
		return replyError(line)
	})
}

func (c *Client) Append(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	return c.do(ctx, "append", func(cn *conn) error {
		line, err := writeStorage(cn.w, cn.r, "append", key, 0, 0, value)
		if err != nil {
			return err
		}
		return replyError(line)
	})
}

func (c *Client) Prepend(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	return c.do(ctx, "prepend", func(cn *conn) error {
		line, err := writeStorage(cn.w, cn.r, "prepend", key, 0, 0, value)
		if err != nil {
			return err
		}
		return replyError(line)
	})
}

func (c *Client) Cas(ctx context.Context, key string, value []byte, flags uint32, exptime int, cas uint64, nozip bool) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	body, wflags := encodeValue(value, flags, nozip)
	return c.do(ctx, "cas", func(cn *conn) error {
		line, err := writeCas(cn.w, cn.r, key, wflags, exptime, cas, body)
		if err != nil {
			return err
		}
		return replyError(line)
	})
}

func (c *Client) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	return c.do(ctx, "delete", func(cn *conn) error {
		line, err := writeDelete(cn.w, cn.r, key)
		if err != nil {
			return err
		}
		return replyError(line)
	})
}

func (c *Client) Incr(ctx context.Context, key string, delta uint64) (uint64, bool, error) {
	return c.incrDecr(ctx, "incr", key, delta)
}

func (c *Client) Decr(ctx context.Context, key string, delta uint64) (uint64, bool, error) {
	return c.incrDecr(ctx, "decr", key, delta)
}

func (c *Client) incrDecr(ctx context.Context, cmd, key string, delta uint64) (uint64, bool, error) {
	if err := ValidateKey(key); err != nil {
		return 0, false, err
	}
	var result uint64
	var found bool
	err := c.do(ctx, cmd, func(cn *conn) error {
		line, err := writeIncrDecr(cn.w, cn.r, cmd, key, delta)
		if err != nil {
			return err
		}
		if line == "NOT_FOUND" {
			found = false
			return nil
		}
		n, perr := parseUint(line)
		if perr != nil {
			return perr
		}
		result, found = n, true
		return nil
	})
	return result, found, err
}

// GetsMulti fetches multiple keys in one pipelined request, decompressing
// values as needed.
func (c *Client) GetsMulti(ctx context.Context, keys []string) (map[string]Item, error) {
	for _, k := range keys {
		if err := ValidateKey(k); err != nil {
			return nil, err
		}
	}
	out := make(map[string]Item, len(keys))
	err := c.do(ctx, "gets", func(cn *conn) error {
		items, err := writeGetsMulti(cn.w, cn.r, keys)
		if err != nil {
			return err
		}
		for _, it := range items {
			val, derr := decodeValue(it.Value, it.Flags)
			if derr != nil {
				c.log.Warn("memcache value framing error", zap.String("key", it.Key), zap.Error(derr))
			}
			it.Value = val
			out[it.Key] = it
		}
		return nil
	})
	return out, err
}

func (c *Client) Get(ctx context.Context, key string) (Item, bool, error) {
	items, err := c.GetsMulti(ctx, []string{key})
	if err != nil {
		return Item{}, false, err
	}
	it, ok := items[key]
	return it, ok, nil
}

func replyError(line string) error {
	switch line {
	case "STORED", "DELETED", "OK":
		return nil
	case "NOT_STORED":
		return fmt.Errorf("mc: not stored")
	case "EXISTS":
		return fmt.Errorf("mc: cas conflict")
	case "NOT_FOUND":
		return fmt.Errorf("mc: not found")
	default:
		return fmt.Errorf("mc: unexpected reply %q", line)
	}
}

func parseUint(s string) (uint64, error) {
	var n uint64
	if len(s) == 0 {
		return 0, fmt.Errorf("mc: empty numeric reply")
	}
	for i := 0; i < len(s); i++ {
		d := s[i]
		if d < '0' || d > '9' {
			return 0, fmt.Errorf("mc: bad numeric reply %q", s)
		}
		n = n*10 + uint64(d-'0')
	}
	return n, nil
}
