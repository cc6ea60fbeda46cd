// Package rds implements the Redis-protocol driver described in spec
// §4.4: a per-server connection pool exposing _1CALL/_NCALL/_TCALL at the
// RESP level, plus the set/delete/increment/decrement/get/getMulti
// convenience ops built on top.
//
// Grounded on the teacher's serv/cache_redis.go, which already talks to
// Redis through go-redis/v9 with Pipeline/TxPipeline for its SWR-cache
// index writes; this package generalizes that same client and pipelining
// style from "graphjin's own response cache" to a general-purpose,
// caller-addressable Redis command surface, and keeps the teacher's
// availability/retry bookkeeping (an atomic "available" flag, rechecked
// no more often than a retry interval) for the per-server health state.
package rds

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultExpire is the fallback TTL applied by Set when the caller passes
// 0, per spec §4.4 ("default expire when 0 is 7 weeks").
const DefaultExpire = 7 * 7 * 24 * time.Hour

// rejectedCommands are refused at the driver boundary because they need
// stateful server semantics incompatible with a pooled borrow/return
// connection (spec §4.4).
var rejectedCommands = map[string]bool{
	"MULTI": true, "SUBSCRIBE": true, "UNSUBSCRIBE": true,
	"PSUBSCRIBE": true, "PUNSUBSCRIBE": true, "PUBLISH": true,
}

// Command is one RESP command: its name plus positional arguments.
type Command struct {
	Name string
	Args []any
}

func (c Command) argv() []any {
	argv := make([]any, 0, len(c.Args)+1)
	argv = append(argv, c.Name)
	argv = append(argv, c.Args...)
	return argv
}

func validate(cmds ...Command) error {
	for _, c := range cmds {
		if rejectedCommands[strings.ToUpper(c.Name)] {
			return fmt.Errorf("rds: command %q is rejected at the driver boundary", c.Name)
		}
	}
	return nil
}

// Client is a pooled connection to a single Redis server.
type Client struct {
	Addr string

	rdb *redis.Client
	log *zap.Logger

	available atomic.Bool
	lastCheck atomic.Int64
	retryIval time.Duration
}

// ClientOptions configures one server's connection.
type ClientOptions struct {
	Addr      string
	Password  string
	DB        int
	RetryIval time.Duration // how often to probe a down server; default 30s
}

// NewClient dials (lazily — go-redis connects on first use) a server and
// performs an immediate PING to seed the availability flag.
func NewClient(opt ClientOptions, log *zap.Logger) *Client {
	if opt.RetryIval <= 0 {
		opt.RetryIval = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opt.Addr,
		Password: opt.Password, // go-redis sends AUTH as the first command on every fresh connection
		DB:       opt.DB,
	})
	c := &Client{Addr: opt.Addr, rdb: rdb, log: log, retryIval: opt.RetryIval}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.available.Store(rdb.Ping(ctx).Err() == nil)
	return c
}

func (c *Client) isAvailable() bool {
	if c.available.Load() {
		return true
	}
	last := c.lastCheck.Load()
	if time.Now().Unix()-last < int64(c.retryIval.Seconds()) {
		return false
	}
	c.lastCheck.Store(time.Now().Unix())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok := c.rdb.Ping(ctx).Err() == nil
	c.available.Store(ok)
	return ok
}

func (c *Client) noteResult(err error) {
	if err != nil && err != redis.Nil {
		c.available.Store(false)
		c.lastCheck.Store(time.Now().Unix())
	}
}

// Call1 runs a single command and returns its reply (spec §4.4 "_1CALL").
func (c *Client) Call1(ctx context.Context, cmd Command) (any, error) {
	if err := validate(cmd); err != nil {
		return nil, err
	}
	if !c.isAvailable() {
		return nil, fmt.Errorf("rds: %s: server unavailable", c.Addr)
	}
	res := c.rdb.Do(ctx, cmd.argv()...)
	err := res.Err()
	if err == redis.Nil {
		return nil, nil
	}
	c.noteResult(err)
	if err != nil {
		return nil, err
	}
	return res.Val(), nil
}

// CallN pipelines N commands and returns N replies in order (spec §4.4
// "_NCALL").
func (c *Client) CallN(ctx context.Context, cmds []Command) ([]any, error) {
	if err := validate(cmds...); err != nil {
		return nil, err
	}
	if !c.isAvailable() {
		return nil, fmt.Errorf("rds: %s: server unavailable", c.Addr)
	}
	pipe := c.rdb.Pipeline()
	results := make([]*redis.Cmd, len(cmds))
	for i, cmd := range cmds {
		results[i] = pipe.Do(ctx, cmd.argv()...)
	}
	_, err := pipe.Exec(ctx)
	c.noteResult(err)
	if err != nil && err != redis.Nil {
		return nil, err
	}
	out := make([]any, len(results))
	for i, r := range results {
		if v, e := r.Result(); e == nil {
			out[i] = v
		}
	}
	return out, nil
}

// CallT wraps N commands in MULTI/EXEC. go-redis's TxPipeline already
// resolves the per-command +QUEUED placeholders into their final EXEC
// values, so the replies handed back here are exactly the "placeholder
// replaced with the matching EXEC entry" result spec §4.4 describes; a
// non-QUEUED reply that aborts the transaction (e.g. a WATCH failure)
// surfaces as the returned error instead.
func (c *Client) CallT(ctx context.Context, cmds []Command) ([]any, error) {
	if err := validate(cmds...); err != nil {
		return nil, err
	}
	if !c.isAvailable() {
		return nil, fmt.Errorf("rds: %s: server unavailable", c.Addr)
	}
	pipe := c.rdb.TxPipeline()
	results := make([]*redis.Cmd, len(cmds))
	for i, cmd := range cmds {
		results[i] = pipe.Do(ctx, cmd.argv()...)
	}
	_, err := pipe.Exec(ctx)
	c.noteResult(err)
	if err != nil && err != redis.Nil {
		return nil, err
	}
	out := make([]any, len(results))
	for i, r := range results {
		if v, e := r.Result(); e == nil {
			out[i] = v
		}
	}
	return out, nil
}

func (c *Client) Set(ctx context.Context, key string, value any, expire time.Duration) error {
	if expire == 0 {
		expire = DefaultExpire
	}
	if expire < 0 {
		_, err := c.Call1(ctx, Command{Name: "SET", Args: []any{key, value}})
		return err
	}
	_, err := c.CallN(ctx, []Command{
		{Name: "SET", Args: []any{key, value}},
		{Name: "EXPIRE", Args: []any{key, int(expire.Seconds())}},
	})
	return err
}

func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.Call1(ctx, Command{Name: "DEL", Args: []any{key}})
	return err
}

func (c *Client) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	v, err := c.Call1(ctx, Command{Name: "INCRBY", Args: []any{key, delta}})
	if err != nil {
		return 0, err
	}
	return asInt64(v)
}

func (c *Client) Decrement(ctx context.Context, key string, delta int64) (int64, error) {
	v, err := c.Call1(ctx, Command{Name: "DECRBY", Args: []any{key, delta}})
	if err != nil {
		return 0, err
	}
	return asInt64(v)
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := c.Call1(ctx, Command{Name: "GET", Args: []any{key}})
	if err != nil {
		return nil, false, err
	}
	if v == nil {
		return nil, false, nil
	}
	switch s := v.(type) {
	case string:
		return []byte(s), true, nil
	case []byte:
		return s, true, nil
	default:
		return nil, false, fmt.Errorf("rds: unexpected GET reply type %T", v)
	}
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("rds: unexpected integer reply type %T", v)
	}
}

// Close releases the underlying connection pool.
func (c *Client) Close() error { return c.rdb.Close() }
