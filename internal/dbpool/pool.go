// Package dbpool implements DbMan's per-server connection pool and
// reconnect task (spec §4.9): manual acquire/release with an explicit
// busy counter rather than relying on database/sql's own pool sizing,
// idle-connection pinging, error-flagging, and a backoff-driven
// reconnect loop.
//
// Grounded on internal/mc.Client's pooled-connection shape (explicit
// busy/idle bookkeeping, an error flag with a retry timer) reworked
// from a bespoke TCP protocol to database/sql connections, and on the
// teacher's own use of cenkalti/backoff for retry scheduling.
package dbpool

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Default tunables, named after the spec's own constant names.
const (
	DefaultPingInterval  = 20 * time.Second
	DefaultReconInterval = 5 * time.Second
	DefaultFaultCooldown = 1 * time.Second
)

// Pool manages borrowed *sql.Conn values against one MySQL server
// (primary or replica), tracking how many are currently busy and
// whether the server is presently considered errored.
type Pool struct {
	Addr    string
	MaxAll  int // ceiling on num_busy for writes (and replica reads)
	MaxRead int // ceiling on num_busy for reads against the primary

	db  *sql.DB
	log *zap.Logger

	pingInterval  time.Duration
	reconInterval time.Duration
	faultCooldown time.Duration

	mu        sync.Mutex
	idle      []*sql.Conn
	numBusy   int
	errored   bool
	faultedAt time.Time
	closing   bool

	reconnecting bool
	stopRecon    chan struct{}

	drainHook func()
}

// Option configures a Pool at construction time.
type Option func(*Pool)

func WithLogger(l *zap.Logger) Option          { return func(p *Pool) { p.log = l } }
func WithPingInterval(d time.Duration) Option  { return func(p *Pool) { p.pingInterval = d } }
func WithReconInterval(d time.Duration) Option { return func(p *Pool) { p.reconInterval = d } }
func WithFaultCooldown(d time.Duration) Option { return func(p *Pool) { p.faultCooldown = d } }

// SetDrainHook installs fn to be called, outside p's lock, whenever a
// connection becomes available for reuse: a healthy Release, or a
// successful reconnect. The owning Team uses this to hand the freed
// capacity to one queued job (spec: a worker finishing a job drains
// further jobs from the appropriate queue).
func (p *Pool) SetDrainHook(fn func()) {
	p.mu.Lock()
	p.drainHook = fn
	p.mu.Unlock()
}

// New wraps an already-configured *sql.DB (the driver-level connection
// factory) with DbMan's manual pool bookkeeping.
func New(addr string, db *sql.DB, maxAll, maxRead int, opts ...Option) *Pool {
	p := &Pool{
		Addr:          addr,
		MaxAll:        maxAll,
		MaxRead:       maxRead,
		db:            db,
		log:           zap.NewNop(),
		pingInterval:  DefaultPingInterval,
		reconInterval: DefaultReconInterval,
		faultCooldown: DefaultFaultCooldown,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Errored reports whether the pool is currently flagged down.
func (p *Pool) Errored() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errored || p.inCooldown()
}

func (p *Pool) inCooldown() bool {
	return !p.faultedAt.IsZero() && time.Since(p.faultedAt) < p.faultCooldown
}

// NumBusy reports the current busy-connection count.
func (p *Pool) NumBusy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numBusy
}

// Acquire attempts to borrow a connection under the given busy ceiling
// (spec §4.9 step 1/2: max_all for writes/replica reads, max_read for
// primary reads). Returns (nil, false) if the pool cannot serve right
// now — the caller should queue the job.
func (p *Pool) Acquire(ctx context.Context, ceiling int) (*sql.Conn, bool) {
	p.mu.Lock()
	if p.errored || p.closing || p.inCooldown() || p.numBusy >= ceiling {
		p.mu.Unlock()
		return nil, false
	}
	if n := len(p.idle); n > 0 {
		cn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.numBusy++
		p.mu.Unlock()
		return cn, true
	}
	p.numBusy++
	p.mu.Unlock()

	cn, err := p.db.Conn(ctx)
	if err != nil {
		p.mu.Lock()
		p.numBusy--
		p.mu.Unlock()
		p.log.Warn("dbpool: dial failed", zap.String("addr", p.Addr), zap.Error(err))
		return nil, false
	}
	return cn, true
}

// Release returns a connection to the pool (spec §4.9's release
// algorithm): decrement num_busy; if healthy, push to idle and schedule
// a ping; if unhealthy, drop it and, if the pool is now fully empty,
// flag errored and kick off a reconnect task.
func (p *Pool) Release(cn *sql.Conn, healthy bool) {
	p.mu.Lock()
	p.numBusy--
	if healthy && !p.closing {
		p.idle = append(p.idle, cn)
		hook := p.drainHook
		p.mu.Unlock()
		time.AfterFunc(p.pingInterval, func() { p.pingIdle(cn) })
		if hook != nil {
			hook()
		}
		return
	}
	cn.Close()
	empty := p.numBusy == 0 && len(p.idle) == 0
	shouldRecon := empty && !p.closing && !p.errored
	if empty {
		p.errored = true
		p.faultedAt = time.Now()
	}
	p.mu.Unlock()

	if shouldRecon {
		p.startReconnect()
	}
}

// Fault marks the pool's most recent operation as failed (spec §4.10:
// quarantine for a short cool-down after a ping failure following a
// query error).
func (p *Pool) Fault() {
	p.mu.Lock()
	p.faultedAt = time.Now()
	p.mu.Unlock()
}

func (p *Pool) pingIdle(cn *sql.Conn) {
	p.mu.Lock()
	idx := -1
	for i, c := range p.idle {
		if c == cn {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return // already borrowed or dropped
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	err := cn.PingContext(ctx)
	cancel()
	if err == nil {
		return
	}

	p.mu.Lock()
	for i, c := range p.idle {
		if c == cn {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	cn.Close()
	empty := p.numBusy == 0 && len(p.idle) == 0
	shouldRecon := empty && !p.closing && !p.errored
	if empty {
		p.errored = true
		p.faultedAt = time.Now()
	}
	p.mu.Unlock()

	if shouldRecon {
		p.startReconnect()
	}
}

// startReconnect launches the dedicated reconnect task (spec §4.9): it
// attempts connect() on a fixed RECON_INTERVAL backoff until it
// succeeds, then clears the errored flag and returns a fresh
// connection to idle.
func (p *Pool) startReconnect() {
	p.mu.Lock()
	if p.reconnecting {
		p.mu.Unlock()
		return
	}
	p.reconnecting = true
	p.stopRecon = make(chan struct{})
	stop := p.stopRecon
	p.mu.Unlock()

	go func() {
		b := backoff.WithContext(backoff.NewConstantBackOff(p.reconInterval), contextUntilClosed(stop))
		_ = backoff.Retry(func() error {
			select {
			case <-stop:
				return backoff.Permanent(fmt.Errorf("dbpool: %s: reconnect stopped", p.Addr))
			default:
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			cn, err := p.db.Conn(ctx)
			if err != nil {
				p.log.Warn("dbpool: reconnect attempt failed", zap.String("addr", p.Addr), zap.Error(err))
				return err
			}
			p.mu.Lock()
			p.errored = false
			p.faultedAt = time.Time{}
			p.idle = append(p.idle, cn)
			p.reconnecting = false
			hook := p.drainHook
			p.mu.Unlock()
			p.log.Info("dbpool: reconnected", zap.String("addr", p.Addr))
			if hook != nil {
				hook()
			}
			return nil
		}, b)
	}()
}

// Shutdown drains the pool: no further acquires succeed, and all idle
// connections are closed. In-flight busy connections close themselves
// on their next Release.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closing = true
	idle := p.idle
	p.idle = nil
	stop := p.stopRecon
	p.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	for _, cn := range idle {
		cn.Close()
	}
}

// contextUntilClosed returns a context that is cancelled when stop is
// closed, for use as backoff's retry-loop context.
func contextUntilClosed(stop chan struct{}) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-stop
		cancel()
	}()
	return ctx
}
