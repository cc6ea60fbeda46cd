package dbpool

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

// Queue caps from spec §4.9.
const (
	WriteQueueCap = 256
	ReadQueueCap  = 64
)

// ErrBusy is returned when a job cannot even be queued because its
// queue is already full (spec: "overflow cancels the job immediately
// with a typed BUSY error").
var ErrBusy = errors.New("dbpool: BUSY")

// ErrNoConnection is returned by discardJobs for jobs queued against an
// all-errored team (spec §4.9).
var ErrNoConnection = errors.New("dbpool: NO CONNECTION")

// Team is DbMan's DBTeam: one primary pool plus its replicas, serving
// acquire() under the spec §4.9 policy and queueing jobs that can't
// acquire immediately.
type Team struct {
	Primary  *Pool
	Replicas []*Pool

	mu        sync.Mutex
	lastSlave int

	writeQueue chan func()
	readQueue  chan func()

	shutdown bool
}

// NewTeam builds a Team over a primary pool and zero or more replicas.
func NewTeam(primary *Pool, replicas ...*Pool) *Team {
	t := &Team{
		Primary:    primary,
		Replicas:   replicas,
		writeQueue: make(chan func(), WriteQueueCap),
		readQueue:  make(chan func(), ReadQueueCap),
	}
	primary.SetDrainHook(func() { t.drainAfterRelease(true) })
	for _, p := range replicas {
		p.SetDrainHook(func() { t.drainAfterRelease(false) })
	}
	return t
}

// drainAfterRelease hands the single unit of capacity that just freed up
// (a healthy release or a successful reconnect on one of the team's
// pools) to one queued job. A primary-pool event can serve either
// queue, so it tries writes first; a replica-pool event can only ever
// serve reads.
func (t *Team) drainAfterRelease(isPrimary bool) {
	if isPrimary && t.DrainOne(true) {
		return
	}
	t.DrainOne(false)
}

// Acquire implements spec §4.9's acquire policy: for a read request
// that may use a replica, round-robin the replicas starting at
// lastSlave among active pools with room, preferring the one with
// fewest busy connections; otherwise (or on no replica chosen) try the
// primary under the write/read busy ceiling. Returns (nil, nil, false)
// when no pool can serve right now.
func (t *Team) Acquire(ctx context.Context, wantReplica, isWrite bool) (*sql.Conn, *Pool, bool) {
	if wantReplica && !isWrite && len(t.Replicas) > 0 {
		if cn, pool, ok := t.acquireReplica(ctx); ok {
			return cn, pool, true
		}
	}
	ceiling := t.Primary.MaxAll
	if !isWrite {
		ceiling = t.Primary.MaxRead
	}
	if cn, ok := t.Primary.Acquire(ctx, ceiling); ok {
		return cn, t.Primary, true
	}
	return nil, nil, false
}

func (t *Team) acquireReplica(ctx context.Context) (*sql.Conn, *Pool, bool) {
	t.mu.Lock()
	n := len(t.Replicas)
	start := t.lastSlave % n
	t.mu.Unlock()

	type candidate struct {
		idx  int
		pool *Pool
	}
	var best *candidate
	bestBusy := -1
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		p := t.Replicas[idx]
		if p.Errored() {
			continue
		}
		busy := p.NumBusy()
		if busy >= p.MaxAll {
			continue
		}
		if best == nil || busy < bestBusy {
			best = &candidate{idx: idx, pool: p}
			bestBusy = busy
			if busy == 0 {
				break // spec: "break on zero-busy"
			}
		}
	}
	if best == nil {
		return nil, nil, false
	}
	cn, ok := best.pool.Acquire(ctx, best.pool.MaxAll)
	if !ok {
		return nil, nil, false
	}
	t.mu.Lock()
	t.lastSlave = (best.idx + 1) % n
	t.mu.Unlock()
	return cn, best.pool, true
}

// Enqueue queues work (already bound to a specific job via the closure)
// on the write or read queue, failing immediately with ErrBusy on
// overflow.
func (t *Team) Enqueue(isWrite bool, work func()) error {
	q := t.readQueue
	if isWrite {
		q = t.writeQueue
	}
	select {
	case q <- work:
		return nil
	default:
		return ErrBusy
	}
}

// DrainOne pulls and runs exactly one queued job for the given queue
// kind, if any is waiting. Returns false if the queue was empty.
func (t *Team) DrainOne(isWrite bool) bool {
	q := t.readQueue
	if isWrite {
		q = t.writeQueue
	}
	select {
	case work := <-q:
		work()
		return true
	default:
		return false
	}
}

// DiscardJobs fails every currently-queued job with ErrNoConnection,
// for a team whose pools are all errored (spec §4.9). fail is called
// once per discarded job.
func (t *Team) DiscardJobs(fail func(err error)) int {
	n := 0
	for {
		select {
		case <-t.writeQueue:
			fail(ErrNoConnection)
			n++
		case <-t.readQueue:
			fail(ErrNoConnection)
			n++
		default:
			return n
		}
	}
}

// AllErrored reports whether the primary and every replica are
// currently flagged errored.
func (t *Team) AllErrored() bool {
	if !t.Primary.Errored() {
		return false
	}
	for _, p := range t.Replicas {
		if !p.Errored() {
			return false
		}
	}
	return true
}

// Shutdown shuts down every pool in the team.
func (t *Team) Shutdown() {
	t.mu.Lock()
	t.shutdown = true
	t.mu.Unlock()
	t.Primary.Shutdown()
	for _, p := range t.Replicas {
		p.Shutdown()
	}
}
