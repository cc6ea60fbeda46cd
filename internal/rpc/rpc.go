// Package rpc defines the abstract request/reply shapes that the rest of
// this repository is built on. The real wire framing and JSON/binary codec
// are out of scope (spec §1) — callers hand us a Quest that already has its
// service/method/args/context decoded, and we hand back an Answer through a
// Waiter. Everything downstream (servants, pools, jobs) only depends on
// these shapes, never on a concrete transport.
package rpc

import "context"

// Status codes mirror the error taxonomy in spec §7. Zero is success.
type Status int

const (
	StatusOK Status = 0

	StatusArgument Status = 400 + iota
	StatusNotFound
	StatusProtocol
	StatusTimeout
	StatusOverload
	StatusUpstream
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusArgument:
		return "ARGUMENT"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusProtocol:
		return "PROTOCOL"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusOverload:
		return "OVERLOAD"
	case StatusUpstream:
		return "UPSTREAM"
	case StatusFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Context keys observed on a Quest, per spec §6.
const (
	CtxCache    = "CACHE"
	CtxCaller   = "CALLER"
	CtxMaster   = "MASTER"
	CtxHTTP2Xic = "HTTP2XIC"
)

// Quest is one inbound call: a named method on a named service, with
// positional/keyed arguments and a context bag. Oneway quests (Txid == 0)
// expect no answer and must not be cached (spec §4.5).
type Quest struct {
	Service string
	Method  string
	Args    map[string]any
	Ctx     map[string]any
	Txid    uint64

	// ConnID identifies the underlying transport connection this quest
	// arrived on. The transport itself is out of scope (spec §1); this
	// field is populated by whatever listener hands quests to the core,
	// and is consumed by DbMan's caller-kind stickiness (spec §4.8),
	// which keys on (connection, caller, kind).
	ConnID uint64
}

// Oneway reports whether the caller expects no answer.
func (q *Quest) Oneway() bool { return q.Txid == 0 }

// IntCtx reads an integer context value, defaulting to def when absent or
// of the wrong type.
func (q *Quest) IntCtx(key string, def int) int {
	if q.Ctx == nil {
		return def
	}
	switch v := q.Ctx[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	}
	return def
}

// StringCtx reads a string context value.
func (q *Quest) StringCtx(key string) string {
	if q.Ctx == nil {
		return ""
	}
	s, _ := q.Ctx[key].(string)
	return s
}

// BoolCtx reads a boolean context value.
func (q *Quest) BoolCtx(key string) bool {
	if q.Ctx == nil {
		return false
	}
	b, _ := q.Ctx[key].(bool)
	return b
}

// Answer is the reply to a Quest: a status plus method-defined args.
// Raw, when non-nil, lends a cached byte slice to the answer without a
// copy (spec §9 "external-buffer cache re-use"); the answer pipeline is
// expected to release it via Release once sent.
type Answer struct {
	Status  Status
	Args    map[string]any
	Raw     []byte
	release func()
}

// NewAnswer builds a success answer carrying args.
func NewAnswer(args map[string]any) *Answer {
	return &Answer{Status: StatusOK, Args: args}
}

// NewError builds a failed answer from a status and message.
func NewError(status Status, msg string) *Answer {
	return &Answer{Status: status, Args: map[string]any{"error": msg}}
}

// WithRelease attaches a release callback invoked once by Release.
func (a *Answer) WithRelease(fn func()) *Answer {
	a.release = fn
	return a
}

// Release runs the attached release callback, if any, exactly once.
func (a *Answer) Release() {
	if a.release != nil {
		fn := a.release
		a.release = nil
		fn()
	}
}

// Waiter is how a servant delivers an asynchronous answer back to the
// caller. Process must be called exactly once per quest that is not
// oneway.
type Waiter interface {
	Process(a *Answer)
}

// WaiterFunc adapts a function to a Waiter.
type WaiterFunc func(a *Answer)

func (f WaiterFunc) Process(a *Answer) { f(a) }

// Servant answers quests for one logical service name.
type Servant interface {
	// Process handles a quest. It may reply synchronously (calling
	// w.Process before returning) or asynchronously from another
	// goroutine. ctx carries cancellation/deadlines for the call.
	Process(ctx context.Context, q *Quest, w Waiter)
}
