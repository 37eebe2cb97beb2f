// Package hooks implements the ordered extension-point dispatch that the
// transaction state machine suspends on at well-defined transitions (spec
// component C4). It is the re-expression of the source's TSCont: a
// continuation is a (handler function, state, mutex) triple (spec §9
// "Continuation-style plugins"), here a closure. A List's mutex guards
// registration and the snapshot Fire takes; Fire calls each Fn with no
// lock held, so callbacks are not serialized by this package.
package hooks

import (
	"context"
	"sync"
)

// Point names a hook point (spec §4.4's table; names are normative).
type Point int

const (
	SSNStart Point = iota
	SSNClose
	TxnStart
	ReadRequestHdr
	ReadRequestPreRemap
	OSDNS
	CacheLookupComplete
	ReadCacheHdr
	SelectAlt
	SendRequestHdr
	ReadResponseHdr
	ResponseTransform
	SendResponseHdr
	TxnClose
	SSLVerifyClient
	SSLVerifyServer
)

func (p Point) String() string {
	switch p {
	case SSNStart:
		return "SSN_START"
	case SSNClose:
		return "SSN_CLOSE"
	case TxnStart:
		return "TXN_START"
	case ReadRequestHdr:
		return "READ_REQUEST_HDR"
	case ReadRequestPreRemap:
		return "READ_REQUEST_PRE_REMAP"
	case OSDNS:
		return "OS_DNS"
	case CacheLookupComplete:
		return "CACHE_LOOKUP_COMPLETE"
	case ReadCacheHdr:
		return "READ_CACHE_HDR"
	case SelectAlt:
		return "SELECT_ALT"
	case SendRequestHdr:
		return "SEND_REQUEST_HDR"
	case ReadResponseHdr:
		return "READ_RESPONSE_HDR"
	case ResponseTransform:
		return "RESPONSE_TRANSFORM"
	case SendResponseHdr:
		return "SEND_RESPONSE_HDR"
	case TxnClose:
		return "TXN_CLOSE"
	case SSLVerifyClient:
		return "SSL_VERIFY_CLIENT"
	case SSLVerifyServer:
		return "SSL_VERIFY_SERVER"
	default:
		return "UNKNOWN_HOOK"
	}
}

// Outcome is what a continuation resolves to when it calls Reenable.
type Outcome int

const (
	OutcomeContinue Outcome = iota
	OutcomeError
)

// Payload carries whatever object is relevant at a hook point: a *Txn, a
// Session, or a point-specific struct (e.g. an alternate candidate for
// SELECT_ALT). Callers type-assert on the concrete type they expect for
// the Point they registered against.
type Payload any

// Continuation is a single registered callback. Options mirror the
// source's hook option flags (e.g. NoCallback suppresses delivery without
// removing the registration, useful for temporarily-disabled plugins).
type Continuation struct {
	Name       string // for diagnostics; not part of dispatch order
	NoCallback bool
	Fn         func(ctx context.Context, payload Payload) Outcome
}

// List is the ordered, per-scope registration of continuations at one
// Point.
type List struct {
	mu    sync.Mutex
	conts []Continuation
}

// Add appends a continuation; a plugin that adds a hook to a later point
// mid-dispatch is guaranteed to see that point (spec §5 ordering
// guarantees) because later points haven't been walked yet.
func (l *List) Add(c Continuation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conts = append(l.conts, c)
}

func (l *List) snapshot() []Continuation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Continuation, len(l.conts))
	copy(out, l.conts)
	return out
}

func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conts)
}

// Registry owns the global hook lists (one List per Point) plus, for
// session/txn-scoped hooks, the per-instance lists the caller threads
// through Fire. Structured as an explicit object passed into each SM at
// construction rather than a package-level global (spec §9 "Global
// mutable state" — no hidden globals inside the SM; test builds can
// construct/destroy a fresh Registry per test).
type Registry struct {
	mu     sync.RWMutex
	global map[Point]*List
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{global: make(map[Point]*List)}
}

// AddGlobal registers a process-wide continuation at Point, analogous to
// TSHttpHookAdd. Used by plugins that want every transaction/session to
// see them, as opposed to per-txn/per-ssn registration.
func (r *Registry) AddGlobal(p Point, c Continuation) {
	r.mu.Lock()
	l, ok := r.global[p]
	if !ok {
		l = &List{}
		r.global[p] = l
	}
	r.mu.Unlock()
	l.Add(c)
}

func (r *Registry) globalList(p Point) *List {
	r.mu.RLock()
	l := r.global[p]
	r.mu.RUnlock()
	return l
}

// Scoped is a per-session or per-transaction hook list layered on top of
// the Registry's global tail: Fire walks the scoped list first, then the
// global list, in registration order (spec §4.4's dispatch contract,
// §4.4 SSN/TXN hook scoping in §3 "Hook registry").
type Scoped struct {
	reg  *Registry
	lists map[Point]*List
	mu    sync.Mutex
}

// NewScoped creates a session- or transaction-scoped hook list bound to
// reg's global tail.
func NewScoped(reg *Registry) *Scoped {
	return &Scoped{reg: reg, lists: make(map[Point]*List)}
}

// Add registers c at p, scoped to this Txn/Session only.
func (s *Scoped) Add(p Point, c Continuation) {
	s.mu.Lock()
	l, ok := s.lists[p]
	if !ok {
		l = &List{}
		s.lists[p] = l
	}
	s.mu.Unlock()
	l.Add(c)
}

func (s *Scoped) scopedList(p Point) *List {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lists[p]
}

// AddedCount reports how many continuations (scoped + global) are
// currently registered at p — used to check the "hooks added == hooks
// triggered" invariant (spec §8 invariant 1) in tests.
func (s *Scoped) AddedCount(p Point) int {
	n := 0
	if l := s.scopedList(p); l != nil {
		n += l.Len()
	}
	if l := s.reg.globalList(p); l != nil {
		n += l.Len()
	}
	return n
}

// Fire walks the scoped list for p then the registry's global list, in
// registration order, invoking each continuation's Fn and requiring
// exactly one Outcome per continuation (spec §4.4 invariants). It returns
// OutcomeError as soon as any continuation reports it — the SM is
// expected to short-circuit to error-response emission in that case —
// otherwise OutcomeContinue once every continuation in the snapshot taken
// when Fire starts has run. Continuations added to this same point during
// the fire are not included (snapshot-then-walk); additions to later
// points are seen when those points fire.
func (s *Scoped) Fire(ctx context.Context, p Point, payload Payload) (Outcome, int) {
	fired := 0
	for _, c := range s.listFor(p) {
		if c.NoCallback {
			continue
		}
		fired++
		if c.Fn(ctx, payload) == OutcomeError {
			return OutcomeError, fired
		}
	}
	return OutcomeContinue, fired
}

func (s *Scoped) listFor(p Point) []Continuation {
	var out []Continuation
	if l := s.scopedList(p); l != nil {
		out = append(out, l.snapshot()...)
	}
	if l := s.reg.globalList(p); l != nil {
		out = append(out, l.snapshot()...)
	}
	return out
}
