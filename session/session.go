// Package session implements the client/server connection lifecycle
// (spec component C5) layered on top of iochannel: a session owns a
// channel and a read buffer+reader and cycles through keep-alive,
// active, half-close, and close states as transactions come and go.
package session

import (
	"net"
	"sync"
	"time"

	"github.com/pior/trafficcore/internal/coarsetime"
	"github.com/pior/trafficcore/iobuf"
	"github.com/pior/trafficcore/iochannel"
)

// State is a session's lifecycle state (spec §4.5).
type State int

const (
	StateInit State = iota
	StateKeepAlive
	StateActiveReader
	StateHalfClosed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateKeepAlive:
		return "KEEP_ALIVE"
	case StateActiveReader:
		return "ACTIVE_READER"
	case StateHalfClosed:
		return "HALF_CLOSED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Kind distinguishes a client (inbound) session from a server (outbound,
// poolable) session. Both share this type per spec §4.5's "two session
// classes share one base".
type Kind int

const (
	KindClient Kind = iota
	KindServer
)

// Session is a connection spanning one or more transactions.
type Session struct {
	mu    sync.Mutex
	kind  Kind
	ch    iochannel.Channel
	rbuf  *iobuf.Buffer
	rrdr  *iobuf.Reader

	state State

	txnCounter    int64 // monotonically increasing; transaction_id source
	txnsStarted   int64
	txnsReleased  int64

	lastActivity time.Time

	keepAliveTimeout time.Duration // inactivity bound applied by halfClose

	// server-session binding: while non-nil, this client session holds a
	// server session checked out on its behalf for the in-flight txn.
	bound *Session

	onClose func(*Session)
}

// New wraps ch as a session of the given kind.
func New(kind Kind, ch iochannel.Channel) *Session {
	return &Session{
		kind:         kind,
		ch:           ch,
		rbuf:         iobuf.NewBuffer(),
		state:        StateInit,
		lastActivity: coarsetime.Now(),
	}
}

func (s *Session) Kind() Kind             { return s.kind }
func (s *Session) Channel() iochannel.Channel { return s.ch }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.lastActivity = coarsetime.Now()
	s.mu.Unlock()
}

// Reader returns the session's buffered reader over inbound bytes,
// creating it on first use. Later transactions on the same session
// continue reading from the same cursor (pipelined requests).
func (s *Session) Reader() *iobuf.Reader {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rrdr == nil {
		s.rrdr = s.rbuf.NewReader()
	}
	return s.rrdr
}

func (s *Session) Buffer() *iobuf.Buffer { return s.rbuf }

// Arrive transitions INIT/KEEP_ALIVE → ACTIVE_READER when bytes produce a
// new transaction; it returns the transaction_id (spec §4.5 "Transaction
// counter").
func (s *Session) Arrive() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateActiveReader
	s.txnCounter++
	s.txnsStarted++
	s.lastActivity = coarsetime.Now()
	return s.txnCounter
}

// Release transitions ACTIVE_READER back to KEEP_ALIVE (txn finished,
// connection reusable) or, if keepAlive is false, to HALF_CLOSED/CLOSED
// per the half-close policy (spec §4.5).
func (s *Session) Release(keepAlive bool) {
	s.mu.Lock()
	s.txnsReleased++
	s.mu.Unlock()

	if keepAlive {
		s.setState(StateKeepAlive)
		return
	}

	if s.supportsHalfClose() {
		s.halfClose()
		return
	}
	s.Close()
}

// supportsHalfClose reports whether this session's channel may be
// half-closed: TLS session framing forbids it (spec §4.5), detected via
// the capability map rather than a type switch on net.Conn.
func (s *Session) supportsHalfClose() bool {
	return s.ch.GetService(iochannel.CapTLSBasic) == nil
}

func (s *Session) halfClose() {
	s.ch.DoIOShutdown(iochannel.DirWrite)
	s.ch.SetInactivityTimeout(s.keepAliveTimeout)
	s.setState(StateHalfClosed)
}

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	bound := s.bound
	s.bound = nil
	cb := s.onClose
	s.mu.Unlock()

	if s.rrdr != nil {
		s.rrdr.Close()
	}
	s.ch.DoIOClose(nil)

	// A client session going away with a server session still attached
	// closes that server session too (spec §4.5 "Server-session
	// binding").
	if bound != nil {
		bound.Close()
	}
	if cb != nil {
		cb(s)
	}
}

// SetOnClose registers a callback invoked once, from Close.
func (s *Session) SetOnClose(fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = fn
}

// SetKeepAliveTimeout records the inactivity bound that halfClose applies
// to the channel. It is not applied while the session is idle in
// KEEP_ALIVE between transactions.
func (s *Session) SetKeepAliveTimeout(d time.Duration) {
	s.mu.Lock()
	s.keepAliveTimeout = d
	s.mu.Unlock()
}

// BindServerSession attaches srv as the origin connection in use for the
// current transaction on this client session.
func (s *Session) BindServerSession(srv *Session) {
	s.mu.Lock()
	s.bound = srv
	s.mu.Unlock()
}

// UnbindServerSession detaches and returns the currently bound server
// session, if any, clearing the binding.
func (s *Session) UnbindServerSession() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bound
	s.bound = nil
	return b
}

// TransactionCounts reports (started, released) for the
// transactions_started(s) == transactions_released(s) invariant (spec §8
// invariant 2), checked at SSN_CLOSE.
func (s *Session) TransactionCounts() (started, released int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txnsStarted, s.txnsReleased
}

func (s *Session) RemoteAddr() net.Addr { return s.ch.RemoteAddr() }
func (s *Session) LocalAddr() net.Addr  { return s.ch.LocalAddr() }
