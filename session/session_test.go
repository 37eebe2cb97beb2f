package session

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/trafficcore/internal/testutils"
	"github.com/pior/trafficcore/iochannel"
)

func newTestSession() *Session {
	conn := testutils.NewConnectionMock("GET /a HTTP/1.1\r\nHost: example\r\n\r\n")
	ch := iochannel.NewNetChannel(conn)
	return New(KindClient, ch)
}

func TestSession_ArriveReleaseKeepAlive(t *testing.T) {
	s := newTestSession()
	require.Equal(t, StateInit, s.State())

	id := s.Arrive()
	assert.Equal(t, int64(1), id)
	assert.Equal(t, StateActiveReader, s.State())

	s.Release(true)
	assert.Equal(t, StateKeepAlive, s.State())

	id2 := s.Arrive()
	assert.Equal(t, int64(2), id2, "transaction_id is the session counter at start")

	started, released := s.TransactionCounts()
	assert.Equal(t, int64(2), started)
	assert.Equal(t, int64(1), released)
}

func TestSession_ReleaseNoKeepAliveHalfCloses(t *testing.T) {
	s := newTestSession()
	s.Arrive()
	s.Release(false)
	assert.Equal(t, StateHalfClosed, s.State(), "non-TLS channel may half-close")
}

// The TLS branch of supportsHalfClose (half-close refused) is not
// exercised in this file: a channel reporting CapTLSBasic needs a real
// tls handshake. TestSession_ReleaseNoKeepAliveHalfCloses covers the
// plain path; this test checks the started == released invariant.
func TestSession_InvariantTransactionCountsMatchAtClose(t *testing.T) {
	s := newTestSession()
	s.Arrive()
	s.Release(true)
	s.Arrive()
	s.Release(true)
	s.Close()

	started, released := s.TransactionCounts()
	assert.Equal(t, started, released, "transactions_started(s) == transactions_released(s) at SSN_CLOSE")
}

func TestSession_BindAndUnbindServerSession(t *testing.T) {
	client := newTestSession()
	srv := newTestSession()

	client.BindServerSession(srv)
	got := client.UnbindServerSession()
	assert.Same(t, srv, got)
	assert.Nil(t, client.UnbindServerSession())
}

func TestSession_CloseClosesBoundServerSession(t *testing.T) {
	client := newTestSession()
	srv := newTestSession()
	client.BindServerSession(srv)

	client.Close()
	assert.Equal(t, StateClosed, srv.State(), "a client session going away closes its bound server session")
}

func TestDrainer_RefusesIdleOnly(t *testing.T) {
	d := NewDrainer()
	d.Start()
	assert.True(t, d.Draining())

	idle := newTestSession()
	idle.Arrive()
	idle.Release(true) // KEEP_ALIVE

	active := newTestSession()
	active.Arrive() // ACTIVE_READER

	d.MaybeClose(idle)
	d.MaybeClose(active)

	assert.Equal(t, StateClosed, idle.State())
	assert.Equal(t, StateActiveReader, active.State(), "draining never interrupts an active transaction")
}

func TestSession_RemoteAddr(t *testing.T) {
	s := newTestSession()
	addr, ok := s.RemoteAddr().(*net.TCPAddr)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", addr.IP.String())
}
