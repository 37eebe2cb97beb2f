package session

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"

	"github.com/pior/trafficcore/iochannel"
)

// PoolStats mirrors the teacher's PoolStats shape (stats.go), re-exported
// here as the server-session pool's own snapshot and, via the metrics
// package, as Prometheus gauges.
type PoolStats struct {
	TotalConns        int32
	IdleConns         int32
	ActiveConns       int32
	AcquireCount      uint64
	AcquireWaitCount  uint64
	CreatedConns      uint64
	DestroyedConns    uint64
	AcquireWaitTimeNs uint64
}

// Dialer abstracts outbound connection establishment so tests can supply
// an in-memory constructor instead of real TCP.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// TLSDialer wraps a net.Dialer to dial TLS when TLS is non-nil.
type TLSDialer struct {
	Net *net.Dialer
	TLS *tls.Config
}

func (d *TLSDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	nd := d.Net
	if nd == nil {
		nd = &net.Dialer{}
	}
	if d.TLS == nil {
		return nd.DialContext(ctx, network, addr)
	}
	td := &tls.Dialer{NetDialer: nd, Config: d.TLS}
	return td.DialContext(ctx, network, addr)
}

// Pool is a per-origin-address puddle-backed pool of server Sessions
// (spec §4.5 "Server-session binding"), grounded directly on the
// teacher's pool_puddle.go wrapper around jackc/puddle/v2.
type Pool struct {
	addr string
	pool *puddle.Pool[*Session]

	createdConns   atomic.Int64
	destroyedConns atomic.Int64
}

// NewPool creates a pool of server sessions to addr, dialing with dialer
// and capping concurrent live connections at maxSize.
func NewPool(addr string, dialer Dialer, maxSize int32) (*Pool, error) {
	p := &Pool{addr: addr}

	cfg := &puddle.Config[*Session]{
		Constructor: func(ctx context.Context) (*Session, error) {
			conn, err := dialer.DialContext(ctx, "tcp", addr)
			if err != nil {
				return nil, err
			}
			p.createdConns.Add(1)
			sess := New(KindServer, iochannel.NewNetChannel(conn))
			return sess, nil
		},
		Destructor: func(s *Session) {
			p.destroyedConns.Add(1)
			s.Close()
		},
		MaxSize: maxSize,
	}

	pp, err := puddle.NewPool(cfg)
	if err != nil {
		return nil, err
	}
	p.pool = pp
	return p, nil
}

func (p *Pool) Address() string { return p.addr }

// Acquire checks out a server session, dialing a new one if none are
// idle and the pool has headroom.
func (p *Pool) Acquire(ctx context.Context) (*puddle.Resource[*Session], error) {
	return p.pool.Acquire(ctx)
}

// Park returns a server session to the pool at TXN_CLOSE when the origin
// connection is healthy and the transaction indicated reuse (spec §4.5).
// It records keepAliveTimeout on the session, marks it KEEP_ALIVE and
// releases it. No read is armed on the parked connection, so a far-side
// close is not detected while the session sits idle in the pool.
func (p *Pool) Park(res *puddle.Resource[*Session], keepAliveTimeout time.Duration) {
	sess := res.Value()
	sess.SetKeepAliveTimeout(keepAliveTimeout)
	sess.setState(StateKeepAlive)
	res.Release()
}

// Destroy discards res instead of returning it to the pool (origin
// connection unhealthy, or reuse not indicated).
func (p *Pool) Destroy(res *puddle.Resource[*Session]) {
	res.Destroy()
}

func (p *Pool) Close() { p.pool.Close() }

// PoolManager lazily creates and caches one Pool per origin address (spec
// §4.5: server sessions are pooled per destination, not globally), so
// callers don't need to pre-enumerate every origin a resolver might hand
// back.
type PoolManager struct {
	mu      sync.Mutex
	dialer  Dialer
	maxSize int32
	pools   map[string]*Pool
}

// NewPoolManager builds a manager that dials new server sessions with
// dialer, capping each address's pool at maxSize connections.
func NewPoolManager(dialer Dialer, maxSize int32) *PoolManager {
	return &PoolManager{dialer: dialer, maxSize: maxSize, pools: make(map[string]*Pool)}
}

// PoolFor returns the Pool for addr, creating it on first use.
func (m *PoolManager) PoolFor(addr string) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[addr]; ok {
		return p, nil
	}
	p, err := NewPool(addr, m.dialer, m.maxSize)
	if err != nil {
		return nil, err
	}
	m.pools[addr] = p
	return p, nil
}

// Close shuts down every pool the manager has created.
func (m *PoolManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pools {
		p.Close()
	}
}

func (p *Pool) Stats() PoolStats {
	s := p.pool.Stat()
	return PoolStats{
		TotalConns:        s.TotalResources(),
		IdleConns:         s.IdleResources(),
		ActiveConns:       s.AcquiredResources(),
		AcquireCount:      uint64(s.AcquireCount()),
		AcquireWaitCount:  uint64(s.EmptyAcquireCount()),
		CreatedConns:      uint64(p.createdConns.Load()),
		DestroyedConns:    uint64(p.destroyedConns.Load()),
		AcquireWaitTimeNs: uint64(s.EmptyAcquireWaitTime().Nanoseconds()),
	}
}
