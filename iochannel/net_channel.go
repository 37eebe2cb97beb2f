package iochannel

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pior/trafficcore/iobuf"
)

// NetChannel adapts a net.Conn to the Channel interface. Each NetChannel
// owns one read goroutine and one write goroutine; both funnel their
// completion events through a single mutex so a Channel's Handler only
// ever observes one event at a time, matching the per-SM-mutex dispatch
// model in spec §5.
type NetChannel struct {
	conn net.Conn

	deliverMu  sync.Mutex // held while a Handler runs
	mu         sync.Mutex
	readVIO    *VIO
	writeVIO   *VIO
	closed     bool
	closeErr   error
	activeT    *time.Timer
	inactiveT  *time.Timer
	activeDur  time.Duration
	inactive   time.Duration
}

// NewNetChannel wraps conn. Reads are appended to the buffer passed to
// each DoIORead call.
func NewNetChannel(conn net.Conn) *NetChannel {
	return &NetChannel{conn: conn}
}

func (c *NetChannel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
func (c *NetChannel) LocalAddr() net.Addr  { return c.conn.LocalAddr() }

func (c *NetChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *NetChannel) GetService(tag CapabilityTag) any {
	tconn, ok := c.conn.(*tls.Conn)
	if !ok {
		return nil
	}
	switch tag {
	case CapTLSBasic, CapALPN, CapTLSSessionResumption:
		return &tlsService{conn: tconn}
	default:
		return nil
	}
}

type tlsService struct{ conn *tls.Conn }

func (s *tlsService) TLSVersion() uint16    { return s.conn.ConnectionState().Version }
func (s *tlsService) CipherSuite() uint16   { return s.conn.ConnectionState().CipherSuite }
func (s *tlsService) SNIServerName() string { return s.conn.ConnectionState().ServerName }
func (s *tlsService) NegotiatedProtocol() string {
	return s.conn.ConnectionState().NegotiatedProtocol
}
func (s *tlsService) SupportedProtocols() []string { return nil }
func (s *tlsService) SessionResumed() bool          { return s.conn.ConnectionState().DidResume }

// DoIORead arms a read VIO and starts (or continues) pumping conn.Read into
// buf until nbytes is satisfied, EOS, or error.
func (c *NetChannel) DoIORead(handler Handler, nbytes int64, buf *iobuf.Buffer) *VIO {
	v := &VIO{Dir: DirRead, NBytes: nbytes, Handler: handler, Buffer: buf}
	c.mu.Lock()
	c.readVIO = v
	c.mu.Unlock()
	go c.readLoop(v)
	return v
}

func (c *NetChannel) readLoop(v *VIO) {
	tmp := make([]byte, 32*1024)
	for {
		c.mu.Lock()
		if c.closed || c.readVIO != v {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		want := tmp
		if v.NBytes != NBytesUnbounded {
			remain := v.Remaining()
			if remain < int64(len(want)) {
				want = tmp[:remain]
			}
		}
		n, err := c.conn.Read(want)
		if n > 0 {
			v.Buffer.Write(want[:n])
			v.Done += int64(n)
			c.deliver(v.Handler, EventReadReady, v)
			if v.Satisfied() {
				c.deliver(v.Handler, EventReadComplete, v)
				return
			}
		}
		if err != nil {
			c.onReadError(v, err)
			return
		}
	}
}

func (c *NetChannel) onReadError(v *VIO, err error) {
	ev := EventError
	if isEOF(err) {
		ev = EventEOS
	} else if isTimeout(err) {
		ev = EventInactivityTimeout
	}
	c.deliver(v.Handler, ev, v)
}

// DoIOWrite arms a write VIO draining reader into conn.Write.
func (c *NetChannel) DoIOWrite(handler Handler, nbytes int64, reader *iobuf.Reader) *VIO {
	v := &VIO{Dir: DirWrite, NBytes: nbytes, Handler: handler, Reader: reader}
	c.mu.Lock()
	c.writeVIO = v
	c.mu.Unlock()
	go c.writeLoop(v)
	return v
}

func (c *NetChannel) writeLoop(v *VIO) {
	buf := make([]byte, 32*1024)
	for {
		c.mu.Lock()
		if c.closed || c.writeVIO != v {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		want := buf
		if v.NBytes != NBytesUnbounded {
			remain := v.Remaining()
			if remain == 0 {
				c.deliver(v.Handler, EventWriteComplete, v)
				return
			}
			if remain < int64(len(want)) {
				want = buf[:remain]
			}
		}
		n, _ := v.Reader.Read(want)
		if n == 0 {
			c.deliver(v.Handler, EventWriteReady, v)
			if v.Satisfied() {
				c.deliver(v.Handler, EventWriteComplete, v)
				return
			}
			time.Sleep(time.Millisecond) // backpressure: upstream hasn't produced yet
			continue
		}
		if _, err := c.conn.Write(want[:n]); err != nil {
			c.deliver(v.Handler, EventError, v)
			return
		}
		v.Done += int64(n)
		c.deliver(v.Handler, EventWriteReady, v)
		if v.Satisfied() {
			c.deliver(v.Handler, EventWriteComplete, v)
			return
		}
	}
}

func (c *NetChannel) deliver(h Handler, ev Event, v *VIO) {
	if h == nil {
		return
	}
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	h.HandleEvent(ev, v)
}

func (c *NetChannel) DoIOClose(errno error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = errno
	c.readVIO = nil
	c.writeVIO = nil
	if c.activeT != nil {
		c.activeT.Stop()
	}
	if c.inactiveT != nil {
		c.inactiveT.Stop()
	}
	c.mu.Unlock()
	c.conn.Close()
}

func (c *NetChannel) DoIOShutdown(dir Direction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch dir {
	case DirRead:
		c.readVIO = nil
	case DirWrite:
		c.writeVIO = nil
	case DirBoth:
		c.readVIO = nil
		c.writeVIO = nil
	}
}

// Reenable is a no-op for NetChannel: the read/write loops poll c.readVIO /
// c.writeVIO continuously rather than suspending between reenables, since
// Go's blocking I/O already yields to the scheduler. It exists to satisfy
// the Channel contract for callers written against the hook-suspension
// model (spec §4.1).
func (c *NetChannel) Reenable(v *VIO) {}

func (c *NetChannel) SetActiveTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeDur = d
	if c.activeT != nil {
		c.activeT.Stop()
	}
	if d <= 0 {
		return
	}
	c.activeT = time.AfterFunc(d, func() {
		c.mu.Lock()
		rv, wv := c.readVIO, c.writeVIO
		c.mu.Unlock()
		if rv != nil {
			c.deliver(rv.Handler, EventActiveTimeout, rv)
		}
		if wv != nil {
			c.deliver(wv.Handler, EventActiveTimeout, wv)
		}
	})
}

func (c *NetChannel) SetInactivityTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inactive = d
	c.conn.SetDeadline(time.Time{})
	if d > 0 {
		c.conn.SetDeadline(time.Now().Add(d))
	}
}

func (c *NetChannel) CancelActiveTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeT != nil {
		c.activeT.Stop()
		c.activeT = nil
	}
}

func (c *NetChannel) CancelInactivityTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetDeadline(time.Time{})
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func isTimeout(err error) bool {
	type timeoutter interface{ Timeout() bool }
	te, ok := err.(timeoutter)
	return ok && te.Timeout()
}

var _ Channel = (*NetChannel)(nil)
