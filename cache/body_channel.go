package cache

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pior/trafficcore/iobuf"
	"github.com/pior/trafficcore/iochannel"
)

// bodyChannel adapts an in-memory alternate body to iochannel.Channel so
// OpenRead can hand the SM the same abstraction it uses for live
// sockets. The SM registers it in its VC table; the response body it
// serves is taken from the alternate directly, not read from this channel.
type bodyChannel struct {
	mu     sync.Mutex
	r      *bytes.Reader
	closed bool
}

func newBodyChannel(r *bytes.Reader) *bodyChannel { return &bodyChannel{r: r} }

func (c *bodyChannel) DoIORead(handler iochannel.Handler, nbytes int64, buf *iobuf.Buffer) *iochannel.VIO {
	v := &iochannel.VIO{Dir: iochannel.DirRead, NBytes: nbytes, Handler: handler, Buffer: buf}
	go func() {
		tmp := make([]byte, 32*1024)
		for {
			if c.Closed() {
				return
			}
			n, err := c.r.Read(tmp)
			if n > 0 {
				buf.Write(tmp[:n])
				v.Done += int64(n)
				if handler != nil {
					handler.HandleEvent(iochannel.EventReadReady, v)
				}
			}
			if err == io.EOF || v.Satisfied() {
				if handler != nil {
					handler.HandleEvent(iochannel.EventReadComplete, v)
				}
				return
			}
			if err != nil {
				if handler != nil {
					handler.HandleEvent(iochannel.EventError, v)
				}
				return
			}
		}
	}()
	return v
}

func (c *bodyChannel) DoIOWrite(handler iochannel.Handler, nbytes int64, reader *iobuf.Reader) *iochannel.VIO {
	v := &iochannel.VIO{Dir: iochannel.DirWrite, NBytes: nbytes, Handler: handler}
	if handler != nil {
		handler.HandleEvent(iochannel.EventError, v) // cached bodies are read-only
	}
	return v
}

func (c *bodyChannel) DoIOClose(errno error) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *bodyChannel) DoIOShutdown(dir iochannel.Direction) {}
func (c *bodyChannel) Reenable(v *iochannel.VIO)             {}
func (c *bodyChannel) SetActiveTimeout(d time.Duration)      {}
func (c *bodyChannel) SetInactivityTimeout(d time.Duration)  {}
func (c *bodyChannel) CancelActiveTimeout()                  {}
func (c *bodyChannel) CancelInactivityTimeout()              {}
func (c *bodyChannel) RemoteAddr() net.Addr                  { return nil }
func (c *bodyChannel) LocalAddr() net.Addr                   { return nil }
func (c *bodyChannel) GetService(tag iochannel.CapabilityTag) any { return nil }

func (c *bodyChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

var _ iochannel.Channel = (*bodyChannel)(nil)
