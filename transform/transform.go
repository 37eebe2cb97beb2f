// Package transform implements the response-body-path transform chain
// (spec component C8): each transform is a Channel that accepts a write
// VIO from its predecessor and exposes a read VIO to its successor,
// following the contract in spec §4.8. Two concrete shapes are provided,
// grounded on the plugin bodies in original_source/plugins/experimental
// (header_rewrite for header-only mutation, gzip for body rewriting with
// internal buffering): ETagSuffixStage (a header-only Stage) and
// GzipStage (a Stage whose BodyMutator rewrites the whole body).
package transform

import (
	"net"
	"sync"
	"time"

	"github.com/pior/trafficcore/iobuf"
	"github.com/pior/trafficcore/iochannel"
)

// HeaderMutator rewrites response headers before body bytes flow (spec
// §4.8: "The transform sees the response headers before body bytes and
// may mutate them").
type HeaderMutator func(header map[string][]string) map[string][]string

// BodyMutator transforms a complete body buffer. The chain accumulates
// the whole input body first, then passes each stage's output slice
// directly to the next stage's BodyMutator; stages have no VIOs of their
// own, and only the final output goes into the chain's output buffer.
type BodyMutator func(in []byte) (out []byte, err error)

// Stage is one link in the chain.
type Stage struct {
	Name      string
	Header    HeaderMutator
	Body      BodyMutator
}

// Chain runs registered stages in registration order (spec §4.8 "chained
// in registration order"). It is itself a Channel: upstream writes the
// untransformed body into it, and downstream reads the final
// transformed output from it.
type Chain struct {
	stages []Stage
	header map[string][]string

	mu     sync.Mutex
	in     []byte
	out    *iobuf.Buffer
	outRdr *iobuf.Reader
	closed bool
	errored bool
}

// NewChain builds a transform chain over stages, applied to header
// immediately (each stage may mutate it) and to the body once all input
// bytes have arrived.
func NewChain(header map[string][]string, stages ...Stage) *Chain {
	h := header
	for _, st := range stages {
		if st.Header != nil {
			h = st.Header(h)
		}
	}
	c := &Chain{stages: stages, header: h, out: iobuf.NewBuffer()}
	// outRdr must be created now, before any stage has written a byte:
	// Buffer.NewReader only sees writes that happen after its creation, and
	// finish() (called from DoIOWrite) always completes before a caller's
	// first DoIORead, so a lazily-created reader would observe an empty tail.
	c.outRdr = c.out.NewReader()
	return c
}

// Header returns the (possibly mutated) response header after all
// stages' Header mutators have run.
func (c *Chain) Header() map[string][]string { return c.header }

// DoIOWrite accepts the untransformed body. Per the per-stage contract
// (spec §4.8 steps 1-3): accumulate until the writer VIO reports
// complete (VIONTodo == 0), then run each stage's Body mutator in order,
// write the final bytes into the output buffer, and deliver
// WRITE_COMPLETE to handler (or ERROR if a stage fails).
func (c *Chain) DoIOWrite(handler iochannel.Handler, nbytes int64, reader *iobuf.Reader) *iochannel.VIO {
	v := &iochannel.VIO{Dir: iochannel.DirWrite, NBytes: nbytes, Handler: handler, Reader: reader}
	go func() {
		buf := make([]byte, 32*1024)
		for {
			if c.Closed() {
				return
			}
			n, _ := reader.Read(buf)
			if n > 0 {
				c.mu.Lock()
				c.in = append(c.in, buf[:n]...)
				c.mu.Unlock()
				v.Done += int64(n)
				if handler != nil {
					handler.HandleEvent(iochannel.EventWriteReady, v)
				}
			}
			if v.Satisfied() || (n == 0 && nbytes == iochannel.NBytesUnbounded) {
				break
			}
			if n == 0 {
				time.Sleep(time.Millisecond)
			}
		}
		c.finish(handler, v)
	}()
	return v
}

func (c *Chain) finish(handler iochannel.Handler, v *iochannel.VIO) {
	c.mu.Lock()
	body := c.in
	c.mu.Unlock()

	for _, st := range c.stages {
		if st.Body == nil {
			continue
		}
		b, err := st.Body(body)
		if err != nil {
			c.mu.Lock()
			c.errored = true
			c.mu.Unlock()
			if handler != nil {
				handler.HandleEvent(iochannel.EventError, v)
			}
			return
		}
		body = b
	}

	c.out.Write(body)
	if handler != nil {
		handler.HandleEvent(iochannel.EventWriteComplete, v)
	}
}

// DoIORead exposes the chain's output to the downstream consumer (the
// client-facing session write).
func (c *Chain) DoIORead(handler iochannel.Handler, nbytes int64, buf *iobuf.Buffer) *iochannel.VIO {
	c.mu.Lock()
	rdr := c.outRdr
	c.mu.Unlock()

	v := &iochannel.VIO{Dir: iochannel.DirRead, NBytes: nbytes, Handler: handler, Buffer: buf}
	n := rdr.CopyTo(buf, rdr.Avail(), 0)
	v.Done = n
	if handler != nil {
		handler.HandleEvent(iochannel.EventReadReady, v)
		handler.HandleEvent(iochannel.EventReadComplete, v)
	}
	return v
}

func (c *Chain) DoIOClose(errno error) {
	c.mu.Lock()
	c.closed = true
	if c.outRdr != nil {
		c.outRdr.Close()
	}
	c.mu.Unlock()
}

func (c *Chain) DoIOShutdown(dir iochannel.Direction)     {}
func (c *Chain) Reenable(v *iochannel.VIO)                 {}
func (c *Chain) SetActiveTimeout(d time.Duration)          {}
func (c *Chain) SetInactivityTimeout(d time.Duration)      {}
func (c *Chain) CancelActiveTimeout()                      {}
func (c *Chain) CancelInactivityTimeout()                  {}
func (c *Chain) RemoteAddr() net.Addr                      { return nil }
func (c *Chain) LocalAddr() net.Addr                       { return nil }
func (c *Chain) GetService(tag iochannel.CapabilityTag) any { return nil }

func (c *Chain) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Errored reports whether a stage's Body mutator failed (spec §4.8 step
// 5: "On ERROR: propagate ERROR upstream and destroy").
func (c *Chain) Errored() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errored
}

var _ iochannel.Channel = (*Chain)(nil)
