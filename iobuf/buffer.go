// Package iobuf implements the reference-counted, block-chained buffer
// fabric (spec component C2, the source's MIOBuffer/IOBufferReader): an
// append-only chain of fixed-size blocks that can be read by several
// independent Reader cursors. Copies between buffers (Reader.CopyTo) move
// the bytes through a temporary slice; blocks are never shared.
package iobuf

import "sync"

// DefaultBlockSize matches common network MTU-friendly allocation sizes;
// blocks are drawn from a per-size free list (blockPools) to keep the hot
// path allocation-free under steady load.
const DefaultBlockSize = 8192

type block struct {
	data []byte // len == cap, data[:w] is written, read cursors index into it
	w    int    // write offset within this block
}

var blockPools sync.Map // size(int) -> *sync.Pool

func poolFor(size int) *sync.Pool {
	if p, ok := blockPools.Load(size); ok {
		return p.(*sync.Pool)
	}
	p := &sync.Pool{New: func() any { return &block{data: make([]byte, size)} }}
	actual, _ := blockPools.LoadOrStore(size, p)
	return actual.(*sync.Pool)
}

func getBlock(size int) *block {
	b := poolFor(size).Get().(*block)
	b.w = 0
	return b
}

func putBlock(size int, b *block) {
	poolFor(size).Put(b)
}

// Buffer is an append-only chain of blocks with a configurable water-mark:
// the ready callback (set with SetReadyCallback) runs only while the
// furthest-behind reader's Avail is at least the water-mark (spec §4.2).
type Buffer struct {
	mu        sync.Mutex
	blockSize int
	blocks    []*block // oldest first
	writeHead int64    // total bytes ever produced
	waterMark int64
	readers   []*Reader
	onReady   func()
}

// SetReadyCallback installs a callback invoked after every Write that
// leaves some reader's avail at or above the buffer's water-mark. Channels use this to
// fire READ_READY on the associated VIO.
func (b *Buffer) SetReadyCallback(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReady = fn
}

// NewBuffer creates an empty Buffer using DefaultBlockSize blocks.
func NewBuffer() *Buffer { return NewBufferSize(DefaultBlockSize) }

// NewBufferSize creates an empty Buffer with a custom block size.
func NewBufferSize(blockSize int) *Buffer {
	return &Buffer{blockSize: blockSize}
}

// SetWaterMark configures the minimum ReadAvail before a reader is
// considered ready to be drained (spec §4.2, "boundary behaviours").
func (b *Buffer) SetWaterMark(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.waterMark = n
}

// WaterMark returns the currently configured water-mark.
func (b *Buffer) WaterMark() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waterMark
}

// Write appends p to the buffer, allocating new blocks as needed, and
// advances the write head. It never blocks and never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()

	total := len(p)
	for len(p) > 0 {
		if len(b.blocks) == 0 || b.blocks[len(b.blocks)-1].w == b.blockSize {
			b.blocks = append(b.blocks, getBlock(b.blockSize))
		}
		tail := b.blocks[len(b.blocks)-1]
		n := copy(tail.data[tail.w:], p)
		tail.w += n
		p = p[n:]
		b.writeHead += int64(n)
	}
	cb := b.onReady
	wm := b.waterMark
	avail := b.writeHead - b.minReaderCursor()
	b.mu.Unlock()

	if cb != nil && avail >= wm {
		cb()
	}
	return total, nil
}

// minReaderCursor returns the smallest cursor among attached readers, or
// the write head if there are none. Caller must hold b.mu.
func (b *Buffer) minReaderCursor() int64 {
	if len(b.readers) == 0 {
		return b.writeHead
	}
	min := b.readers[0].cursor
	for _, r := range b.readers[1:] {
		if r.cursor < min {
			min = r.cursor
		}
	}
	return min
}

// NewReader creates a reader cursor starting at the buffer's current write
// head (i.e. it only sees bytes written after this call), matching the
// teacher's "readers are independent, consuming forward" reader semantics.
func (b *Buffer) NewReader() *Reader {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := &Reader{buf: b, cursor: b.writeHead, blockIdx: len(b.blocks)}
	if n := len(b.blocks); n > 0 && b.blocks[n-1].w < b.blockSize {
		// The next Write continues the partly filled tail block.
		r.blockIdx = n - 1
		r.offset = b.blocks[n-1].w
	}
	b.readers = append(b.readers, r)
	return r
}

func (b *Buffer) removeReader(r *Reader) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, rr := range b.readers {
		if rr == r {
			b.readers = append(b.readers[:i], b.readers[i+1:]...)
			break
		}
	}
	b.gc()
}

// gc releases blocks that every remaining reader has advanced past. Must be
// called with b.mu held.
func (b *Buffer) gc() {
	if len(b.readers) == 0 {
		return
	}
	minBlockIdx := len(b.blocks)
	for _, r := range b.readers {
		if r.blockStart() < minBlockIdx {
			minBlockIdx = r.blockStart()
		}
	}
	if minBlockIdx <= 0 {
		return
	}
	for i := 0; i < minBlockIdx; i++ {
		putBlock(b.blockSize, b.blocks[i])
	}
	b.blocks = b.blocks[minBlockIdx:]
	for _, r := range b.readers {
		r.blockIdx -= minBlockIdx
	}
}

// writeHeadAt returns the current total bytes produced.
func (b *Buffer) writeHeadAt() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeHead
}
