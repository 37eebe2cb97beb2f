package iobuf

// Reader is an independent (buffer, cursor) pair. Multiple readers may be
// attached to the same Buffer and advance independently; a block is
// released back to the free list once every attached reader has consumed
// past it (spec §3 "Buffer and reader").
type Reader struct {
	buf      *Buffer
	blockIdx int   // index into buf.blocks of the block currently being read
	offset   int   // byte offset within buf.blocks[blockIdx]
	cursor   int64 // absolute stream position, same coordinate as Buffer.writeHead
}

func (r *Reader) blockStart() int { return r.blockIdx }

// Avail returns the number of unread bytes currently available.
func (r *Reader) Avail() int64 {
	return r.buf.writeHeadAt() - r.cursor
}

// Peek copies up to len(p) unread bytes into p without consuming them.
// Returns the number of bytes copied.
func (r *Reader) Peek(p []byte) int {
	r.buf.mu.Lock()
	defer r.buf.mu.Unlock()

	n := 0
	idx, off := r.blockIdx, r.offset
	for n < len(p) && idx < len(r.buf.blocks) {
		blk := r.buf.blocks[idx]
		avail := blk.w - off
		if avail <= 0 {
			idx++
			off = 0
			continue
		}
		c := copy(p[n:], blk.data[off:blk.w])
		n += c
		off += c
		if off >= blk.w {
			idx++
			off = 0
		}
	}
	return n
}

// Read copies up to len(p) unread bytes into p and consumes them.
func (r *Reader) Read(p []byte) (int, error) {
	n := r.Peek(p)
	r.Consume(int64(n))
	if n == 0 && len(p) > 0 {
		return 0, nil // no data currently available; caller should wait for READ_READY
	}
	return n, nil
}

// Consume advances the reader's cursor by n bytes, releasing any blocks
// that are now behind every reader's cursor.
func (r *Reader) Consume(n int64) {
	if n <= 0 {
		return
	}
	r.buf.mu.Lock()
	remaining := n
	for remaining > 0 && r.blockIdx < len(r.buf.blocks) {
		blk := r.buf.blocks[r.blockIdx]
		avail := int64(blk.w - r.offset)
		if avail > remaining {
			r.offset += int(remaining)
			remaining = 0
		} else {
			remaining -= avail
			r.blockIdx++
			r.offset = 0
		}
	}
	r.cursor += n - remaining
	r.buf.gc()
	r.buf.mu.Unlock()
}

// Close detaches the reader from its buffer, allowing its blocks to be
// released even if this was the slowest reader.
func (r *Reader) Close() {
	r.buf.removeReader(r)
}

// CopyTo moves up to n unread bytes from r into dst (spec §4.2
// TSIOBufferCopy). The bytes are always copied through a temporary
// slice; blocks are not handed over between buffers. skip bytes are
// discarded from the head of the available data first.
func (r *Reader) CopyTo(dst *Buffer, n int64, skip int64) int64 {
	if skip > 0 {
		r.Consume(skip)
	}
	buf := make([]byte, 32*1024)
	var copied int64
	for copied < n {
		want := n - copied
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}
		got, _ := r.Read(buf[:want])
		if got == 0 {
			break
		}
		dst.Write(buf[:got])
		copied += int64(got)
	}
	return copied
}
