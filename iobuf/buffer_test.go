package iobuf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuffer_WriteThenRead(t *testing.T) {
	b := NewBuffer()
	r := b.NewReader()

	n, err := b.Write([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, 11, n)

	out := make([]byte, 5)
	got, err := r.Read(out)
	require.NoError(t, err)
	require.Equal(t, 5, got)
	require.Equal(t, "hello", string(out))

	require.EqualValues(t, 6, r.Avail())
}

func TestBuffer_SpansMultipleBlocks(t *testing.T) {
	b := NewBufferSize(4)
	r := b.NewReader()

	_, err := b.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.Len(t, b.blocks, 3) // 4+4+2

	out := make([]byte, 10)
	got, err := r.Read(out)
	require.NoError(t, err)
	require.Equal(t, 10, got)
	require.Equal(t, "0123456789", string(out))
}

func TestBuffer_IndependentReaders(t *testing.T) {
	b := NewBuffer()
	slow := b.NewReader()
	fast := b.NewReader()

	b.Write([]byte("abcdef"))

	buf := make([]byte, 3)
	n, _ := fast.Read(buf)
	require.Equal(t, 3, n)
	require.EqualValues(t, 3, fast.Avail())
	require.EqualValues(t, 6, slow.Avail(), "slow reader unaffected by fast reader's consumption")
}

func TestBuffer_GCReleasesBlocksBehindSlowestReader(t *testing.T) {
	b := NewBufferSize(4)
	slow := b.NewReader()
	fast := b.NewReader()

	b.Write([]byte("01234567")) // two 4-byte blocks
	require.Len(t, b.blocks, 2)

	buf := make([]byte, 8)
	fast.Read(buf)
	require.Len(t, b.blocks, 2, "slow reader still references both blocks")

	slow.Read(buf[:4])
	require.Len(t, b.blocks, 1, "first block released once slow reader passes it")
}

func TestBuffer_ReaderClose(t *testing.T) {
	b := NewBufferSize(4)
	r1 := b.NewReader()
	r2 := b.NewReader()

	b.Write([]byte("01234567"))
	r1.Read(make([]byte, 8))
	r1.Close()

	r2.Read(make([]byte, 8))
	require.Empty(t, b.blocks, "both readers past all blocks after r1 detaches")
}

func TestBuffer_WaterMarkGatesReadyCallback(t *testing.T) {
	b := NewBuffer()
	b.SetWaterMark(10)
	b.NewReader()

	fired := 0
	b.SetReadyCallback(func() { fired++ })

	b.Write([]byte("short"))
	require.Equal(t, 0, fired, "below water mark: no callback")

	b.Write([]byte("enough more bytes"))
	require.Equal(t, 1, fired, "crossing water mark fires the callback")
}

func TestBuffer_NewReaderOnlySeesFutureWrites(t *testing.T) {
	b := NewBuffer()
	b.Write([]byte("before"))
	r := b.NewReader()
	require.EqualValues(t, 0, r.Avail())

	b.Write([]byte("after"))
	require.EqualValues(t, 5, r.Avail())
}

func TestReader_CopyToSplicesBetweenBuffers(t *testing.T) {
	src := NewBuffer()
	r := src.NewReader()
	src.Write([]byte("0123456789"))

	dst := NewBuffer()
	dstReader := dst.NewReader()

	copied := r.CopyTo(dst, 5, 2)
	require.EqualValues(t, 5, copied)

	out := make([]byte, 5)
	n, _ := dstReader.Read(out)
	require.Equal(t, 5, n)
	require.Equal(t, "23456", string(out))
}

func TestReader_PeekDoesNotConsume(t *testing.T) {
	b := NewBuffer()
	r := b.NewReader()
	b.Write([]byte("peekme"))

	out := make([]byte, 4)
	n := r.Peek(out)
	require.Equal(t, 4, n)
	require.EqualValues(t, 6, r.Avail(), "peek must not advance the cursor")
}
