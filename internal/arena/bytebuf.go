package arena

import "go.uber.org/atomic"

// ByteBuf is a transient reference to one allocation: a chunk, the
// handle the chunk issued, and the window into that chunk's region
// this buffer is allowed to touch (C6/§3). It is not safe for
// concurrent use and must be released exactly once.
type ByteBuf struct {
	chunk     *chunk
	handle    int64
	offset    int
	length    int // writerIndex: bytes actually written
	maxLength int // full capacity of the backing run/slot
	unpooled  bool

	disposed atomic.Bool
}

func newByteBuf(c *chunk, handle int64, reqCapacity int, unpooled bool) *ByteBuf {
	offset, maxLength := c.bufView(handle)
	return &ByteBuf{
		chunk:     c,
		handle:    handle,
		offset:    offset,
		maxLength: maxLength,
		length:    0,
		unpooled:  unpooled,
	}
}

// Capacity returns the full backing capacity (maxLength), which may
// exceed the number of bytes written so far.
func (b *ByteBuf) Capacity() int { return b.maxLength }

// Len returns the number of bytes written (writerIndex).
func (b *ByteBuf) Len() int { return b.length }

// Write copies p into the buffer starting at offset 0, replacing any
// previous contents, and sets writerIndex to len(p). It fails with
// ErrCapacityExceeded if p is larger than Capacity().
func (b *ByteBuf) Write(p []byte) error {
	if b.disposed.Load() {
		return ErrBufferDisposed
	}
	if len(p) > b.maxLength {
		return ErrCapacityExceeded
	}
	b.chunk.region.CopyFrom(p, 0, b.offset, len(p))
	b.length = len(p)
	return nil
}

// Read copies the buffer's written bytes into a new slice and returns it.
func (b *ByteBuf) Read() ([]byte, error) {
	if b.disposed.Load() {
		return nil, ErrBufferDisposed
	}
	out := make([]byte, b.length)
	b.chunk.region.Copy(b.offset, out, 0, b.length)
	return out, nil
}

// ReadInto copies the buffer's written bytes into dst, which must be
// at least Len() bytes long.
func (b *ByteBuf) ReadInto(dst []byte) (int, error) {
	if b.disposed.Load() {
		return 0, ErrBufferDisposed
	}
	if len(dst) < b.length {
		return 0, ErrCapacityExceeded
	}
	b.chunk.region.Copy(b.offset, dst, 0, b.length)
	return b.length, nil
}

// markDisposed marks the buffer unusable. It returns false if it was
// already disposed (a double free).
func (b *ByteBuf) markDisposed() bool {
	return b.disposed.CompareAndSwap(false, true)
}

// identity exposes the chunk and handle for callers (e.g. debug
// double-free tracking) that need to recognize "the same allocation"
// without reaching into package-private fields directly.
func (b *ByteBuf) identity() (c *chunk, h int64) { return b.chunk, b.handle }
