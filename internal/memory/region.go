// Package memory implements the raw, off-heap-style byte region that
// every other layer of the cache is built on. A Region owns a single
// contiguous []byte allocated once at construction time; because a
// []byte of raw bytes carries no pointers, the Go garbage collector
// treats its backing array as "no scan" and never walks its contents,
// which gives us the same GC-avoidance property a true off-heap/direct
// buffer would in a runtime like the JVM's.
package memory

import (
	"encoding/binary"
	"fmt"
)

// bulkCopyThreshold is the point above which Copy/CopyFrom break a
// single move into repeated smaller moves. Large uninterrupted memmoves
// can delay goroutine preemption and signal delivery on some platforms;
// chunking keeps a single call from monopolizing a P for too long.
const bulkCopyThreshold = 1 << 20 // 1 MiB

// bulkCopyStride is the size of each sub-copy once chunking kicks in.
const bulkCopyStride = 256 << 10 // 256 KiB

// Region is a fixed-capacity byte buffer representing one native
// memory allocation. It is not safe for concurrent use; callers
// (chunks, subpages) are responsible for serializing access the same
// way they serialize everything else.
type Region struct {
	buf []byte
}

// NewRegion allocates a Region of exactly capacity bytes.
func NewRegion(capacity int) *Region {
	if capacity < 0 {
		panic("memory: negative region capacity")
	}
	return &Region{buf: make([]byte, capacity)}
}

// Capacity returns the region's fixed size in bytes.
func (r *Region) Capacity() int { return len(r.buf) }

// Bytes exposes the full backing slice. Callers must not retain slices
// derived from it past the Region's lifetime.
func (r *Region) Bytes() []byte { return r.buf }

func (r *Region) checkBounds(offset, length int) {
	if offset < 0 || length < 0 || offset+length > len(r.buf) {
		panic(fmt.Sprintf("memory: out-of-bounds access offset=%d length=%d capacity=%d", offset, length, len(r.buf)))
	}
}

// ReadByte reads a single byte at offset.
func (r *Region) ReadByte(offset int) byte {
	r.checkBounds(offset, 1)
	return r.buf[offset]
}

// WriteByte writes a single byte at offset.
func (r *Region) WriteByte(offset int, v byte) {
	r.checkBounds(offset, 1)
	r.buf[offset] = v
}

// ReadUint16 reads a little-endian uint16 at offset.
func (r *Region) ReadUint16(offset int) uint16 {
	r.checkBounds(offset, 2)
	return binary.LittleEndian.Uint16(r.buf[offset:])
}

// WriteUint16 writes a little-endian uint16 at offset.
func (r *Region) WriteUint16(offset int, v uint16) {
	r.checkBounds(offset, 2)
	binary.LittleEndian.PutUint16(r.buf[offset:], v)
}

// ReadUint32 reads a little-endian uint32 at offset.
func (r *Region) ReadUint32(offset int) uint32 {
	r.checkBounds(offset, 4)
	return binary.LittleEndian.Uint32(r.buf[offset:])
}

// WriteUint32 writes a little-endian uint32 at offset.
func (r *Region) WriteUint32(offset int, v uint32) {
	r.checkBounds(offset, 4)
	binary.LittleEndian.PutUint32(r.buf[offset:], v)
}

// ReadUint64 reads a little-endian uint64 at offset.
func (r *Region) ReadUint64(offset int) uint64 {
	r.checkBounds(offset, 8)
	return binary.LittleEndian.Uint64(r.buf[offset:])
}

// WriteUint64 writes a little-endian uint64 at offset.
func (r *Region) WriteUint64(offset int, v uint64) {
	r.checkBounds(offset, 8)
	binary.LittleEndian.PutUint64(r.buf[offset:], v)
}

// Copy copies length bytes starting at srcOffset in r into dst starting
// at dstOffset.
func (r *Region) Copy(srcOffset int, dst []byte, dstOffset int, length int) {
	r.checkBounds(srcOffset, length)
	if dstOffset < 0 || dstOffset+length > len(dst) {
		panic(fmt.Sprintf("memory: out-of-bounds destination offset=%d length=%d capacity=%d", dstOffset, length, len(dst)))
	}
	copyBulk(dst[dstOffset:dstOffset+length], r.buf[srcOffset:srcOffset+length])
}

// CopyFrom copies length bytes from src starting at srcOffset into r
// starting at dstOffset.
func (r *Region) CopyFrom(src []byte, srcOffset int, dstOffset int, length int) {
	if srcOffset < 0 || srcOffset+length > len(src) {
		panic(fmt.Sprintf("memory: out-of-bounds source offset=%d length=%d capacity=%d", srcOffset, length, len(src)))
	}
	r.checkBounds(dstOffset, length)
	copyBulk(r.buf[dstOffset:dstOffset+length], src[srcOffset:srcOffset+length])
}

// copyBulk performs dst = src, splitting the move into bounded strides
// once it crosses bulkCopyThreshold.
func copyBulk(dst, src []byte) {
	if len(src) <= bulkCopyThreshold {
		copy(dst, src)
		return
	}
	for off := 0; off < len(src); off += bulkCopyStride {
		end := off + bulkCopyStride
		if end > len(src) {
			end = len(src)
		}
		copy(dst[off:end], src[off:end])
	}
}
