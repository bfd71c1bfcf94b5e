package memory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegionReadWriteRoundTrip(t *testing.T) {
	r := NewRegion(64)
	r.WriteUint32(0, 0xdeadbeef)
	require.Equal(t, uint32(0xdeadbeef), r.ReadUint32(0))

	r.WriteUint64(8, 0x0102030405060708)
	require.Equal(t, uint64(0x0102030405060708), r.ReadUint64(8))

	r.WriteByte(20, 0xab)
	require.Equal(t, byte(0xab), r.ReadByte(20))
}

func TestRegionCopyRoundTrip(t *testing.T) {
	r := NewRegion(32)
	src := []byte("hello world, this is a test")
	r.CopyFrom(src, 0, 4, len(src))

	out := make([]byte, len(src))
	r.Copy(4, out, 0, len(src))
	require.Equal(t, src, out)
}

func TestRegionOutOfBoundsPanics(t *testing.T) {
	r := NewRegion(8)
	require.Panics(t, func() { r.ReadByte(8) })
	require.Panics(t, func() { r.WriteUint32(6, 1) })
}

func TestRegionBulkCopyAboveThreshold(t *testing.T) {
	size := bulkCopyThreshold + bulkCopyStride + 17
	r := NewRegion(size * 2)
	src := make([]byte, size)
	for i := range src {
		src[i] = byte(i)
	}
	r.CopyFrom(src, 0, 0, size)

	out := make([]byte, size)
	r.Copy(0, out, 0, size)
	require.Equal(t, src, out)
}
