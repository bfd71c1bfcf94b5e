package arena

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testPageSize = 8192
const testMaxOrder = 4 // small tree for fast tests: chunkSize = 128 KiB

// checkMemoryMapInvariant checks the buddy-tree invariant kept by
// allocateNode/freeNode: a node whose children are both at their natural
// depth is either free (its own natural depth) or allocated whole
// (maxOrder+1); every other internal node holds min(children).
func checkMemoryMapInvariant(t *testing.T, c *chunk) {
	t.Helper()
	numNodes := len(c.memoryMap)
	for i := 1; i*2+1 < numNodes; i++ {
		left, right := c.memoryMap[i*2], c.memoryMap[i*2+1]
		if left == c.depthMap[i*2] && right == c.depthMap[i*2+1] {
			v := c.memoryMap[i]
			require.Truef(t, v == c.depthMap[i] || v == byte(c.maxOrder+1), "node %d: children free but mmap=%d is neither natural depth nor unusable", i, v)
			continue
		}
		min := left
		if right < min {
			min = right
		}
		require.Equalf(t, min, c.memoryMap[i], "node %d: mmap != min(children)", i)
	}
}

func TestChunkAllocateFreeRoundTrip(t *testing.T) {
	c := newPooledChunk(nil, testPageSize, testMaxOrder)
	checkMemoryMapInvariant(t, c)

	h := c.allocateRun(testPageSize * 2)
	require.GreaterOrEqual(t, h, int64(0))
	checkMemoryMapInvariant(t, c)
	require.Equal(t, c.chunkSize-testPageSize*2, c.freeBytes)

	freed := c.free(h)
	require.Equal(t, testPageSize*2, freed)
	require.Equal(t, c.chunkSize, c.freeBytes)
	checkMemoryMapInvariant(t, c)
}

func TestChunkAllocateExhaustion(t *testing.T) {
	c := newPooledChunk(nil, testPageSize, testMaxOrder)
	var handles []int64
	for {
		h := c.allocateRun(testPageSize)
		if h < 0 {
			break
		}
		handles = append(handles, h)
	}
	require.Equal(t, 1<<testMaxOrder, len(handles))
	require.Equal(t, 0, c.freeBytes)

	for _, h := range handles {
		c.free(h)
	}
	require.Equal(t, c.chunkSize, c.freeBytes)
	checkMemoryMapInvariant(t, c)
}

func TestChunkUsagePercent(t *testing.T) {
	c := newPooledChunk(nil, testPageSize, testMaxOrder)
	require.Equal(t, 0, c.usagePercent())

	c.allocateRun(c.chunkSize) // fill entirely
	require.Equal(t, 100, c.usagePercent())
}

func TestUnpooledChunkAlwaysFull(t *testing.T) {
	c := newUnpooledChunk(nil, 1<<20)
	require.True(t, c.unpooled)
	require.Equal(t, 100, c.usagePercent())
}
