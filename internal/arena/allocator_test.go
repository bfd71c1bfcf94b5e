package arena

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
}

func newTestAllocator(t *testing.T, budget int) *Allocator {
	t.Helper()
	a, err := New(Config{
		PageSize:         testPageSize,
		MaxOrder:         testMaxOrder,
		NumArenas:        1,
		ArenaChunkBudget: budget,
		TrimInterval:     -1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAllocatorNewBufferWriteReadRelease(t *testing.T) {
	a := newTestAllocator(t, 4)
	ctx := context.Background()

	payload := []byte("round trip bytes")
	buf, err := a.NewBuffer(ctx, len(payload))
	require.NoError(t, err)
	require.GreaterOrEqual(t, buf.Capacity(), len(payload))

	require.NoError(t, buf.Write(payload))
	out, err := buf.Read()
	require.NoError(t, err)
	require.Equal(t, payload, out)

	a.Release(buf)
}

func TestAllocatorDoubleReleasePanics(t *testing.T) {
	a := newTestAllocator(t, 4)
	buf, err := a.NewBuffer(context.Background(), 32)
	require.NoError(t, err)

	a.Release(buf)
	require.Panics(t, func() { a.Release(buf) })
}

func TestAllocatorSubpageAllocationsAreDistinct(t *testing.T) {
	a := newTestAllocator(t, 2)
	ctx := context.Background()

	seen := map[int64]bool{}
	for i := 0; i < 50; i++ {
		buf, err := a.NewBuffer(ctx, 32)
		require.NoError(t, err)
		require.False(t, seen[buf.handle], "duplicate handle issued")
		seen[buf.handle] = true
		require.NoError(t, buf.Write([]byte("x")))
	}
}

func TestAllocatorDebugChecksCatchChunkLevelDoubleFree(t *testing.T) {
	a, err := New(Config{
		PageSize:         testPageSize,
		MaxOrder:         testMaxOrder,
		NumArenas:        1,
		ArenaChunkBudget: 4,
		TrimInterval:     -1,
	}, WithDebugChecks(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	buf, err := a.NewBuffer(context.Background(), 32)
	require.NoError(t, err)
	c, h := buf.identity()

	require.NotPanics(t, func() { c.free(h) }, "first chunk-level free of a tracked handle must succeed")
	require.Panics(t, func() { c.free(h) }, "second chunk-level free of the same handle must panic")
}

func TestAllocatorDebugChecksOffByDefaultAllowsUntrackedFree(t *testing.T) {
	a := newTestAllocator(t, 4)
	buf, err := a.NewBuffer(context.Background(), 32)
	require.NoError(t, err)
	c, h := buf.identity()

	// With debugChecks off, the outstanding set is never populated, so a
	// bare chunk.free never panics on its own — only ByteBuf's own
	// dispose flag guards against double release (see
	// TestAllocatorDoubleReleasePanics).
	require.NotPanics(t, func() { c.free(h) })
}

func TestAllocatorStatsReflectsLiveAllocations(t *testing.T) {
	a := newTestAllocator(t, 4)
	ctx := context.Background()

	before := a.Stats()
	require.Equal(t, int64(0), before.BytesUsed)

	halfChunk := (testPageSize << testMaxOrder) / 2
	buf, err := a.NewBuffer(ctx, halfChunk)
	require.NoError(t, err)

	after := a.Stats()
	require.Greater(t, after.BytesUsed, before.BytesUsed)
	require.Greater(t, after.BytesCapacity, int64(0))
	require.Equal(t, 1, after.NumArenas)

	var totalChunks int64
	for _, n := range after.ChunksPerBand {
		totalChunks += n
	}
	require.Greater(t, totalChunks, int64(0))

	a.Release(buf)
}

func TestAllocatorExhaustionSurfacesAllocationFailure(t *testing.T) {
	a := newTestAllocator(t, 1)
	ctx := context.Background()

	// Half-chunk normal allocations: the single budgeted chunk can
	// satisfy two before a third needs a chunk the budget forbids.
	halfChunk := (testPageSize << testMaxOrder) / 2

	var bufs []*ByteBuf
	var failure error
	for i := 0; i < 8; i++ {
		buf, err := a.NewBuffer(ctx, halfChunk)
		if err != nil {
			failure = err
			break
		}
		bufs = append(bufs, buf)
	}
	require.Error(t, failure)
	require.ErrorIs(t, failure, ErrAllocationFailure)

	for _, buf := range bufs {
		a.Release(buf)
	}
}
