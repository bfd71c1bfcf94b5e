package arena

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsCollectReflectsAllocatorStats(t *testing.T) {
	m := NewMetrics("cachetest")
	a, err := New(Config{
		PageSize:         testPageSize,
		MaxOrder:         testMaxOrder,
		NumArenas:        1,
		ArenaChunkBudget: 4,
		TrimInterval:     -1,
	}, WithMetrics(m))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	testutil.CollectAndCount(m) // a scrape refreshes the lazily-set gauges
	require.Equal(t, float64(0), testutil.ToFloat64(m.bytesUsed))

	buf, err := a.NewBuffer(context.Background(), 32)
	require.NoError(t, err)

	testutil.CollectAndCount(m)
	require.Greater(t, testutil.ToFloat64(m.bytesUsed), float64(0))
	require.Greater(t, testutil.ToFloat64(m.bytesCapacity), float64(0))

	a.Release(buf)
}
