package arena

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeCapacityBoundaries(t *testing.T) {
	const pageSize = 8192
	const chunkSize = pageSize << 11

	cases := []struct {
		req     int
		wantMin int
	}{
		{1, 1},
		{15, 15},
		{16, 16},
		{17, 17},
		{511, 511},
		{512, 512},
		{513, 513},
		{pageSize - 1, pageSize - 1},
		{pageSize, pageSize},
		{pageSize + 1, pageSize + 1},
		{chunkSize, chunkSize},
		{chunkSize + 1, chunkSize + 1},
	}

	for _, c := range cases {
		norm := normalizeCapacity(c.req, chunkSize)
		require.GreaterOrEqualf(t, norm, c.wantMin, "normalizeCapacity(%d)", c.req)
	}
}

func TestTinyClassIndexRoundTrips(t *testing.T) {
	for _, cap := range []int{16, 32, 256, 496} {
		require.True(t, isTiny(cap))
		idx := tinyClassIndex(cap)
		require.GreaterOrEqual(t, idx, 0)
		require.Less(t, idx, tinyClassCount)
	}
}

func TestSmallClassIndexMonotonic(t *testing.T) {
	const pageSize = 8192
	prev := -1
	for _, cap := range []int{512, 1024, 2048, 4096} {
		idx := smallClassIndex(cap)
		require.Greater(t, idx, prev)
		prev = idx
	}
}
