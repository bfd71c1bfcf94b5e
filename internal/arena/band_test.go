package arena

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestBandChain() (qInit, q000, q025, q050, q075, q100 *usageBand) {
	qInit = newUsageBand("qInit", 0, 25)
	q000 = newUsageBand("q000", 1, 50)
	q025 = newUsageBand("q025", 25, 75)
	q050 = newUsageBand("q050", 50, 100)
	q075 = newUsageBand("q075", 75, 100)
	q100 = newUsageBand("q100", 100, 100)

	qInit.nextBand = q000
	q000.nextBand = q025
	q025.prevBand, q025.nextBand = q000, q050
	q050.prevBand, q050.nextBand = q025, q075
	q075.prevBand, q075.nextBand = q050, q100
	q100.prevBand = q075
	return
}

func bandChunkAt(usage int, band *usageBand) *chunk {
	c := &chunk{pageSize: testPageSize, maxOrder: testMaxOrder, chunkSize: testPageSize << testMaxOrder}
	c.freeBytes = c.chunkSize - (c.chunkSize*usage)/100
	band.pushFront(c)
	return c
}

func TestRebalanceStaysWhenUsageFits(t *testing.T) {
	_, _, q025, _, _, _ := newTestBandChain()
	c := bandChunkAt(40, q025)
	require.Equal(t, moveStayed, rebalance(c))
	require.Equal(t, q025, c.band)
}

func TestRebalanceMovesUpward(t *testing.T) {
	_, _, q025, q050, _, _ := newTestBandChain()
	c := bandChunkAt(80, q025)
	require.Equal(t, moveRelocated, rebalance(c))
	require.Equal(t, q050, c.band)
}

func TestRebalanceMovesDownward(t *testing.T) {
	_, q000, q025, _, _, _ := newTestBandChain()
	c := bandChunkAt(10, q025)
	require.Equal(t, moveRelocated, rebalance(c))
	require.Equal(t, q000, c.band)
}

func TestRebalanceDestroysBelowQ000Minimum(t *testing.T) {
	_, q000, _, _, _, _ := newTestBandChain()
	c := bandChunkAt(0, q000)
	result := rebalance(c)
	require.Equal(t, moveDestroy, result)
	require.Nil(t, c.bandPrev)
	require.Nil(t, c.bandNext)
}

func TestRebalanceIntoQ100(t *testing.T) {
	_, _, _, _, q075, q100 := newTestBandChain()
	c := bandChunkAt(100, q075)
	require.Equal(t, moveRelocated, rebalance(c))
	require.Equal(t, q100, c.band)
}
