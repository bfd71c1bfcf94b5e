package arena

// Size-class layout per §3/§4.4: 32 "tiny" classes spaced by 16 bytes
// below 512, and a handful of power-of-two "small" classes from 512
// up to pageSize. Everything from pageSize up to chunkSize is served
// as a run of whole pages; anything >= chunkSize bypasses the pool
// entirely (an "unpooled" / huge allocation).
const (
	tinyClassCount   = 32
	tinyClassSpacing = 16
	tinyMax          = tinyClassCount * tinyClassSpacing // 512, exclusive upper bound
)

// normalizeCapacity rounds a requested size up to the size class that
// will serve it, per §4.4 step 1.
func normalizeCapacity(reqCapacity, chunkSize int) int {
	if reqCapacity <= 0 {
		return tinyClassSpacing
	}
	if reqCapacity >= chunkSize {
		return reqCapacity
	}
	if reqCapacity >= tinyMax {
		return nextPowerOfTwo(reqCapacity)
	}
	if reqCapacity&(tinyClassSpacing-1) == 0 {
		return reqCapacity
	}
	return (reqCapacity &^ (tinyClassSpacing - 1)) + tinyClassSpacing
}

func nextPowerOfTwo(n int) int {
	if n&(n-1) == 0 {
		return n
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func isTiny(normCapacity int) bool { return normCapacity < tinyMax }
func isSmall(normCapacity, pageSize int) bool {
	return normCapacity >= tinyMax && normCapacity < pageSize
}
func isSubpageSize(normCapacity, pageSize int) bool { return normCapacity < pageSize }

// tinyClassIndex maps a tiny-range normalized capacity to [0, tinyClassCount).
func tinyClassIndex(normCapacity int) int {
	return normCapacity/tinyClassSpacing - 1
}

// smallClassCount returns the number of power-of-two classes from 512
// up to and including pageSize, e.g. 5 for pageSize=8192 (512, 1024,
// 2048, 4096, 8192). The pageSize slot is never used, since page-sized
// requests are served as page runs rather than subpages.
func smallClassCount(pageSize int) int {
	n := 0
	for sz := tinyMax; sz <= pageSize; sz <<= 1 {
		n++
	}
	return n
}

// smallClassIndex maps a small-range normalized capacity to [0, smallClassCount).
func smallClassIndex(normCapacity int) int {
	idx := 0
	for sz := tinyMax; sz < normCapacity; sz <<= 1 {
		idx++
	}
	return idx
}
