package littlefs

import "math/bits"

// CTZ skip-list bookkeeping (spec.md §4.2, GLOSSARY "CTZ skip-list"): a
// file's data blocks form a skip list where block index n (n >= 1) keeps
// a pointer to each of blocks n-1, n-2, n-4, ... — ctz(n)+1 pointers in
// total, where ctz is the count of trailing zero bits of n. Looking up
// any earlier index from the tail is then O(log n) hops instead of O(n).

// pointerCount returns how many back-pointers the block at logical index
// n (0-based) carries. Index 0 is the file's first block and carries
// none.
func pointerCount(index uint32) int {
	if index == 0 {
		return 0
	}
	return bits.TrailingZeros32(index) + 1
}

// skipDistances returns the logical index each of the pointerCount(index)
// back-pointers at index refers to, in the order they are stored:
// index-1, index-2, index-4, ..., matching pointerCount's derivation.
func skipDistances(index uint32) []uint32 {
	n := pointerCount(index)
	distances := make([]uint32, n)
	step := uint32(1)
	for i := 0; i < n; i++ {
		distances[i] = index - step
		step <<= 1
	}
	return distances
}

// blockAt navigates the skip list from (tailIndex, tailPointers) down to
// targetIndex, calling readPointers to fetch the pointer list stored at
// each intermediate block it must hop through. It returns the on-device
// block number holding logical index targetIndex.
//
// tailPointers[i] must be the on-device block number for logical index
// tailIndex-skipDistances(tailIndex)[i]; readPointers(blockNumber, index)
// must return the same shape of pointer list for the block at that
// on-device location and logical index.
func blockAt(
	tailIndex uint32,
	tailBlockNumber uint32,
	tailPointers []uint32,
	targetIndex uint32,
	readPointers func(blockNumber, index uint32) ([]uint32, error),
) (uint32, error) {
	currentIndex := tailIndex
	currentBlock := tailBlockNumber
	currentPointers := tailPointers

	for currentIndex != targetIndex {
		distances := skipDistances(currentIndex)
		hop := -1
		for i, d := range distances {
			if d >= targetIndex {
				hop = i
			}
		}
		if hop == -1 {
			// No single pointer reaches targetIndex or further; this
			// can only happen if targetIndex > currentIndex, which is a
			// caller error.
			return 0, errOutOfRange
		}
		nextBlock := currentPointers[hop]
		nextIndex := distances[hop]
		if nextIndex == targetIndex {
			return nextBlock, nil
		}
		pointers, err := readPointers(nextBlock, nextIndex)
		if err != nil {
			return 0, err
		}
		currentIndex = nextIndex
		currentBlock = nextBlock
		currentPointers = pointers
	}
	return currentBlock, nil
}
