package cluster

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// KeyPartitioner maps keys to segments using the high bits of the key hash
type KeyPartitioner struct {
	numSegments uint64
	// cached shift amount so it doesnt have to be recalculated every time
	shiftAmount int
	once        sync.Once
}

func NewKeyPartitioner(numSegments uint64) *KeyPartitioner {
	return &KeyPartitioner{
		numSegments: numSegments,
	}
}

func (partitioner *KeyPartitioner) NumSegments() uint64 {
	return partitioner.numSegments
}

func (partitioner *KeyPartitioner) Segment(key string) uint64 {
	partitioner.once.Do(func() {
		partitioner.shiftAmount = CalculateShiftAmount(partitioner.numSegments)
	})

	if partitioner.shiftAmount >= 64 {
		return 0
	}

	return xxhash.Sum64String(key) >> uint(partitioner.shiftAmount)
}

// CalculateShiftAmount returns 64 - log2(numSegments). numSegments must be
// a power of two.
func CalculateShiftAmount(numSegments uint64) int {
	shiftAmount := 65

	for numSegments > 0 {
		shiftAmount--
		numSegments = numSegments >> 1
	}

	return shiftAmount
}
