package cluster_test

import (
	"fmt"

	. "github.com/PelionIoT/gridcore/cluster"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("KeyPartitioner", func() {
	It("should calculate the shift amount from the segment count", func() {
		Expect(CalculateShiftAmount(1)).Should(Equal(64))
		Expect(CalculateShiftAmount(2)).Should(Equal(63))
		Expect(CalculateShiftAmount(1024)).Should(Equal(54))
	})

	It("should always return a segment in range and be stable for a key", func() {
		for _, numSegments := range []uint64{1, 2, 64, 1024} {
			partitioner := NewKeyPartitioner(numSegments)

			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("key-%d", i)
				segment := partitioner.Segment(key)

				Expect(segment).Should(BeNumerically("<", numSegments))
				Expect(partitioner.Segment(key)).Should(Equal(segment))
			}
		}
	})

	It("should spread keys over more than one segment", func() {
		partitioner := NewKeyPartitioner(16)
		used := map[uint64]bool{}

		for i := 0; i < 1000; i++ {
			used[partitioner.Segment(fmt.Sprintf("key-%d", i))] = true
		}

		Expect(len(used)).Should(BeNumerically(">", 8))
	})
})
