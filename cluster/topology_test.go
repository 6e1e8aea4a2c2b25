package cluster_test

import (
	. "github.com/PelionIoT/gridcore/cluster"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Topology", func() {
	var factory *DefaultConsistentHashFactory

	BeforeEach(func() {
		factory = NewDefaultConsistentHashFactory()
	})

	It("should only return live committed owners as read owners", func() {
		segmentMap, _ := factory.Create([]NodeID{"N1", "N2", "N3"}, 4, 2)
		topology := NewTopology(1, []NodeID{"N1", "N3"}, segmentMap)

		for segment := uint64(0); segment < 4; segment++ {
			Expect(topology.ReadOwners(segment)).ShouldNot(ContainElement(NodeID("N2")))
		}
	})

	It("should include pending owners in the write owners while a rehash is in progress", func() {
		oldMap, _ := factory.Create([]NodeID{"N1", "N2"}, 4, 1)
		grown, _ := factory.UpdateMembers(oldMap, []NodeID{"N1", "N2", "N3"})
		newMap, _ := factory.Rebalance(grown)
		topology := NewTopology(1, []NodeID{"N1", "N2"}, oldMap).WithPending([]NodeID{"N1", "N2", "N3"}, newMap)

		Expect(topology.ID).Should(Equal(uint64(2)))
		Expect(topology.IsRehashInProgress()).Should(BeTrue())

		for segment := uint64(0); segment < 4; segment++ {
			for _, owner := range newMap.Owners(segment) {
				Expect(topology.WriteOwners(segment)).Should(ContainElement(owner))
			}

			Expect(topology.ReadOwners(segment)).Should(Equal(oldMap.Owners(segment)))
		}

		committed := topology.Commit(topology.Members, newMap, nil)

		Expect(committed.ID).Should(Equal(uint64(3)))
		Expect(committed.IsRehashInProgress()).Should(BeFalse())
		Expect(committed.SegmentMap).Should(Equal(newMap))
	})
})
