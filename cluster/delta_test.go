package cluster_test

import (
	. "github.com/PelionIoT/gridcore/cluster"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Delta", func() {
	var factory *DefaultConsistentHashFactory

	BeforeEach(func() {
		factory = NewDefaultConsistentHashFactory()
	})

	Describe("ComputeDelta", func() {
		It("should be empty for identical maps", func() {
			segmentMap, _ := factory.Create(makeMembers(3), 16, 2)

			Expect(ComputeDelta(segmentMap, segmentMap)).Should(BeEmpty())
		})

		It("should list added and removed owners and the surviving sources", func() {
			oldMap, _ := factory.Create([]NodeID{"N1", "N2", "N3"}, 4, 2)
			newMap, _ := factory.UpdateMembers(oldMap, []NodeID{"N1", "N3"})
			deltas := ComputeDelta(oldMap, newMap)

			Expect(deltas).ShouldNot(BeEmpty())

			for _, delta := range deltas {
				Expect(delta.RemovedOwners).Should(Equal([]NodeID{"N2"}))
				Expect(delta.AddedOwners).Should(HaveLen(1))
				Expect(delta.Sources).Should(HaveLen(1))
				Expect(delta.Sources).ShouldNot(ContainElement(NodeID("N2")))
				Expect(delta.Pusher()).Should(Equal(delta.Sources[0]))
				Expect(delta.NeedsTransfer()).Should(BeTrue())
			}
		})

		It("should report segments without surviving sources as not needing a transfer", func() {
			oldMap, _ := factory.Create([]NodeID{"N1", "N2"}, 2, 1)
			newMap, _ := factory.UpdateMembers(oldMap, []NodeID{"N1"})
			deltas := ComputeDelta(oldMap, newMap)

			Expect(deltas).Should(HaveLen(1))
			Expect(deltas[0].Sources).Should(BeEmpty())
			Expect(deltas[0].NeedsTransfer()).Should(BeFalse())
			Expect(deltas[0].Pusher()).Should(Equal(NodeID("")))
		})
	})

	Describe("NodeChanges", func() {
		It("should flatten deltas into gains and losses for one member", func() {
			oldMap, _ := factory.Create([]NodeID{"N1", "N2", "N3"}, 4, 2)
			newMap, _ := factory.UpdateMembers(oldMap, []NodeID{"N1", "N3"})
			deltas := ComputeDelta(oldMap, newMap)

			for _, change := range NodeChanges(deltas, "N2") {
				Expect(change.Type).Should(Equal(DeltaNodeLoseSegment))
			}

			Expect(NodeChanges(deltas, "N2")).Should(HaveLen(len(oldMap.SegmentsOwnedBy("N2"))))
		})
	})
})
