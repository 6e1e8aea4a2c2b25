package availability_test

import (
	"context"
	"fmt"
	"time"

	. "github.com/PelionIoT/gridcore/availability"
	. "github.com/PelionIoT/gridcore/cluster"
	. "github.com/PelionIoT/gridcore/error"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func makeMembers(n int) []NodeID {
	members := make([]NodeID, n)

	for i := range members {
		members[i] = NodeID(fmt.Sprintf("N%d", i+1))
	}

	return members
}

func makeTopology(id uint64, members []NodeID, numSegments uint64, numOwners int) *Topology {
	segmentMap, err := NewDefaultConsistentHashFactory().Create(members, numSegments, numOwners)

	Expect(err).Should(BeNil())

	return NewTopology(id, members, segmentMap)
}

var _ = Describe("AvailabilityCoordinator", func() {
	var ctx context.Context
	var cancel context.CancelFunc
	var coordinators []*AvailabilityCoordinator

	newCoordinator := func(policy PartitionHandlingPolicy, initial *Topology) *AvailabilityCoordinator {
		coordinator := NewAvailabilityCoordinator("test", policy, initial)
		coordinator.Start()
		coordinators = append(coordinators, coordinator)

		return coordinator
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		coordinators = nil
	})

	AfterEach(func() {
		for _, coordinator := range coordinators {
			coordinator.Stop()
		}

		cancel()
	})

	Describe("DenyReadWrites", func() {
		It("should degrade a three member cache reduced to one member", func() {
			members := makeMembers(3)
			coordinator := newCoordinator(DenyReadWrites, makeTopology(1, members, 4, 2))

			decision, err := coordinator.MembershipChanged(ctx, []NodeID{"N1"})

			Expect(err).Should(BeNil())
			Expect(decision.Action).Should(Equal(Hold))
			Expect(decision.Mode).Should(Equal(Degraded))
			Expect(decision.HasMajority).Should(BeFalse())
			Expect(coordinator.Mode()).Should(Equal(Degraded))

			view := coordinator.View()

			Expect(view.Topology.Members).Should(Equal([]NodeID{"N1"}))
			Expect(view.Topology.ID).Should(Equal(uint64(2)))

			for segment := uint64(0); segment < 4; segment++ {
				Expect(IsAvailabilityError(view.CheckRead(segment))).Should(BeTrue())
				Expect(IsAvailabilityError(view.CheckWrite(segment))).Should(BeTrue())
			}
		})

		It("should keep the segment map of the stable topology while degraded", func() {
			initial := makeTopology(1, makeMembers(3), 4, 2)
			coordinator := newCoordinator(DenyReadWrites, initial)

			coordinator.MembershipChanged(ctx, []NodeID{"N1"})

			Expect(coordinator.Topology().SegmentMap.Equals(initial.SegmentMap)).Should(BeTrue())
		})

		It("should proceed when a minority of members leaves without losing segments", func() {
			coordinator := newCoordinator(DenyReadWrites, makeTopology(1, makeMembers(3), 4, 2))

			decision, err := coordinator.MembershipChanged(ctx, []NodeID{"N1", "N3"})

			Expect(err).Should(BeNil())
			Expect(decision.Action).Should(Equal(Proceed))
			Expect(decision.LostSegments).Should(BeEmpty())
			Expect(coordinator.Mode()).Should(Equal(Available))
		})

		It("should return to available once the members cover every segment again", func() {
			members := makeMembers(3)
			coordinator := newCoordinator(DenyReadWrites, makeTopology(1, members, 4, 2))

			coordinator.MembershipChanged(ctx, []NodeID{"N1"})

			Expect(coordinator.Mode()).Should(Equal(Degraded))

			decision, err := coordinator.MembershipChanged(ctx, members)

			Expect(err).Should(BeNil())
			Expect(decision.Mode).Should(Equal(Available))
			Expect(coordinator.Mode()).Should(Equal(Available))
		})

		It("should degrade when a segment loses every owner even with a majority", func() {
			// one owner per segment so losing any member loses its segments
			coordinator := newCoordinator(DenyReadWrites, makeTopology(1, makeMembers(3), 4, 1))

			decision, _ := coordinator.MembershipChanged(ctx, []NodeID{"N1", "N2"})

			Expect(decision.HasMajority).Should(BeTrue())
			Expect(decision.LostSegments).ShouldNot(BeEmpty())
			Expect(decision.Action).Should(Equal(Hold))
		})

		It("should degrade both halves of a symmetric split", func() {
			members := makeMembers(4)
			left := newCoordinator(DenyReadWrites, makeTopology(1, members, 8, 2))
			right := newCoordinator(DenyReadWrites, makeTopology(1, members, 8, 2))

			leftDecision, _ := left.MembershipChanged(ctx, members[:2])
			rightDecision, _ := right.MembershipChanged(ctx, members[2:])

			Expect(leftDecision.Mode).Should(Equal(Degraded))
			Expect(rightDecision.Mode).Should(Equal(Degraded))
		})

		It("should always degrade when a strict majority is lost and recover on full coverage", func() {
			for n := 2; n <= 9; n++ {
				members := makeMembers(n)
				initial := makeTopology(1, members, 16, 2)
				coordinator := newCoordinator(DenyReadWrites, initial)
				survivors := members[:n-(n/2+1)]

				decision, err := coordinator.MembershipChanged(ctx, survivors)

				Expect(err).Should(BeNil())
				Expect(decision.Mode).Should(Equal(Degraded), fmt.Sprintf("%d members", n))

				merged := NewTopology(coordinator.Topology().ID+1, members, initial.SegmentMap)
				mode, err := coordinator.MergeCompleted(ctx, merged)

				Expect(err).Should(BeNil())
				Expect(mode).Should(Equal(Available))
				Expect(coordinator.Mode()).Should(Equal(Available))
			}
		})

		It("should become available again when the lost members return", func() {
			members := makeMembers(3)
			coordinator := newCoordinator(DenyReadWrites, makeTopology(1, members, 4, 2))

			coordinator.MembershipChanged(ctx, []NodeID{"N1"})
			decision, _ := coordinator.MembershipChanged(ctx, members)

			Expect(decision.Action).Should(Equal(Proceed))
			Expect(coordinator.Mode()).Should(Equal(Available))
		})

		It("should stay degraded after a merge that leaves segments without owners", func() {
			members := makeMembers(3)
			initial := makeTopology(1, members, 4, 1)
			coordinator := newCoordinator(DenyReadWrites, initial)

			coordinator.MembershipChanged(ctx, []NodeID{"N1"})
			mode, err := coordinator.MergeCompleted(ctx, NewTopology(10, []NodeID{"N1"}, initial.SegmentMap))

			Expect(err).Should(BeNil())
			Expect(mode).Should(Equal(Degraded))
		})
	})

	Describe("AllowReads", func() {
		It("should reject writes and never deny reads", func() {
			members := makeMembers(3)
			initial := makeTopology(1, members, 8, 1)
			coordinator := newCoordinator(AllowReads, initial)

			coordinator.MembershipChanged(ctx, []NodeID{"N1"})

			view := coordinator.View()

			Expect(view.Mode).Should(Equal(Degraded))

			for segment := uint64(0); segment < 8; segment++ {
				Expect(IsAvailabilityError(view.CheckWrite(segment))).Should(BeTrue())

				Expect(view.CheckRead(segment)).Should(BeNil())
			}
		})
	})

	Describe("AllowReadWrites", func() {
		It("should never degrade", func() {
			coordinator := newCoordinator(AllowReadWrites, makeTopology(1, makeMembers(3), 4, 1))

			decision, err := coordinator.MembershipChanged(ctx, []NodeID{"N1"})

			Expect(err).Should(BeNil())
			Expect(decision.Action).Should(Equal(Proceed))
			Expect(decision.LostSegments).ShouldNot(BeEmpty())
			Expect(coordinator.View().CheckWrite(0)).Should(BeNil())
			Expect(coordinator.View().CheckRead(0)).Should(BeNil())
		})
	})

	Describe("#Install", func() {
		It("should drop topologies that are not newer than the current one", func() {
			initial := makeTopology(5, makeMembers(3), 4, 2)
			coordinator := newCoordinator(DenyReadWrites, initial)

			installed, err := coordinator.Install(ctx, makeTopology(5, makeMembers(2), 4, 2))

			Expect(err).Should(BeNil())
			Expect(installed).Should(BeFalse())
			Expect(coordinator.Topology()).Should(BeIdenticalTo(initial))

			installed, _ = coordinator.Install(ctx, makeTopology(6, makeMembers(2), 4, 2))

			Expect(installed).Should(BeTrue())
			Expect(coordinator.Topology().ID).Should(Equal(uint64(6)))
		})

		It("should treat committed topologies as stable while available", func() {
			coordinator := newCoordinator(DenyReadWrites, makeTopology(1, makeMembers(3), 4, 2))
			next := makeTopology(2, makeMembers(5), 4, 2)

			coordinator.Install(ctx, next)
			coordinator.Install(ctx, next.WithPending(next.Members, next.SegmentMap))

			stable, err := coordinator.StableTopology(ctx)

			Expect(err).Should(BeNil())
			Expect(stable).Should(BeIdenticalTo(next))
		})

		It("should notify topology listeners", func() {
			coordinator := newCoordinator(DenyReadWrites, makeTopology(1, makeMembers(3), 4, 2))
			seen := make(chan uint64, 1)

			coordinator.OnTopologyChange(func(topology *Topology) {
				seen <- topology.ID
			})

			coordinator.Install(ctx, makeTopology(2, makeMembers(3), 4, 2))

			Eventually(seen).Should(Receive(Equal(uint64(2))))
		})
	})

	Describe("#OnModeChange", func() {
		It("should report each transition once", func() {
			members := makeMembers(3)
			coordinator := newCoordinator(DenyReadWrites, makeTopology(1, members, 4, 2))
			transitions := make(chan AvailabilityMode, 4)

			coordinator.OnModeChange(func(previous, current AvailabilityMode) {
				transitions <- current
			})

			coordinator.MembershipChanged(ctx, []NodeID{"N1"})
			coordinator.MembershipChanged(ctx, []NodeID{"N1"})
			coordinator.MembershipChanged(ctx, members)

			Expect(transitions).Should(Receive(Equal(Degraded)))
			Expect(transitions).Should(Receive(Equal(Available)))
			Expect(transitions).ShouldNot(Receive())
		})
	})

	Describe("#Stop", func() {
		It("should fail operations after the coordinator stopped", func() {
			coordinator := NewAvailabilityCoordinator("test", DenyReadWrites, makeTopology(1, makeMembers(1), 4, 1))
			coordinator.Start()
			coordinator.Stop()

			_, err := coordinator.Install(ctx, makeTopology(2, makeMembers(1), 4, 1))

			Expect(err).Should(Equal(EStopped))
		})
	})
})

var _ = Describe("ParsePartitionHandlingPolicy", func() {
	It("should accept known policies and reject others", func() {
		policy, err := ParsePartitionHandlingPolicy("allow_reads")

		Expect(err).Should(BeNil())
		Expect(policy).Should(Equal(AllowReads))

		_, err = ParsePartitionHandlingPolicy("sometimes")

		Expect(IsConfigurationError(err)).Should(BeTrue())
	})
})
