package node_test

import (
	"context"
	"fmt"

	. "github.com/PelionIoT/gridcore/availability"
	. "github.com/PelionIoT/gridcore/cluster"
	. "github.com/PelionIoT/gridcore/error"
	. "github.com/PelionIoT/gridcore/merge"
	. "github.com/PelionIoT/gridcore/node"
	. "github.com/PelionIoT/gridcore/storage"
	. "github.com/PelionIoT/gridcore/transport"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Cache", func() {
	var tc *testCluster

	AfterEach(func() {
		if tc != nil {
			tc.stop()
		}

		tc = nil
	})

	Describe("bootstrap", func() {
		BeforeEach(func() {
			tc = newTestCluster(testConfiguration(DenyReadWrites, VersionBased))
			tc.start("N1", "N2", "N3")
		})

		It("should give every member the same initial topology", func() {
			topology := tc.settled("N1", "N2", "N3")

			Expect(topology.ID).Should(Equal(uint64(1)))
			Expect(topology.SegmentMap.NumSegments()).Should(Equal(uint64(16)))

			for _, id := range []NodeID{"N1", "N2", "N3"} {
				Expect(tc.cache(id).AvailabilityMode()).Should(Equal(Available))
				Expect(tc.cache(id).RouteKey("a")).Should(Equal(tc.cache("N1").RouteKey("a")))
				Expect(tc.cache(id).RouteKey("a")).Should(HaveLen(2))
				Expect(tc.cache(id).CheckWrite("a")).Should(Succeed())
			}
		})

		It("should answer status queries with the committed topology", func() {
			committed := tc.settled("N1", "N2", "N3")

			acks, err := tc.members["N1"].hub.Broadcast(context.Background(), TopologyProposal{Phase: PhaseStatus, Cache: testCache, From: "N1"})

			Expect(err).Should(BeNil())
			Expect(acks).Should(HaveLen(2))

			for _, ack := range acks {
				Expect(ack.Topology).ShouldNot(BeNil())
				Expect(ack.Topology.ID).Should(Equal(committed.ID))
			}
		})

		It("should refuse pending topologies that are not newer", func() {
			committed := tc.settled("N1", "N2", "N3")

			acks, err := tc.members["N1"].hub.Broadcast(context.Background(), TopologyProposal{
				Phase:      PhasePending,
				Cache:      testCache,
				From:       "N1",
				TopologyID: committed.ID,
				Members:    committed.Members,
				CurrentMap: committed.SegmentMap,
				PendingMap: committed.SegmentMap,
			})

			Expect(err).Should(BeNil())

			for _, ack := range acks {
				Expect(ack.Accepted).Should(BeFalse())
			}
		})

		It("should persist the committed topology", func() {
			committed := tc.settled("N1", "N2", "N3")

			Eventually(func() uint64 {
				state, _ := tc.members["N2"].store.Load(testCache)

				if state == nil {
					return 0
				}

				id, _ := state.GetIntProperty("topologyId")

				return id
			}).Should(Equal(committed.ID))
		})
	})

	Describe("membership changes", func() {
		BeforeEach(func() {
			tc = newTestCluster(testConfiguration(DenyReadWrites, VersionBased))
			tc.start("N1", "N2", "N3")
			tc.settled("N1", "N2", "N3")
		})

		It("should move data to a joining member without losing entries", func() {
			keys := tc.load(200)

			tc.start("N4")

			topology := tc.settled("N1", "N2", "N3", "N4")

			Expect(topology.ID).Should(BeNumerically(">", uint64(1)))
			Expect(topology.SegmentMap.SegmentsOwnedBy("N4")).ShouldNot(BeEmpty())
			Expect(topology.PendingSegments).Should(BeEmpty())
			Expect(tc.missing(keys)).Should(BeEmpty())
		})

		It("should restore redundancy after a member crashes", func() {
			keys := tc.load(200)

			tc.crash("N3")

			topology := tc.settled("N1", "N2")

			Expect(topology.ID).Should(BeNumerically(">", uint64(1)))
			Expect(tc.cache("N1").AvailabilityMode()).Should(Equal(Available))
			Expect(tc.missing(keys)).Should(BeEmpty())
		})

		It("should keep the owners of segments the crashed member did not own", func() {
			tc.start("N4")
			before := tc.settled("N1", "N2", "N3", "N4")

			tc.crash("N4")

			after := tc.settled("N1", "N2", "N3")

			for segment := uint64(0); segment < before.SegmentMap.NumSegments(); segment++ {
				if before.SegmentMap.IsOwner("N4", segment) {
					Expect(after.SegmentMap.IsOwner("N4", segment)).Should(BeFalse())

					continue
				}

				Expect(after.SegmentMap.Owners(segment)).Should(Equal(before.SegmentMap.Owners(segment)), fmt.Sprintf("segment %d", segment))
			}
		})

		It("should notify topology listeners of every published topology", func() {
			ids := make(chan uint64, 16)

			tc.cache("N1").OnTopologyChanged(func(topology *Topology) {
				ids <- topology.ID
			})

			tc.crash("N3")
			tc.settled("N1", "N2")

			Eventually(ids).Should(Receive(Equal(uint64(2))))
			Eventually(ids).Should(Receive(Equal(uint64(3))))
		})
	})

	Describe("partitions", func() {
		It("should degrade both halves of an even split and recover on heal", func() {
			tc = newTestCluster(testConfiguration(DenyReadWrites, VersionBased))
			tc.start("N1", "N2", "N3", "N4")
			tc.settled("N1", "N2", "N3", "N4")

			tc.network.Split([]NodeID{"N1", "N2"}, []NodeID{"N3", "N4"})

			for _, id := range []NodeID{"N1", "N2", "N3", "N4"} {
				cache := tc.cache(id)

				Eventually(cache.AvailabilityMode).Should(Equal(Degraded))
				Expect(IsAvailabilityError(cache.CheckWrite("a"))).Should(BeTrue())
				Expect(IsAvailabilityError(cache.CheckRead("a"))).Should(BeTrue())
			}

			tc.network.Heal()

			tc.settled("N1", "N2", "N3", "N4")

			for _, id := range []NodeID{"N1", "N2", "N3", "N4"} {
				Eventually(tc.cache(id).AvailabilityMode).Should(Equal(Available))
			}
		})

		It("should keep the higher version of a key written on both sides", func() {
			tc = newTestCluster(testConfiguration(AllowReadWrites, VersionBased))
			tc.start("N1", "N2", "N3", "N4")
			tc.settled("N1", "N2", "N3", "N4")

			tc.network.Split([]NodeID{"N1", "N2"}, []NodeID{"N3", "N4"})
			tc.settled("N1", "N2")
			tc.settled("N3", "N4")

			tc.members["N1"].write("K", "a", 2, tc.members)
			tc.members["N3"].write("K", "b", 5, tc.members)

			Expect(tc.cache("N1").CheckWrite("K")).Should(Succeed())

			tc.network.Heal()
			tc.settled("N1", "N2", "N3", "N4")

			owners := tc.cache("N1").RouteKey("K")

			Expect(owners).Should(HaveLen(2))

			for _, owner := range owners {
				entry := tc.cache(owner).Container().Get("K")

				Expect(entry).ShouldNot(BeNil())
				Expect(entry.Value).Should(Equal([]byte("b")))
				Expect(entry.Version).Should(Equal(uint64(5)))
			}
		})
	})

	Describe("three way heal", func() {
		It("should keep the writes of every sub-cluster", func() {
			tc = newTestCluster(testConfiguration(AllowReadWrites, VersionBased))
			tc.start("N1", "N2", "N3", "N4", "N5", "N6")
			tc.settled("N1", "N2", "N3", "N4", "N5", "N6")

			tc.network.Split([]NodeID{"N1", "N2"}, []NodeID{"N3", "N4"}, []NodeID{"N5", "N6"})
			tc.settled("N1", "N2")
			tc.settled("N3", "N4")
			tc.settled("N5", "N6")

			tc.members["N1"].write("K", "a", 2, tc.members)
			tc.members["N3"].write("K", "b", 5, tc.members)
			tc.members["N5"].write("K", "c", 3, tc.members)
			tc.members["N1"].write("first", "1", 1, tc.members)
			tc.members["N3"].write("second", "2", 1, tc.members)
			tc.members["N5"].write("third", "3", 1, tc.members)

			tc.network.Heal()
			tc.settled("N1", "N2", "N3", "N4", "N5", "N6")

			expected := map[string]string{"K": "b", "first": "1", "second": "2", "third": "3"}

			for key, value := range expected {
				owners := tc.cache("N1").RouteKey(key)

				Expect(owners).Should(HaveLen(2))

				for _, owner := range owners {
					entry := tc.cache(owner).Container().Get(key)

					Expect(entry).ShouldNot(BeNil(), fmt.Sprintf("%s@%s", key, owner))
					Expect(entry.Value).Should(Equal([]byte(value)))
				}
			}
		})
	})

	Describe("restart", func() {
		It("should resume from the saved topology", func() {
			tc = newTestCluster(testConfiguration(DenyReadWrites, VersionBased))
			tc.start("N1", "N2")
			committed := tc.settled("N1", "N2")
			member := tc.members["N1"]

			Eventually(func() bool {
				state, _ := member.store.Load(testCache)

				return state != nil
			}).Should(BeTrue())

			member.cache.Stop()

			restarted, err := NewCache(tc.config, member.hub, member.store)

			Expect(err).Should(BeNil())
			Expect(restarted.CurrentTopology().ID).Should(Equal(committed.ID))
			Expect(restarted.CurrentTopology().SegmentMap.Equals(committed.SegmentMap)).Should(BeTrue())

			member.cache = restarted
		})

		It("should restore an empty topology for a cache that was never saved", func() {
			topology, err := RestoreTopology(testCache, NewDefaultConsistentHashFactory(), NewMemoryStateStore())

			Expect(err).Should(BeNil())
			Expect(topology.ID).Should(Equal(uint64(0)))
			Expect(topology.SegmentMap).Should(BeNil())
		})

		It("should refuse to start from an unreadable saved state", func() {
			network := NewLocalNetwork()
			store := NewMemoryStateStore()
			store.Corrupt(testCache, []byte("{not json"))

			_, err := NewCache(testConfiguration(DenyReadWrites, VersionBased), network.Join("N1"), store)

			Expect(IsCorruptStateError(err)).Should(BeTrue())
		})
	})
})
