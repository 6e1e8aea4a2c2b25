package cluster_test

import (
	. "github.com/PelionIoT/gridcore/cluster"
	. "github.com/PelionIoT/gridcore/error"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("PersistentState", func() {
	var factory *DefaultConsistentHashFactory

	BeforeEach(func() {
		factory = NewDefaultConsistentHashFactory()
	})

	Describe("#ToPersistentState", func() {
		It("should round trip any segment map exactly", func() {
			for memberCount := 0; memberCount <= 6; memberCount++ {
				for _, numSegments := range []uint64{1, 4, 32} {
					for numOwners := 1; numOwners <= 3; numOwners++ {
						segmentMap, _ := factory.Create(makeMembers(memberCount), numSegments, numOwners)
						restored, err := factory.FromPersistentState(factory.ToPersistentState(segmentMap, "cache"))

						Expect(err).Should(BeNil())
						Expect(restored.Equals(segmentMap)).Should(BeTrue())
						Expect(restored).Should(Equal(segmentMap))
					}
				}
			}
		})

		It("should round trip through the encoded snapshot", func() {
			segmentMap, _ := factory.Create(makeMembers(4), 16, 2)
			shrunk, _ := factory.UpdateMembers(segmentMap, makeMembers(3))
			encoded, err := factory.ToPersistentState(shrunk, "users").Snapshot()

			Expect(err).Should(BeNil())

			state := NewScopedPersistentState("users")

			Expect(state.Recover(encoded)).Should(Succeed())
			Expect(state.Scope).Should(Equal("users"))

			restored, err := factory.FromPersistentState(state)

			Expect(err).Should(BeNil())
			Expect(restored.Equals(shrunk)).Should(BeTrue())
		})
	})

	Describe("#FromPersistentState", func() {
		var state *ScopedPersistentState

		BeforeEach(func() {
			segmentMap, _ := factory.Create(makeMembers(3), 4, 2)
			state = factory.ToPersistentState(segmentMap, "cache")
		})

		It("should fail with a corrupt state error if the factory identity differs", func() {
			state.SetProperty("consistentHash", "SomeOtherFactory")
			_, err := factory.FromPersistentState(state)

			Expect(IsCorruptStateError(err)).Should(BeTrue())
		})

		It("should fail with a corrupt state error if a number is malformed", func() {
			state.SetProperty("numSegments", "four")
			_, err := factory.FromPersistentState(state)

			Expect(IsCorruptStateError(err)).Should(BeTrue())
		})

		It("should fail with a corrupt state error if numSegments is not a power of two", func() {
			state.SetProperty("numSegments", "3")
			_, err := factory.FromPersistentState(state)

			Expect(IsCorruptStateError(err)).Should(BeTrue())
		})

		It("should fail with a corrupt state error if an owner index is out of range", func() {
			state.SetProperty("segmentOwners.2", "0,7")
			_, err := factory.FromPersistentState(state)

			Expect(IsCorruptStateError(err)).Should(BeTrue())
		})

		It("should fail with a corrupt state error if an owner is listed twice", func() {
			state.SetProperty("segmentOwners.1", "1,1")
			_, err := factory.FromPersistentState(state)

			Expect(IsCorruptStateError(err)).Should(BeTrue())
		})

		It("should fail with a corrupt state error if a segment is missing", func() {
			delete(state.State, "segmentOwners.3")
			_, err := factory.FromPersistentState(state)

			Expect(IsCorruptStateError(err)).Should(BeTrue())
		})

		It("should fail with a corrupt state error if numMembers exceeds the saved members", func() {
			state.SetProperty("numMembers", "100000000000000000")
			_, err := factory.FromPersistentState(state)

			Expect(IsCorruptStateError(err)).Should(BeTrue())

			state.SetProperty("numMembers", "4")
			_, err = factory.FromPersistentState(state)

			Expect(IsCorruptStateError(err)).Should(BeTrue())
		})

		It("should fail with a corrupt state error if numOwners is out of range", func() {
			state.SetProperty("numOwners", "1000000000000")
			_, err := factory.FromPersistentState(state)

			Expect(IsCorruptStateError(err)).Should(BeTrue())

			state.SetProperty("numOwners", "65")
			_, err = factory.FromPersistentState(state)

			Expect(IsCorruptStateError(err)).Should(BeTrue())
		})

		It("should fail with a corrupt state error if the blob cannot be decoded", func() {
			Expect(IsCorruptStateError(NewScopedPersistentState("cache").Recover([]byte("{")))).Should(BeTrue())
		})
	})
})
