package merge_test

import (
	. "github.com/PelionIoT/gridcore/data"
	. "github.com/PelionIoT/gridcore/error"
	. "github.com/PelionIoT/gridcore/merge"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func entry(value string, version uint64) *Entry {
	return &Entry{Key: "K", Value: []byte(value), Version: version}
}

func policy(kind MergePolicyKind) MergePolicy {
	policy, err := NewMergePolicy(kind)

	Expect(err).Should(BeNil())

	return policy
}

var _ = Describe("MergePolicy", func() {
	It("should let the present entry win when one side is absent without consulting the policy", func() {
		calls := 0
		custom, err := NewCustomMergePolicy(func(preferred, other *Entry) *Entry {
			calls++

			return nil
		})

		Expect(err).Should(BeNil())
		Expect(custom.Resolve(nil, entry("b", 1)).Value).Should(Equal([]byte("b")))
		Expect(custom.Resolve(entry("a", 1), nil).Value).Should(Equal([]byte("a")))
		Expect(custom.Resolve(nil, nil)).Should(BeNil())
		Expect(calls).Should(Equal(0))
	})

	Describe("PrimaryAlways", func() {
		It("should keep the preferred entry even when it is deleted", func() {
			Expect(policy(PrimaryAlways).Resolve(entry("a", 1), entry("b", 9)).Value).Should(Equal([]byte("a")))
			Expect(policy(PrimaryAlways).Resolve(NewTombstone("K", 1), entry("b", 9)).Tombstone).Should(BeTrue())
		})
	})

	Describe("PrimaryNonNull", func() {
		It("should fall back to the other entry when the preferred one is deleted", func() {
			Expect(policy(PrimaryNonNull).Resolve(entry("a", 1), entry("b", 9)).Value).Should(Equal([]byte("a")))
			Expect(policy(PrimaryNonNull).Resolve(NewTombstone("K", 5), entry("b", 2)).Value).Should(Equal([]byte("b")))
		})
	})

	Describe("VersionBased", func() {
		It("should pick the higher version from either side and the preferred entry on a tie", func() {
			Expect(policy(VersionBased).Resolve(entry("a", 2), entry("b", 5)).Value).Should(Equal([]byte("b")))
			Expect(policy(VersionBased).Resolve(entry("a", 5), entry("b", 2)).Value).Should(Equal([]byte("a")))
			Expect(policy(VersionBased).Resolve(entry("a", 3), entry("b", 3)).Value).Should(Equal([]byte("a")))
		})

		It("should prefer version vector dominance over numeric versions", func() {
			older := entry("a", 7)
			older.Clock = VersionVector{"N1": 1}
			newer := entry("b", 2)
			newer.Clock = VersionVector{"N1": 1, "N2": 1}

			Expect(policy(VersionBased).Resolve(older, newer).Value).Should(Equal([]byte("b")))
		})
	})

	Describe("Custom", func() {
		It("should delete the key when the resolver returns nil", func() {
			custom, _ := NewCustomMergePolicy(func(preferred, other *Entry) *Entry {
				return nil
			})

			resolved := custom.Resolve(entry("a", 3), entry("b", 4))

			Expect(resolved.Tombstone).Should(BeTrue())
			Expect(resolved.Key).Should(Equal("K"))
			Expect(resolved.Version).Should(Equal(uint64(5)))
		})

		It("should use whatever the resolver returns", func() {
			custom, _ := NewCustomMergePolicy(func(preferred, other *Entry) *Entry {
				return &Entry{Value: append(preferred.Value, other.Value...), Version: 10}
			})

			resolved := custom.Resolve(entry("a", 3), entry("b", 4))

			Expect(resolved.Key).Should(Equal("K"))
			Expect(resolved.Value).Should(Equal([]byte("ab")))
		})

		It("should require a resolver", func() {
			_, err := NewCustomMergePolicy(nil)

			Expect(IsConfigurationError(err)).Should(BeTrue())

			_, err = NewMergePolicy(Custom)

			Expect(IsConfigurationError(err)).Should(BeTrue())
		})
	})

	Describe("ParseMergePolicy", func() {
		It("should parse configured names", func() {
			parsed, err := ParseMergePolicy("primary_non_null")

			Expect(err).Should(BeNil())
			Expect(parsed.Kind()).Should(Equal(PrimaryNonNull))

			parsed, _ = ParseMergePolicy("")

			Expect(parsed.Kind()).Should(Equal(VersionBased))

			_, err = ParseMergePolicy("LAST_WRITE_WINS")

			Expect(IsConfigurationError(err)).Should(BeTrue())
		})
	})
})
