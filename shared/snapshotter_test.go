package shared_test

import (
	"errors"
	"sync/atomic"

	. "github.com/PelionIoT/gridcore/shared"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

type countingCache struct {
	name      string
	snapshots int32
	err       error
}

func (cache *countingCache) Name() string {
	return cache.name
}

func (cache *countingCache) Snapshot() error {
	atomic.AddInt32(&cache.snapshots, 1)

	return cache.err
}

var _ = Describe("PeriodicSnapshotter", func() {
	It("should count failed snapshots without skipping the rest", func() {
		broken := &countingCache{name: "broken", err: errors.New("disk full")}
		healthy := &countingCache{name: "healthy"}
		snapshotter := NewPeriodicSnapshotter([]Snapshottable{broken, healthy}, 1000)

		Expect(snapshotter.Sweep()).Should(Equal(1))
		Expect(atomic.LoadInt32(&healthy.snapshots)).Should(Equal(int32(1)))
	})

	It("should sweep on every interval until stopped", func() {
		cache := &countingCache{name: "orders"}
		snapshotter := NewPeriodicSnapshotter([]Snapshottable{cache}, 5)

		snapshotter.Start()

		Eventually(func() int32 {
			return atomic.LoadInt32(&cache.snapshots)
		}).Should(BeNumerically(">=", 2))

		snapshotter.Stop()

		stopped := atomic.LoadInt32(&cache.snapshots)

		Consistently(func() int32 {
			return atomic.LoadInt32(&cache.snapshots)
		}, "50ms").Should(Equal(stopped))
	})
})
