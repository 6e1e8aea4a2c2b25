package shared

import (
	"sync"
	"time"

	. "github.com/PelionIoT/gridcore/logging"
)

// Snapshottable writes its consistent hash state to durable storage
type Snapshottable interface {
	Name() string
	Snapshot() error
}

// PeriodicSnapshotter persists every registered cache on a fixed
// interval. Caches also persist on every commit; the sweep covers commits
// whose write failed.
type PeriodicSnapshotter struct {
	caches   []Snapshottable
	interval time.Duration
	done     chan bool
	wg       sync.WaitGroup
}

func NewPeriodicSnapshotter(caches []Snapshottable, interval uint64) *PeriodicSnapshotter {
	return &PeriodicSnapshotter{
		caches:   caches,
		interval: time.Millisecond * time.Duration(interval),
		done:     make(chan bool),
	}
}

func (snapshotter *PeriodicSnapshotter) Start() {
	snapshotter.wg.Add(1)

	go func() {
		defer snapshotter.wg.Done()

		ticker := time.NewTicker(snapshotter.interval)
		defer ticker.Stop()

		for {
			select {
			case <-snapshotter.done:
				return
			case <-ticker.C:
				snapshotter.Sweep()
			}
		}
	}()
}

// Sweep snapshots every cache once and returns the number that failed
func (snapshotter *PeriodicSnapshotter) Sweep() int {
	failed := 0

	for _, cache := range snapshotter.caches {
		Log.Debugf("Performing snapshot sweep on cache %s", cache.Name())

		if err := cache.Snapshot(); err != nil {
			Log.Warningf("Unable to snapshot cache %s: %v", cache.Name(), err)

			failed++
		}
	}

	return failed
}

func (snapshotter *PeriodicSnapshotter) Stop() {
	close(snapshotter.done)
	snapshotter.wg.Wait()
}
