package transfer

import (
	"context"

	"golang.org/x/sync/errgroup"

	. "github.com/PelionIoT/gridcore/cluster"
	. "github.com/PelionIoT/gridcore/data"
)

// BatchWriter delivers resolved entries of one segment to its owners
type BatchWriter interface {
	WriteSegment(ctx context.Context, topologyID uint64, segment uint64, owners []NodeID, entries []*Entry) error
}

// WriteSegment replaces the listed entries at every owner through the same
// chunked, retried path a rehash uses. The local member, when it is an
// owner, writes straight into its container.
func (coordinator *RehashCoordinator) WriteSegment(ctx context.Context, topologyID uint64, segment uint64, owners []NodeID, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	group, ctx := errgroup.WithContext(ctx)

	for _, owner := range owners {
		owner := owner

		if owner == coordinator.localID {
			for _, entry := range entries {
				coordinator.container.Overwrite(entry)
			}

			continue
		}

		group.Go(func() error {
			if err := coordinator.semaphore.Acquire(ctx, 1); err != nil {
				return err
			}

			defer coordinator.semaphore.Release(1)

			lock := coordinator.tripleLock(segment, coordinator.localID, owner)

			lock.Lock()
			defer lock.Unlock()

			return coordinator.stream(ctx, topologyID, segment, owner, NewOutgoingTransfer(newSliceIterator(entries), coordinator.config.ChunkSize), true)
		})
	}

	return group.Wait()
}
