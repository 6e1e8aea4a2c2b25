package node

import (
	"context"
	"time"

	. "github.com/PelionIoT/gridcore/cluster"
	. "github.com/PelionIoT/gridcore/logging"
	. "github.com/PelionIoT/gridcore/merge"
	. "github.com/PelionIoT/gridcore/transport"
)

const MergeTimeout = 60 * time.Second

// merge runs on the member with the lowest id of a view that reconnects
// sub-clusters. It collects every member's committed topology, reconciles
// the data of every other side with its own and reports back to the event
// loop. The other members wait for the pending topology that follows.
func (cache *Cache) merge(view MembershipView) {
	ctx, cancel := context.WithTimeout(context.Background(), MergeTimeout)
	defer cancel()

	own := cache.availability.Topology()
	floor := own.ID
	others := make([]*Topology, 0)

	for _, ack := range cache.status(ctx) {
		if ack.TopologyID > floor {
			floor = ack.TopologyID
		}

		if ack.Topology == nil || ack.Topology.SegmentMap == nil || Contains(own.Members, ack.From) {
			continue
		}

		if ack.Topology.ID > floor {
			floor = ack.Topology.ID
		}

		others = addSide(others, ack.From, ack.Topology)
	}

	if len(others) == 0 || own.SegmentMap == nil {
		Log.Infof("Local node (id = %s) cache %s found a single topology among the members of view %d", cache.localID, cache.Name(), view.ID)

		cache.queue.push(mergedEvent{view: view})

		return
	}

	stable, err := cache.availability.StableTopology(ctx)

	if err != nil {
		cache.queue.push(mergedEvent{view: view})

		return
	}

	// the merged id must exceed every topology installed by any member
	local := *own
	local.ID = floor
	merged := &local
	reader := NewOwnerReader(cache.Name(), cache.transport, own, cache.container.Entries)

	// every side is folded into the result of the previous merges
	for _, other := range others {
		Log.Infof("Local node (id = %s) cache %s merging topology %d with topology %d of node(s) %v", cache.localID, cache.Name(), merged.ID, other.ID, other.Members)

		result, err := cache.resolver.Merge(ctx,
			MergeSide{Topology: merged, Reader: reader},
			MergeSide{Topology: other, Reader: NewOwnerReader(cache.Name(), cache.transport, other, nil)},
			stable.SegmentMap,
		)

		if err != nil {
			Log.Errorf("Local node (id = %s) cache %s merge with node(s) %v failed: %v", cache.localID, cache.Name(), other.Members, err)

			cache.queue.push(mergedEvent{view: view})

			return
		}

		Log.Infof("Local node (id = %s) cache %s merged topology %d: %d diverged segments, %d entries resolved", cache.localID, cache.Name(), result.Topology.ID, len(result.DivergedSegments), result.ResolvedEntries)

		merged = result.Topology
		reader = NewOwnerReader(cache.Name(), cache.transport, merged, cache.container.Entries)
	}

	cache.queue.push(mergedEvent{view: view, merged: merged})
}

// addSide records the committed topology reported by a member of another
// sub-cluster. Members of one sub-cluster report the same side, the newest
// report wins.
func addSide(sides []*Topology, from NodeID, topology *Topology) []*Topology {
	for i, side := range sides {
		if !Contains(side.Members, from) && len(Intersect(side.Members, topology.Members)) == 0 {
			continue
		}

		if topology.ID > side.ID {
			sides[i] = topology
		}

		return sides
	}

	return append(sides, topology)
}

func (cache *Cache) handleMerged(event mergedEvent) {
	if event.merged != nil {
		ctx, cancel := context.WithTimeout(context.Background(), coordinatorCallDeadline)
		mode, err := cache.availability.MergeCompleted(ctx, event.merged)
		cancel()

		if err != nil {
			return
		}

		Log.Infof("Local node (id = %s) cache %s installed merged topology %d, mode %s", cache.localID, cache.Name(), event.merged.ID, mode)

		cache.discardUnowned(event.merged.SegmentMap)

		cache.Snapshot()
	}

	view := event.view

	if cache.lastView.ID > view.ID {
		view = cache.lastView
	}

	if !Contains(view.Members, cache.localID) {
		return
	}

	// the other members only move on once they see the next pending topology
	cache.reconfigure(view.Members, true)
}
