package cluster

type SegmentDeltaType int

const (
	DeltaNodeGainSegment SegmentDeltaType = iota
	DeltaNodeLoseSegment SegmentDeltaType = iota
)

// SegmentDelta describes how the owners of one segment change between two
// maps. Sources are the old owners that are still members after the change
// and can therefore push the segment's entries to the added owners.
type SegmentDelta struct {
	Segment       uint64
	OldOwners     []NodeID
	NewOwners     []NodeID
	AddedOwners   []NodeID
	RemovedOwners []NodeID
	Sources       []NodeID
}

// Pusher is the member that streams the segment to the added owners. It
// is empty when no old owner survived, in which case the segment's data is
// lost and the new owners start empty.
func (delta SegmentDelta) Pusher() NodeID {
	if len(delta.Sources) == 0 {
		return ""
	}

	return delta.Sources[0]
}

func (delta SegmentDelta) NeedsTransfer() bool {
	return len(delta.AddedOwners) > 0 && len(delta.Sources) > 0
}

type NodeSegmentChange struct {
	Type    SegmentDeltaType
	NodeID  NodeID
	Segment uint64
}

// ComputeDelta lists, in ascending segment order, every segment whose owner
// list differs between the two maps. Only owner order changes count too:
// a new primary has to be announced even if no data moves.
func ComputeDelta(oldMap *SegmentMap, newMap *SegmentMap) []SegmentDelta {
	deltas := make([]SegmentDelta, 0)
	newMembers := newMap.Members()

	for segment := uint64(0); segment < newMap.NumSegments(); segment++ {
		var oldOwners []NodeID

		if oldMap != nil {
			oldOwners = oldMap.Owners(segment)
		}

		newOwners := newMap.Owners(segment)

		if sameMembers(oldOwners, newOwners) {
			continue
		}

		delta := SegmentDelta{
			Segment:       segment,
			OldOwners:     copyMembers(oldOwners),
			NewOwners:     newOwners,
			AddedOwners:   make([]NodeID, 0),
			RemovedOwners: make([]NodeID, 0),
			Sources:       Intersect(oldOwners, newMembers),
		}

		for _, owner := range newOwners {
			if indexOf(oldOwners, owner) < 0 {
				delta.AddedOwners = append(delta.AddedOwners, owner)
			}
		}

		for _, owner := range oldOwners {
			if indexOf(newOwners, owner) < 0 {
				delta.RemovedOwners = append(delta.RemovedOwners, owner)
			}
		}

		deltas = append(deltas, delta)
	}

	return deltas
}

// NodeChanges flattens deltas into per member gains and losses for one member
func NodeChanges(deltas []SegmentDelta, nodeID NodeID) []NodeSegmentChange {
	changes := make([]NodeSegmentChange, 0)

	for _, delta := range deltas {
		if indexOf(delta.AddedOwners, nodeID) >= 0 {
			changes = append(changes, NodeSegmentChange{Type: DeltaNodeGainSegment, NodeID: nodeID, Segment: delta.Segment})
		}

		if indexOf(delta.RemovedOwners, nodeID) >= 0 {
			changes = append(changes, NodeSegmentChange{Type: DeltaNodeLoseSegment, NodeID: nodeID, Segment: delta.Segment})
		}
	}

	return changes
}
