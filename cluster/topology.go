package cluster

// Topology is one published snapshot of membership and segment ownership.
// While a rehash is announced but not yet committed PendingMap holds the
// target ownership. PendingSegments lists segments whose state transfer
// failed and that still sit at their previous owners.
type Topology struct {
	ID              uint64
	Members         []NodeID
	SegmentMap      *SegmentMap
	PendingMap      *SegmentMap
	PendingSegments []uint64
}

func NewTopology(id uint64, members []NodeID, segmentMap *SegmentMap) *Topology {
	return &Topology{
		ID:         id,
		Members:    copyMembers(members),
		SegmentMap: segmentMap,
	}
}

func (topology *Topology) IsRehashInProgress() bool {
	return topology.PendingMap != nil
}

// WithPending returns the next topology announcing a pending map
func (topology *Topology) WithPending(members []NodeID, pendingMap *SegmentMap) *Topology {
	return &Topology{
		ID:              topology.ID + 1,
		Members:         copyMembers(members),
		SegmentMap:      topology.SegmentMap,
		PendingMap:      pendingMap,
		PendingSegments: append([]uint64(nil), topology.PendingSegments...),
	}
}

// Commit returns the next topology with the given map as authoritative
func (topology *Topology) Commit(members []NodeID, segmentMap *SegmentMap, pendingSegments []uint64) *Topology {
	return &Topology{
		ID:              topology.ID + 1,
		Members:         copyMembers(members),
		SegmentMap:      segmentMap,
		PendingSegments: append([]uint64(nil), pendingSegments...),
	}
}

// ReadOwners are the owners that hold a segment's data right now: the
// committed owners still present in the membership.
func (topology *Topology) ReadOwners(segment uint64) []NodeID {
	if topology.SegmentMap == nil {
		return []NodeID{}
	}

	return topology.SegmentMap.LiveOwners(segment, topology.Members)
}

// WriteOwners include pending owners so that writes issued during a
// rehash reach both the current and the future owners.
func (topology *Topology) WriteOwners(segment uint64) []NodeID {
	owners := topology.ReadOwners(segment)

	if topology.PendingMap == nil {
		return owners
	}

	for _, owner := range topology.PendingMap.LiveOwners(segment, topology.Members) {
		if indexOf(owners, owner) < 0 {
			owners = append(owners, owner)
		}
	}

	return owners
}

func (topology *Topology) IsMember(nodeID NodeID) bool {
	return indexOf(topology.Members, nodeID) >= 0
}
