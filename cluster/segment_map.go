package cluster

import (
	"fmt"
	"sort"
	"strings"
)

// NodeID identifies a cluster member. Lexical order is meaningful: it
// breaks ties between sides during a merge.
type NodeID string

// SegmentMap assigns every hash segment an ordered list of owners for one
// membership snapshot. The first owner of a segment is its primary owner.
// A SegmentMap is never modified after it is built; every change yields a
// new map.
type SegmentMap struct {
	numSegments uint64
	numOwners   int
	members     []NodeID
	owners      [][]NodeID
}

func newSegmentMap(numSegments uint64, numOwners int, members []NodeID, owners [][]NodeID) *SegmentMap {
	return &SegmentMap{
		numSegments: numSegments,
		numOwners:   numOwners,
		members:     copyMembers(members),
		owners:      copyOwners(owners),
	}
}

func (segmentMap *SegmentMap) NumSegments() uint64 {
	return segmentMap.numSegments
}

func (segmentMap *SegmentMap) NumOwners() int {
	return segmentMap.numOwners
}

func (segmentMap *SegmentMap) Members() []NodeID {
	return copyMembers(segmentMap.members)
}

func (segmentMap *SegmentMap) IsMember(nodeID NodeID) bool {
	return indexOf(segmentMap.members, nodeID) >= 0
}

// Owners returns a copy of the ordered owner list for a segment
func (segmentMap *SegmentMap) Owners(segment uint64) []NodeID {
	if segment >= segmentMap.numSegments {
		return []NodeID{}
	}

	return copyMembers(segmentMap.owners[segment])
}

// PrimaryOwner returns the empty NodeID when the segment has no owner
func (segmentMap *SegmentMap) PrimaryOwner(segment uint64) NodeID {
	if segment >= segmentMap.numSegments || len(segmentMap.owners[segment]) == 0 {
		return ""
	}

	return segmentMap.owners[segment][0]
}

func (segmentMap *SegmentMap) IsOwner(nodeID NodeID, segment uint64) bool {
	if segment >= segmentMap.numSegments {
		return false
	}

	return indexOf(segmentMap.owners[segment], nodeID) >= 0
}

// SegmentsOwnedBy lists the segments a member owns in ascending order
func (segmentMap *SegmentMap) SegmentsOwnedBy(nodeID NodeID) []uint64 {
	segments := make([]uint64, 0)

	for segment, owners := range segmentMap.owners {
		if indexOf(owners, nodeID) >= 0 {
			segments = append(segments, uint64(segment))
		}
	}

	return segments
}

// OwnershipCounts counts owned (segment, owner) pairs per member. Members
// that own nothing are reported with a count of zero.
func (segmentMap *SegmentMap) OwnershipCounts() map[NodeID]int {
	counts := make(map[NodeID]int, len(segmentMap.members))

	for _, member := range segmentMap.members {
		counts[member] = 0
	}

	for _, owners := range segmentMap.owners {
		for _, owner := range owners {
			counts[owner]++
		}
	}

	return counts
}

// LiveOwners filters a segment's owners down to the given members keeping
// their order.
func (segmentMap *SegmentMap) LiveOwners(segment uint64, live []NodeID) []NodeID {
	liveOwners := make([]NodeID, 0, segmentMap.numOwners)

	for _, owner := range segmentMap.Owners(segment) {
		if indexOf(live, owner) >= 0 {
			liveOwners = append(liveOwners, owner)
		}
	}

	return liveOwners
}

// WithOwners returns a copy of this map in which the listed segments take
// the owners given for them.
func (segmentMap *SegmentMap) WithOwners(members []NodeID, replacements map[uint64][]NodeID) *SegmentMap {
	owners := copyOwners(segmentMap.owners)

	for segment, replacement := range replacements {
		if segment < segmentMap.numSegments {
			owners[segment] = copyMembers(replacement)
		}
	}

	return newSegmentMap(segmentMap.numSegments, segmentMap.numOwners, members, owners)
}

func (segmentMap *SegmentMap) Equals(other *SegmentMap) bool {
	if segmentMap == nil || other == nil {
		return segmentMap == other
	}

	if segmentMap.numSegments != other.numSegments || segmentMap.numOwners != other.numOwners {
		return false
	}

	if !sameMembers(segmentMap.members, other.members) {
		return false
	}

	for segment := range segmentMap.owners {
		if !sameMembers(segmentMap.owners[segment], other.owners[segment]) {
			return false
		}
	}

	return true
}

func (segmentMap *SegmentMap) String() string {
	var builder strings.Builder

	fmt.Fprintf(&builder, "SegmentMap{segments=%d owners=%d members=%v", segmentMap.numSegments, segmentMap.numOwners, segmentMap.members)

	for segment, owners := range segmentMap.owners {
		fmt.Fprintf(&builder, " %d:%v", segment, owners)
	}

	builder.WriteString("}")

	return builder.String()
}

func copyMembers(members []NodeID) []NodeID {
	copied := make([]NodeID, len(members))
	copy(copied, members)

	return copied
}

func copyOwners(owners [][]NodeID) [][]NodeID {
	copied := make([][]NodeID, len(owners))

	for i, segmentOwners := range owners {
		copied[i] = copyMembers(segmentOwners)
	}

	return copied
}

func indexOf(members []NodeID, nodeID NodeID) int {
	for i, member := range members {
		if member == nodeID {
			return i
		}
	}

	return -1
}

func sameMembers(a, b []NodeID) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

// SortedNodeIDs returns a lexically sorted copy
func SortedNodeIDs(members []NodeID) []NodeID {
	sorted := copyMembers(members)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return sorted
}

// Intersect keeps the members of a that are also in b, in a's order
func Intersect(a, b []NodeID) []NodeID {
	result := make([]NodeID, 0, len(a))

	for _, member := range a {
		if indexOf(b, member) >= 0 {
			result = append(result, member)
		}
	}

	return result
}

func Contains(members []NodeID, nodeID NodeID) bool {
	return indexOf(members, nodeID) >= 0
}
