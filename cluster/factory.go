package cluster

import (
	. "github.com/PelionIoT/gridcore/error"
)

const MaxSegmentCount uint64 = 65536
const DefaultSegmentCount uint64 = 256
const DefaultNumOwners int = 2
const MaxOwnerCount int = 64

const DefaultConsistentHashFactoryName = "DefaultConsistentHashFactory"

type ConsistentHashFactory interface {
	// Name identifies the factory in persisted state so that state written by
	// one factory is never restored by another
	Name() string
	Create(members []NodeID, numSegments uint64, numOwners int) (*SegmentMap, error)
	UpdateMembers(segmentMap *SegmentMap, members []NodeID) (*SegmentMap, error)
	Rebalance(segmentMap *SegmentMap) (*SegmentMap, error)
	Union(a *SegmentMap, b *SegmentMap) (*SegmentMap, error)
	ToPersistentState(segmentMap *SegmentMap, scope string) *ScopedPersistentState
	FromPersistentState(state *ScopedPersistentState) (*SegmentMap, error)
}

// DefaultConsistentHashFactory assigns owner slots as evenly as possible
// without accounting for member capacity. Every member ends up owning
// between floor and ceil of (segments * owners) / members slots.
type DefaultConsistentHashFactory struct {
}

func NewDefaultConsistentHashFactory() *DefaultConsistentHashFactory {
	return &DefaultConsistentHashFactory{}
}

func (factory *DefaultConsistentHashFactory) Name() string {
	return DefaultConsistentHashFactoryName
}

func IsPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

func CheckSegmentSettings(numSegments uint64, numOwners int) error {
	if numOwners < 1 {
		return NewConfigurationError("numOwners", "must be at least 1, got %d", numOwners)
	}

	if numOwners > MaxOwnerCount {
		return NewConfigurationError("numOwners", "must not exceed %d, got %d", MaxOwnerCount, numOwners)
	}

	if !IsPowerOfTwo(numSegments) {
		return NewConfigurationError("numSegments", "must be a power of two, got %d", numSegments)
	}

	if numSegments > MaxSegmentCount {
		return NewConfigurationError("numSegments", "must not exceed %d, got %d", MaxSegmentCount, numSegments)
	}

	return nil
}

func checkMembers(members []NodeID) error {
	seen := make(map[NodeID]bool, len(members))

	for _, member := range members {
		if member == "" {
			return NewConfigurationError("members", "member ids must be non-empty")
		}

		if seen[member] {
			return NewConfigurationError("members", "member %s is listed twice", member)
		}

		seen[member] = true
	}

	return nil
}

func (factory *DefaultConsistentHashFactory) Create(members []NodeID, numSegments uint64, numOwners int) (*SegmentMap, error) {
	if err := CheckSegmentSettings(numSegments, numOwners); err != nil {
		return nil, err
	}

	if err := checkMembers(members); err != nil {
		return nil, err
	}

	balancer := newOwnershipBalancer(members, numOwners, make([][]NodeID, numSegments))
	balancer.fill()
	balancer.balance()

	return newSegmentMap(numSegments, numOwners, members, balancer.owners), nil
}

func (factory *DefaultConsistentHashFactory) UpdateMembers(segmentMap *SegmentMap, members []NodeID) (*SegmentMap, error) {
	if err := checkMembers(members); err != nil {
		return nil, err
	}

	owners := make([][]NodeID, segmentMap.numSegments)

	// release every slot held by a member that is gone. The surviving owners
	// keep their relative order so the first survivor becomes primary
	for segment, segmentOwners := range segmentMap.owners {
		owners[segment] = Intersect(segmentOwners, members)
	}

	balancer := newOwnershipBalancer(members, segmentMap.numOwners, owners)
	balancer.fill()

	return newSegmentMap(segmentMap.numSegments, segmentMap.numOwners, members, balancer.owners), nil
}

func (factory *DefaultConsistentHashFactory) Rebalance(segmentMap *SegmentMap) (*SegmentMap, error) {
	balancer := newOwnershipBalancer(segmentMap.members, segmentMap.numOwners, segmentMap.owners)
	balancer.fill()
	balancer.balance()

	return newSegmentMap(segmentMap.numSegments, segmentMap.numOwners, segmentMap.members, balancer.owners), nil
}

func (factory *DefaultConsistentHashFactory) Union(a *SegmentMap, b *SegmentMap) (*SegmentMap, error) {
	if a.numSegments != b.numSegments {
		return nil, NewConfigurationError("numSegments", "cannot union maps with %d and %d segments", a.numSegments, b.numSegments)
	}

	if a.numOwners != b.numOwners {
		return nil, NewConfigurationError("numOwners", "cannot union maps with %d and %d owners", a.numOwners, b.numOwners)
	}

	members := copyMembers(a.members)

	for _, member := range b.members {
		if indexOf(members, member) < 0 {
			members = append(members, member)
		}
	}

	owners := make([][]NodeID, a.numSegments)

	for segment := range owners {
		segmentOwners := make([]NodeID, 0, a.numOwners)

		for _, owner := range append(copyMembers(a.owners[segment]), b.owners[segment]...) {
			if len(segmentOwners) == a.numOwners {
				break
			}

			if indexOf(segmentOwners, owner) < 0 {
				segmentOwners = append(segmentOwners, owner)
			}
		}

		owners[segment] = segmentOwners
	}

	return newSegmentMap(a.numSegments, a.numOwners, members, owners), nil
}

type ownershipBalancer struct {
	members []NodeID
	target  int
	counts  map[NodeID]int
	owners  [][]NodeID
}

func newOwnershipBalancer(members []NodeID, numOwners int, owners [][]NodeID) *ownershipBalancer {
	target := numOwners

	if len(members) < target {
		target = len(members)
	}

	balancer := &ownershipBalancer{
		members: members,
		target:  target,
		counts:  make(map[NodeID]int, len(members)),
		owners:  copyOwners(owners),
	}

	for _, segmentOwners := range balancer.owners {
		for _, owner := range segmentOwners {
			balancer.counts[owner]++
		}
	}

	return balancer
}

// leastLoaded picks the member with the fewest slots that is not excluded.
// Ties go to the member that joined first.
func (balancer *ownershipBalancer) leastLoaded(exclude []NodeID) NodeID {
	var best NodeID

	for _, member := range balancer.members {
		if indexOf(exclude, member) >= 0 {
			continue
		}

		if best == "" || balancer.counts[member] < balancer.counts[best] {
			best = member
		}
	}

	return best
}

// fill tops up every segment that has fewer than target owners. Existing
// owners are never moved.
func (balancer *ownershipBalancer) fill() {
	for segment := range balancer.owners {
		for len(balancer.owners[segment]) < balancer.target {
			owner := balancer.leastLoaded(balancer.owners[segment])

			if owner == "" {
				break
			}

			balancer.owners[segment] = append(balancer.owners[segment], owner)
			balancer.counts[owner]++
		}
	}
}

// balance moves single slots from the most loaded member to the least
// loaded one until the counts differ by at most one. A slot is replaced in
// place so the rest of the owner list keeps its order. Backup slots are
// moved before primary slots.
func (balancer *ownershipBalancer) balance() {
	if len(balancer.members) < 2 {
		return
	}

	for {
		maxMember := balancer.members[0]
		minMember := balancer.members[0]

		for _, member := range balancer.members {
			if balancer.counts[member] > balancer.counts[maxMember] {
				maxMember = member
			}

			if balancer.counts[member] < balancer.counts[minMember] {
				minMember = member
			}
		}

		if balancer.counts[maxMember]-balancer.counts[minMember] <= 1 {
			return
		}

		// invariant: maxMember owns more segments than minMember so at least
		// one segment is owned by maxMember and not by minMember
		if !balancer.moveSlot(maxMember, minMember, false) && !balancer.moveSlot(maxMember, minMember, true) {
			return
		}
	}
}

func (balancer *ownershipBalancer) moveSlot(from NodeID, to NodeID, allowPrimary bool) bool {
	for segment, segmentOwners := range balancer.owners {
		position := indexOf(segmentOwners, from)

		if position < 0 || indexOf(segmentOwners, to) >= 0 {
			continue
		}

		if position == 0 && !allowPrimary {
			continue
		}

		balancer.owners[segment][position] = to
		balancer.counts[from]--
		balancer.counts[to]++

		return true
	}

	return false
}
