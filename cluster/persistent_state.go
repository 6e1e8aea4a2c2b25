package cluster

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	. "github.com/PelionIoT/gridcore/error"
)

const (
	stateKeyConsistentHash = "consistentHash"
	stateKeyNumSegments    = "numSegments"
	stateKeyNumOwners      = "numOwners"
	stateKeyNumMembers     = "numMembers"
	stateKeyMemberPrefix   = "member."
	stateKeyOwnersPrefix   = "segmentOwners."
)

// ScopedPersistentState is a flat key/value blob owned by one cache. The
// scope is the cache name.
type ScopedPersistentState struct {
	Scope string            `json:"scope"`
	State map[string]string `json:"state"`
}

func NewScopedPersistentState(scope string) *ScopedPersistentState {
	return &ScopedPersistentState{
		Scope: scope,
		State: make(map[string]string),
	}
}

func (state *ScopedPersistentState) SetProperty(key string, value string) {
	state.State[key] = value
}

func (state *ScopedPersistentState) SetIntProperty(key string, value uint64) {
	state.State[key] = strconv.FormatUint(value, 10)
}

func (state *ScopedPersistentState) GetProperty(key string) (string, bool) {
	value, ok := state.State[key]

	return value, ok
}

func (state *ScopedPersistentState) GetIntProperty(key string) (uint64, error) {
	value, ok := state.State[key]

	if !ok {
		return 0, NewCorruptStateError(state.Scope, "missing property %s", key)
	}

	n, err := strconv.ParseUint(value, 10, 64)

	if err != nil {
		return 0, NewCorruptStateError(state.Scope, "property %s is not a number: %q", key, value)
	}

	return n, nil
}

// Keys returns the property names in sorted order
func (state *ScopedPersistentState) Keys() []string {
	keys := make([]string, 0, len(state.State))

	for key := range state.State {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}

func (state *ScopedPersistentState) countPrefix(prefix string) int {
	count := 0

	for key := range state.State {
		if strings.HasPrefix(key, prefix) {
			count++
		}
	}

	return count
}

func (state *ScopedPersistentState) Snapshot() ([]byte, error) {
	return json.Marshal(state)
}

func (state *ScopedPersistentState) Recover(snapshot []byte) error {
	var recovered ScopedPersistentState

	if err := json.Unmarshal(snapshot, &recovered); err != nil {
		return NewCorruptStateError(state.Scope, "unable to decode state: %v", err)
	}

	if recovered.State == nil {
		recovered.State = make(map[string]string)
	}

	*state = recovered

	return nil
}

func (factory *DefaultConsistentHashFactory) ToPersistentState(segmentMap *SegmentMap, scope string) *ScopedPersistentState {
	state := NewScopedPersistentState(scope)
	state.SetProperty(stateKeyConsistentHash, factory.Name())
	state.SetIntProperty(stateKeyNumSegments, segmentMap.numSegments)
	state.SetIntProperty(stateKeyNumOwners, uint64(segmentMap.numOwners))
	state.SetIntProperty(stateKeyNumMembers, uint64(len(segmentMap.members)))

	memberIndex := make(map[NodeID]int, len(segmentMap.members))

	for i, member := range segmentMap.members {
		memberIndex[member] = i
		state.SetProperty(fmt.Sprintf("%s%d", stateKeyMemberPrefix, i), string(member))
	}

	for segment, owners := range segmentMap.owners {
		indices := make([]string, len(owners))

		for i, owner := range owners {
			indices[i] = strconv.Itoa(memberIndex[owner])
		}

		state.SetProperty(fmt.Sprintf("%s%d", stateKeyOwnersPrefix, segment), strings.Join(indices, ","))
	}

	return state
}

func (factory *DefaultConsistentHashFactory) FromPersistentState(state *ScopedPersistentState) (*SegmentMap, error) {
	if state == nil || state.State == nil {
		return nil, NewCorruptStateError("", "no state")
	}

	name, _ := state.GetProperty(stateKeyConsistentHash)

	if name != factory.Name() {
		return nil, NewCorruptStateError(state.Scope, "state was written by factory %q, expected %q", name, factory.Name())
	}

	numSegments, err := state.GetIntProperty(stateKeyNumSegments)

	if err != nil {
		return nil, err
	}

	numOwners, err := state.GetIntProperty(stateKeyNumOwners)

	if err != nil {
		return nil, err
	}

	if numOwners > uint64(MaxOwnerCount) {
		return nil, NewCorruptStateError(state.Scope, "numOwners %d exceeds %d", numOwners, MaxOwnerCount)
	}

	if err := CheckSegmentSettings(numSegments, int(numOwners)); err != nil {
		return nil, NewCorruptStateError(state.Scope, "invalid segment settings: %v", err)
	}

	numMembers, err := state.GetIntProperty(stateKeyNumMembers)

	if err != nil {
		return nil, err
	}

	if numMembers > uint64(state.countPrefix(stateKeyMemberPrefix)) {
		return nil, NewCorruptStateError(state.Scope, "numMembers %d exceeds the %d saved members", numMembers, state.countPrefix(stateKeyMemberPrefix))
	}

	members := make([]NodeID, numMembers)

	for i := range members {
		member, ok := state.GetProperty(fmt.Sprintf("%s%d", stateKeyMemberPrefix, i))

		if !ok || member == "" {
			return nil, NewCorruptStateError(state.Scope, "missing member %d", i)
		}

		members[i] = NodeID(member)
	}

	if err := checkMembers(members); err != nil {
		return nil, NewCorruptStateError(state.Scope, "invalid member list: %v", err)
	}

	owners := make([][]NodeID, numSegments)

	for segment := range owners {
		encoded, ok := state.GetProperty(fmt.Sprintf("%s%d", stateKeyOwnersPrefix, segment))

		if !ok {
			return nil, NewCorruptStateError(state.Scope, "missing owners of segment %d", segment)
		}

		owners[segment], err = decodeOwners(encoded, members, int(numOwners))

		if err != nil {
			return nil, NewCorruptStateError(state.Scope, "segment %d: %v", segment, err)
		}
	}

	return newSegmentMap(numSegments, int(numOwners), members, owners), nil
}

func decodeOwners(encoded string, members []NodeID, numOwners int) ([]NodeID, error) {
	owners := make([]NodeID, 0, minInt(numOwners, len(members)))

	if encoded == "" {
		return owners, nil
	}

	for _, field := range strings.Split(encoded, ",") {
		index, err := strconv.Atoi(field)

		if err != nil || index < 0 || index >= len(members) {
			return nil, fmt.Errorf("invalid member index %q", field)
		}

		if indexOf(owners, members[index]) >= 0 {
			return nil, fmt.Errorf("member %s listed twice", members[index])
		}

		owners = append(owners, members[index])
	}

	if len(owners) > numOwners {
		return nil, fmt.Errorf("%d owners exceed numOwners %d", len(owners), numOwners)
	}

	return owners, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}

	return b
}
