package data

import (
	"sort"
)

// VersionVector maps a member id to the number of writes that member
// has coordinated for an entry.
type VersionVector map[string]uint64

const (
	VersionBefore     = -1
	VersionConcurrent = 0
	VersionAfter      = 1
	VersionEqual      = 2
)

func NewVersionVector() VersionVector {
	return VersionVector{}
}

func (vv VersionVector) Increment(nodeID string) VersionVector {
	next := make(VersionVector, len(vv)+1)

	for id, count := range vv {
		next[id] = count
	}

	next[nodeID]++

	return next
}

// Copy keeps a nil vector nil
func (vv VersionVector) Copy() VersionVector {
	if vv == nil {
		return nil
	}

	copied := make(VersionVector, len(vv))

	for nodeID, count := range vv {
		copied[nodeID] = count
	}

	return copied
}

// HappenedBefore returns true if every counter in this vector is less than
// or equal to the matching counter in the other and they differ.
func (vv VersionVector) HappenedBefore(other VersionVector) bool {
	return vv.Compare(other) == VersionBefore
}

func (vv VersionVector) Compare(other VersionVector) int {
	less := false
	greater := false

	for nodeID, count := range vv {
		if count > other[nodeID] {
			greater = true
		} else if count < other[nodeID] {
			less = true
		}
	}

	for nodeID, count := range other {
		if _, ok := vv[nodeID]; !ok && count > 0 {
			less = true
		}
	}

	switch {
	case less && greater:
		return VersionConcurrent
	case less:
		return VersionBefore
	case greater:
		return VersionAfter
	default:
		return VersionEqual
	}
}

// Merge returns the pointwise maximum of both vectors.
func (vv VersionVector) Merge(other VersionVector) VersionVector {
	merged := make(VersionVector, len(vv))

	for nodeID, count := range vv {
		merged[nodeID] = count
	}

	for nodeID, count := range other {
		if count > merged[nodeID] {
			merged[nodeID] = count
		}
	}

	return merged
}

func (vv VersionVector) Replicas() []string {
	replicas := make([]string, 0, len(vv))

	for nodeID := range vv {
		replicas = append(replicas, nodeID)
	}

	sort.Strings(replicas)

	return replicas
}

func (vv VersionVector) IsEmpty() bool {
	return len(vv) == 0
}
