package data

import (
	"bytes"
)

// Entry is the unit of state transfer and merge. Key is the entry
// identity; Version increases with every write to the key so that a
// replayed or duplicated transfer never overwrites newer state. A deleted
// key is kept as a tombstone carrying the version of the delete.
type Entry struct {
	Key       string        `json:"key"`
	Value     []byte        `json:"value,omitempty"`
	Version   uint64        `json:"version"`
	Clock     VersionVector `json:"clock,omitempty"`
	Tombstone bool          `json:"tombstone,omitempty"`
}

func NewTombstone(key string, version uint64) *Entry {
	return &Entry{Key: key, Version: version, Tombstone: true}
}

// IsNull is true for absent and deleted entries.
func (entry *Entry) IsNull() bool {
	return entry == nil || entry.Tombstone
}

// Supersedes decides whether this entry should replace the other during an
// upsert. Equal versions do not supersede, which makes duplicate delivery a
// no-op.
func (entry *Entry) Supersedes(other *Entry) bool {
	if other == nil {
		return true
	}

	if entry == nil {
		return false
	}

	return entry.Version > other.Version
}

// CompareVersions orders two entries by their version vectors when both
// carry one and the vectors are causally related. Otherwise the numeric
// version decides. Returns VersionBefore, VersionAfter or VersionEqual.
func CompareVersions(a, b *Entry) int {
	if !a.Clock.IsEmpty() && !b.Clock.IsEmpty() {
		switch a.Clock.Compare(b.Clock) {
		case VersionBefore:
			return VersionBefore
		case VersionAfter:
			return VersionAfter
		}
	}

	switch {
	case a.Version < b.Version:
		return VersionBefore
	case a.Version > b.Version:
		return VersionAfter
	default:
		return VersionEqual
	}
}

func (entry *Entry) Equals(other *Entry) bool {
	if entry == nil || other == nil {
		return entry == other
	}

	if entry.Key != other.Key || entry.Version != other.Version || entry.Tombstone != other.Tombstone {
		return false
	}

	if entry.Clock.Compare(other.Clock) != VersionEqual {
		return false
	}

	return bytes.Equal(entry.Value, other.Value)
}

func (entry *Entry) Copy() *Entry {
	if entry == nil {
		return nil
	}

	copied := *entry
	copied.Value = append([]byte(nil), entry.Value...)
	copied.Clock = entry.Clock.Copy()

	return &copied
}
