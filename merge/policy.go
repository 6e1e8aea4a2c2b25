package merge

import (
	"strings"

	. "github.com/PelionIoT/gridcore/data"
	. "github.com/PelionIoT/gridcore/error"
)

type MergePolicyKind int

const (
	PrimaryAlways  MergePolicyKind = iota
	PrimaryNonNull MergePolicyKind = iota
	VersionBased   MergePolicyKind = iota
	Custom         MergePolicyKind = iota
)

func (kind MergePolicyKind) String() string {
	switch kind {
	case PrimaryAlways:
		return "PRIMARY_ALWAYS"
	case PrimaryNonNull:
		return "PRIMARY_NON_NULL"
	case VersionBased:
		return "VERSION_BASED"
	case Custom:
		return "CUSTOM"
	}

	return "UNKNOWN"
}

// ConflictResolver picks the entry that survives a merge. A nil result
// deletes the key.
type ConflictResolver func(preferred *Entry, other *Entry) *Entry

// MergePolicy is fixed when a cache is configured. Only Custom policies
// carry a resolver.
type MergePolicy struct {
	kind     MergePolicyKind
	resolver ConflictResolver
}

func NewMergePolicy(kind MergePolicyKind) (MergePolicy, error) {
	if kind == Custom {
		return MergePolicy{}, NewConfigurationError("mergePolicy", "a custom policy needs a conflict resolver")
	}

	if kind < PrimaryAlways || kind > Custom {
		return MergePolicy{}, NewConfigurationError("mergePolicy", "unknown policy %d", kind)
	}

	return MergePolicy{kind: kind}, nil
}

func NewCustomMergePolicy(resolver ConflictResolver) (MergePolicy, error) {
	if resolver == nil {
		return MergePolicy{}, NewConfigurationError("mergePolicy", "a custom policy needs a conflict resolver")
	}

	return MergePolicy{kind: Custom, resolver: resolver}, nil
}

// ParseMergePolicy reads a policy name from configuration. Custom
// policies can only be built in code with NewCustomMergePolicy.
func ParseMergePolicy(name string) (MergePolicy, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "PRIMARY_ALWAYS":
		return NewMergePolicy(PrimaryAlways)
	case "PRIMARY_NON_NULL":
		return NewMergePolicy(PrimaryNonNull)
	case "", "VERSION_BASED":
		return NewMergePolicy(VersionBased)
	case "CUSTOM":
		return NewMergePolicy(Custom)
	}

	return MergePolicy{}, NewConfigurationError("mergePolicy", "unknown policy %q", name)
}

func (policy MergePolicy) Kind() MergePolicyKind {
	return policy.kind
}

func (policy MergePolicy) String() string {
	return policy.kind.String()
}

const (
	outcomePreferred = "preferred"
	outcomeOther     = "other"
	outcomeDeleted   = "deleted"
	outcomeOneSided  = "one_sided"
)

// Resolve returns the surviving entry for one key, or a tombstone if the
// key is deleted. It returns nil only if the key is absent on both sides.
// An absent side never reaches the policy.
func (policy MergePolicy) Resolve(preferred *Entry, other *Entry) *Entry {
	resolved, _ := policy.resolve(preferred, other)

	return resolved
}

func (policy MergePolicy) resolve(preferred *Entry, other *Entry) (*Entry, string) {
	if preferred == nil && other == nil {
		return nil, ""
	}

	if preferred == nil {
		return other, outcomeOneSided
	}

	if other == nil {
		return preferred, outcomeOneSided
	}

	switch policy.kind {
	case PrimaryAlways:
		return preferred, outcomeOf(preferred, outcomePreferred)
	case PrimaryNonNull:
		if !preferred.IsNull() {
			return preferred, outcomePreferred
		}

		return other, outcomeOf(other, outcomeOther)
	case VersionBased:
		if CompareVersions(preferred, other) == VersionBefore {
			return other, outcomeOf(other, outcomeOther)
		}

		return preferred, outcomeOf(preferred, outcomePreferred)
	case Custom:
		resolved := policy.resolver(preferred.Copy(), other.Copy())

		if resolved == nil {
			return deletion(preferred, other), outcomeDeleted
		}

		resolved = resolved.Copy()
		resolved.Key = preferred.Key

		if resolved.Tombstone {
			return resolved, outcomeDeleted
		}

		switch {
		case resolved.Equals(preferred):
			return resolved, outcomePreferred
		case resolved.Equals(other):
			return resolved, outcomeOther
		}

		return resolved, "custom"
	}

	return preferred, outcomePreferred
}

func outcomeOf(entry *Entry, outcome string) string {
	if entry.IsNull() {
		return outcomeDeleted
	}

	return outcome
}

// deletion stamps a tombstone above both sides so later replays of either
// side cannot bring the key back
func deletion(preferred *Entry, other *Entry) *Entry {
	version := preferred.Version

	if other.Version > version {
		version = other.Version
	}

	tombstone := NewTombstone(preferred.Key, version+1)
	tombstone.Clock = preferred.Clock.Merge(other.Clock)

	return tombstone
}
