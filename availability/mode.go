package availability

import (
	"strings"

	. "github.com/PelionIoT/gridcore/error"
)

type AvailabilityMode int

const (
	Available AvailabilityMode = iota
	Degraded  AvailabilityMode = iota
)

func (mode AvailabilityMode) String() string {
	switch mode {
	case Available:
		return "AVAILABLE"
	case Degraded:
		return "DEGRADED"
	}

	return "UNKNOWN"
}

// PartitionHandlingPolicy decides what a cache may still serve once a
// membership change leaves it without a majority or without an owner for
// some segment.
type PartitionHandlingPolicy int

const (
	DenyReadWrites  PartitionHandlingPolicy = iota
	AllowReads      PartitionHandlingPolicy = iota
	AllowReadWrites PartitionHandlingPolicy = iota
)

func (policy PartitionHandlingPolicy) String() string {
	switch policy {
	case DenyReadWrites:
		return "DENY_READ_WRITES"
	case AllowReads:
		return "ALLOW_READS"
	case AllowReadWrites:
		return "ALLOW_READ_WRITES"
	}

	return "UNKNOWN"
}

func ParsePartitionHandlingPolicy(s string) (PartitionHandlingPolicy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "DENY_READ_WRITES":
		return DenyReadWrites, nil
	case "ALLOW_READS":
		return AllowReads, nil
	case "ALLOW_READ_WRITES":
		return AllowReadWrites, nil
	}

	return DenyReadWrites, NewConfigurationError("partitionHandling", "unknown policy %q", s)
}

// Action tells the caller whether a rehash may follow a membership change
type Action int

const (
	Proceed Action = iota
	Hold    Action = iota
)

func (action Action) String() string {
	if action == Hold {
		return "HOLD"
	}

	return "PROCEED"
}

type Decision struct {
	Action Action
	Mode   AvailabilityMode
	// LostSegments have no surviving owner in the stable topology
	LostSegments []uint64
	HasMajority  bool
}
