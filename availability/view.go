package availability

import (
	. "github.com/PelionIoT/gridcore/cluster"
	. "github.com/PelionIoT/gridcore/error"
	"github.com/PelionIoT/gridcore/metrics"
)

// View pairs a topology with the availability mode that applied when it
// was published. Requests capture one View and evaluate against it so they
// never see a topology from one transition and a mode from another.
type View struct {
	Cache    string
	Topology *Topology
	Mode     AvailabilityMode
	Policy   PartitionHandlingPolicy
}

// CheckRead only rejects under DenyReadWrites. AllowReads serves reads of
// segments without a live owner as absent data.
func (view *View) CheckRead(segment uint64) error {
	if view.Mode == Degraded && view.Policy == DenyReadWrites {
		return view.reject("read", segment, "cluster is degraded")
	}

	return nil
}

func (view *View) CheckWrite(segment uint64) error {
	if view.Mode == Available || view.Policy == AllowReadWrites {
		return nil
	}

	return view.reject("write", segment, "cluster is degraded")
}

func (view *View) reject(operation string, segment uint64, reason string) error {
	metrics.RejectedOperations.WithLabelValues(view.Cache, operation).Inc()

	return AvailabilityError{Operation: operation, Segment: segment, Reason: reason}
}
