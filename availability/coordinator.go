package availability

import (
	"context"
	"sync"
	"sync/atomic"

	. "github.com/PelionIoT/gridcore/cluster"
	. "github.com/PelionIoT/gridcore/error"
	. "github.com/PelionIoT/gridcore/logging"
	"github.com/PelionIoT/gridcore/metrics"
)

const eventQueueSize = 64

type ModeListener func(previous AvailabilityMode, current AvailabilityMode)
type TopologyListener func(topology *Topology)

// AvailabilityCoordinator owns the availability mode of one cache and is
// the only component that publishes its View. Every state change runs on
// the coordinator goroutine in submission order. Readers load the current
// View without locking.
type AvailabilityCoordinator struct {
	cache     string
	policy    PartitionHandlingPolicy
	view      atomic.Pointer[View]
	stable    *Topology
	events    chan func()
	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	listenersLock     sync.Mutex
	modeListeners     []ModeListener
	topologyListeners []TopologyListener
}

// NewAvailabilityCoordinator publishes the initial topology as both the
// current and the stable topology. Start must be called before any other
// method that takes a context.
func NewAvailabilityCoordinator(cache string, policy PartitionHandlingPolicy, initial *Topology) *AvailabilityCoordinator {
	coordinator := &AvailabilityCoordinator{
		cache:  cache,
		policy: policy,
		stable: initial,
		events: make(chan func(), eventQueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	coordinator.view.Store(&View{Cache: cache, Topology: initial, Mode: Available, Policy: policy})
	metrics.TopologyID.WithLabelValues(cache).Set(float64(initial.ID))
	metrics.AvailabilityMode.WithLabelValues(cache).Set(0)

	return coordinator
}

func (coordinator *AvailabilityCoordinator) Start() {
	coordinator.startOnce.Do(func() {
		go coordinator.run()
	})
}

func (coordinator *AvailabilityCoordinator) Stop() {
	coordinator.stopOnce.Do(func() {
		close(coordinator.stop)
	})

	// never started
	coordinator.startOnce.Do(func() {
		close(coordinator.done)
	})

	<-coordinator.done
}

func (coordinator *AvailabilityCoordinator) run() {
	defer close(coordinator.done)

	for {
		select {
		case event := <-coordinator.events:
			event()
		case <-coordinator.stop:
			return
		}
	}
}

// submit queues fn on the coordinator goroutine and waits for it to run
func (coordinator *AvailabilityCoordinator) submit(ctx context.Context, fn func()) error {
	finished := make(chan struct{})

	select {
	case coordinator.events <- func() { fn(); close(finished) }:
	case <-coordinator.stop:
		return EStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-coordinator.stop:
		return EStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (coordinator *AvailabilityCoordinator) View() *View {
	return coordinator.view.Load()
}

func (coordinator *AvailabilityCoordinator) Mode() AvailabilityMode {
	return coordinator.View().Mode
}

func (coordinator *AvailabilityCoordinator) Topology() *Topology {
	return coordinator.View().Topology
}

func (coordinator *AvailabilityCoordinator) Policy() PartitionHandlingPolicy {
	return coordinator.policy
}

// StableTopology is the last topology committed while the cache was available
func (coordinator *AvailabilityCoordinator) StableTopology(ctx context.Context) (*Topology, error) {
	var stable *Topology

	err := coordinator.submit(ctx, func() {
		stable = coordinator.stable
	})

	if err != nil {
		return nil, err
	}

	return stable, nil
}

// OnModeChange listeners run on the coordinator goroutine and must not
// call back into the coordinator.
func (coordinator *AvailabilityCoordinator) OnModeChange(listener ModeListener) {
	coordinator.listenersLock.Lock()
	defer coordinator.listenersLock.Unlock()

	coordinator.modeListeners = append(coordinator.modeListeners, listener)
}

func (coordinator *AvailabilityCoordinator) OnTopologyChange(listener TopologyListener) {
	coordinator.listenersLock.Lock()
	defer coordinator.listenersLock.Unlock()

	coordinator.topologyListeners = append(coordinator.topologyListeners, listener)
}

// Install publishes a topology. A topology whose id is not newer than the
// current one is dropped and counted. The returned flag reports whether
// the topology was installed.
func (coordinator *AvailabilityCoordinator) Install(ctx context.Context, topology *Topology) (bool, error) {
	var installed bool

	err := coordinator.submit(ctx, func() {
		installed = coordinator.install(topology)
	})

	if err != nil {
		return false, err
	}

	return installed, nil
}

// MembershipChanged evaluates a new membership view against the stable
// topology and decides whether a rehash may follow. On Hold the coordinator
// publishes the current ownership narrowed to the survivors itself.
func (coordinator *AvailabilityCoordinator) MembershipChanged(ctx context.Context, survivors []NodeID) (Decision, error) {
	var decision Decision

	err := coordinator.submit(ctx, func() {
		decision = coordinator.membershipChanged(survivors)
	})

	if err != nil {
		return Decision{}, err
	}

	return decision, nil
}

// MergeCompleted installs the merged topology. The cache becomes available
// again if every segment of the merged map has an owner among its members.
func (coordinator *AvailabilityCoordinator) MergeCompleted(ctx context.Context, topology *Topology) (AvailabilityMode, error) {
	var mode AvailabilityMode

	err := coordinator.submit(ctx, func() {
		if !coordinator.install(topology) {
			mode = coordinator.View().Mode

			return
		}

		if len(lostSegments(topology.SegmentMap, topology.Members)) > 0 {
			Log.Warningf("Cache %s: merged topology %d still leaves segments without owners", coordinator.cache, topology.ID)

			mode = coordinator.View().Mode

			return
		}

		coordinator.stable = topology
		coordinator.transition(Available)
		mode = Available
	})

	return mode, err
}

func (coordinator *AvailabilityCoordinator) install(topology *Topology) bool {
	current := coordinator.View()

	if topology.ID <= current.Topology.ID {
		Log.Warningf("Cache %s: dropping stale topology %d, topology %d is already installed", coordinator.cache, topology.ID, current.Topology.ID)
		metrics.StaleTopologies.WithLabelValues(coordinator.cache).Inc()

		return false
	}

	coordinator.publish(&View{Cache: coordinator.cache, Topology: topology, Mode: current.Mode, Policy: coordinator.policy})

	if current.Mode == Available && !topology.IsRehashInProgress() {
		coordinator.stable = topology
	}

	return true
}

func (coordinator *AvailabilityCoordinator) membershipChanged(survivors []NodeID) Decision {
	current := coordinator.View()
	stable := coordinator.stable
	decision := Decision{Action: Proceed, Mode: current.Mode, HasMajority: true, LostSegments: []uint64{}}

	if stable == nil || stable.SegmentMap == nil || len(stable.Members) == 0 {
		return decision
	}

	decision.LostSegments = lostSegments(stable.SegmentMap, survivors)
	decision.HasMajority = 2*len(Intersect(survivors, stable.Members)) > len(stable.Members)

	if coordinator.policy == AllowReadWrites {
		if len(decision.LostSegments) > 0 {
			Log.Errorf("Cache %s: %d segments lost every owner, their data is lost", coordinator.cache, len(decision.LostSegments))
		}

		return decision
	}

	if len(decision.LostSegments) == 0 && decision.HasMajority {
		if current.Mode == Degraded {
			Log.Infof("Cache %s: membership covers every segment of stable topology %d again", coordinator.cache, stable.ID)

			coordinator.transition(Available)
			decision.Mode = Available
		}

		return decision
	}

	Log.Warningf("Cache %s: entering degraded mode (majority = %v, segments without owners = %d)", coordinator.cache, decision.HasMajority, len(decision.LostSegments))

	narrowed := current.Topology.Commit(Intersect(current.Topology.Members, survivors), current.Topology.SegmentMap, current.Topology.PendingSegments)

	coordinator.publish(&View{Cache: coordinator.cache, Topology: narrowed, Mode: Degraded, Policy: coordinator.policy})

	if current.Mode != Degraded {
		coordinator.notifyMode(current.Mode, Degraded)
	}

	decision.Action = Hold
	decision.Mode = Degraded

	return decision
}

func (coordinator *AvailabilityCoordinator) transition(mode AvailabilityMode) {
	current := coordinator.View()

	if current.Mode == mode {
		return
	}

	coordinator.view.Store(&View{Cache: coordinator.cache, Topology: current.Topology, Mode: mode, Policy: coordinator.policy})
	coordinator.notifyMode(current.Mode, mode)
}

func (coordinator *AvailabilityCoordinator) publish(view *View) {
	coordinator.view.Store(view)
	metrics.TopologyID.WithLabelValues(coordinator.cache).Set(float64(view.Topology.ID))

	coordinator.listenersLock.Lock()
	listeners := append([]TopologyListener(nil), coordinator.topologyListeners...)
	coordinator.listenersLock.Unlock()

	for _, listener := range listeners {
		listener(view.Topology)
	}
}

func (coordinator *AvailabilityCoordinator) notifyMode(previous, mode AvailabilityMode) {
	Log.Infof("Cache %s: availability mode %s -> %s", coordinator.cache, previous, mode)
	metrics.RecordMode(coordinator.cache, mode == Degraded)

	coordinator.listenersLock.Lock()
	listeners := append([]ModeListener(nil), coordinator.modeListeners...)
	coordinator.listenersLock.Unlock()

	for _, listener := range listeners {
		listener(previous, mode)
	}
}

func lostSegments(segmentMap *SegmentMap, survivors []NodeID) []uint64 {
	lost := make([]uint64, 0)

	if segmentMap == nil {
		return lost
	}

	for segment := uint64(0); segment < segmentMap.NumSegments(); segment++ {
		if len(segmentMap.LiveOwners(segment, survivors)) == 0 {
			lost = append(lost, segment)
		}
	}

	return lost
}
