package node

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/PelionIoT/gridcore/availability"
	. "github.com/PelionIoT/gridcore/cluster"
	. "github.com/PelionIoT/gridcore/data"
	. "github.com/PelionIoT/gridcore/error"
	. "github.com/PelionIoT/gridcore/logging"
	. "github.com/PelionIoT/gridcore/merge"
	. "github.com/PelionIoT/gridcore/shared"
	. "github.com/PelionIoT/gridcore/storage"
	. "github.com/PelionIoT/gridcore/transfer"
	. "github.com/PelionIoT/gridcore/transport"
)

const (
	StatusTimeout           = 5 * time.Second
	stateKeyTopologyID      = "topologyId"
	coordinatorCallDeadline = 10 * time.Second
)

type TopologyChangeListener func(topology *Topology)

// rehashRun is the transition this member is currently executing
type rehashRun struct {
	pending *Topology
	cancel  context.CancelFunc
	done    chan struct{}
}

func (run *rehashRun) active() bool {
	select {
	case <-run.done:
		return false
	default:
		return true
	}
}

// Cache binds the components that keep one cache's ownership consistent
// on this member. Membership views and proposals from other members are
// handled on a single event loop. Rehashes and merges run on their own
// goroutines and are cancelled when a newer topology supersedes them.
type Cache struct {
	config       CacheConfiguration
	localID      NodeID
	transport    Transport
	store        StateStore
	factory      ConsistentHashFactory
	partitioner  *KeyPartitioner
	container    *DataContainer
	availability *AvailabilityCoordinator
	rehash       *RehashCoordinator
	resolver     *MergeResolver
	// last topology without a pending map, served to Status queries
	committed atomic.Pointer[Topology]
	queue     *eventQueue
	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	// owned by the event loop
	running  *rehashRun
	lastView MembershipView

	// set while a merge led by another member is under way
	mergeWaiting atomic.Bool

	snapshotLock sync.Mutex
}

// NewCache restores the cache's committed segment map from the store if
// one was saved. An unreadable saved state is fatal for the cache.
func NewCache(config CacheConfiguration, transport Transport, store StateStore) (*Cache, error) {
	factory := config.Factory()
	partitioner := NewKeyPartitioner(config.NumSegments())
	container := NewDataContainer(partitioner, transport.LocalID())
	initial, err := RestoreTopology(config.Name(), factory, store)

	if err != nil {
		Log.Criticalf("Local node (id = %s) unable to restore the state of cache %s: %v", transport.LocalID(), config.Name(), err)

		return nil, err
	}

	rehash, err := NewRehashCoordinator(config.Name(), transport, container, config.Rehash())

	if err != nil {
		return nil, err
	}

	cache := &Cache{
		config:       config,
		localID:      transport.LocalID(),
		transport:    transport,
		store:        store,
		factory:      factory,
		partitioner:  partitioner,
		container:    container,
		availability: NewAvailabilityCoordinator(config.Name(), config.PartitionHandling(), initial),
		rehash:       rehash,
		resolver:     NewMergeResolver(config.Name(), factory, config.MergePolicy(), rehash),
		queue:        newEventQueue(),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}

	if initial.SegmentMap != nil {
		cache.committed.Store(initial)

		Log.Infof("Local node (id = %s) restored cache %s at topology %d with %d members", cache.localID, config.Name(), initial.ID, len(initial.Members))
	}

	cache.availability.OnTopologyChange(func(topology *Topology) {
		if topology.SegmentMap != nil && !topology.IsRehashInProgress() {
			cache.committed.Store(topology)
		}
	})

	return cache, nil
}

// RestoreTopology reads the last committed topology of a cache from the
// store. A cache that was never saved gets an empty topology with ID 0.
func RestoreTopology(name string, factory ConsistentHashFactory, store StateStore) (*Topology, error) {
	state, err := store.Load(name)

	if err != nil {
		return nil, err
	}

	if state == nil {
		return NewTopology(0, []NodeID{}, nil), nil
	}

	segmentMap, err := factory.FromPersistentState(state)

	if err != nil {
		return nil, err
	}

	id, err := state.GetIntProperty(stateKeyTopologyID)

	if err != nil {
		return nil, err
	}

	return NewTopology(id, segmentMap.Members(), segmentMap), nil
}

func (cache *Cache) Name() string {
	return cache.config.Name()
}

func (cache *Cache) Configuration() CacheConfiguration {
	return cache.config
}

// Start registers the cache's handlers with the transport. Views that
// arrive before Start are not seen.
func (cache *Cache) Start() {
	cache.startOnce.Do(func() {
		cache.availability.Start()

		cache.transport.OnProposal(cache.Name(), cache.handleProposal)
		cache.transport.OnEntryBatch(cache.Name(), cache.rehash.HandleEntryBatch)
		cache.transport.OnFetchSegment(cache.Name(), func(name string, segment uint64) ([]*Entry, error) {
			return cache.container.Entries(segment), nil
		})
		cache.transport.OnMembershipChange(func(view MembershipView) {
			if view.IsMerge() && Contains(view.Members, cache.localID) && mergeLeader(view.Members) != cache.localID {
				cache.mergeWaiting.Store(true)
			}

			cache.queue.push(viewEvent{view: view})
		})

		go cache.run()
	})
}

func (cache *Cache) Stop() {
	cache.stopOnce.Do(func() {
		close(cache.stop)
	})

	cache.startOnce.Do(func() {
		close(cache.done)
	})

	<-cache.done

	cache.availability.Stop()
}

func (cache *Cache) run() {
	defer close(cache.done)

	for {
		select {
		case <-cache.stop:
			cache.stopRehash()

			return
		case <-cache.queue.ready:
		}

		for _, event := range cache.queue.drain() {
			switch e := event.(type) {
			case viewEvent:
				cache.handleView(e.view)
			case proposalEvent:
				cache.adopt(e.proposal)
			case mergedEvent:
				cache.handleMerged(e)
			}
		}
	}
}

// CurrentTopology is the topology currently published for requests
func (cache *Cache) CurrentTopology() *Topology {
	return cache.availability.Topology()
}

func (cache *Cache) AvailabilityMode() AvailabilityMode {
	return cache.availability.Mode()
}

// RouteKey lists the members a write of key must reach, primary owner
// first. During a rehash the pending owners are included.
func (cache *Cache) RouteKey(key string) []NodeID {
	return cache.CurrentTopology().WriteOwners(cache.partitioner.Segment(key))
}

func (cache *Cache) Segment(key string) uint64 {
	return cache.partitioner.Segment(key)
}

func (cache *Cache) CheckRead(key string) error {
	return cache.availability.View().CheckRead(cache.partitioner.Segment(key))
}

func (cache *Cache) CheckWrite(key string) error {
	return cache.availability.View().CheckWrite(cache.partitioner.Segment(key))
}

// OnTopologyChanged listeners run on the availability coordinator's
// goroutine and must not block
func (cache *Cache) OnTopologyChanged(listener TopologyChangeListener) {
	cache.availability.OnTopologyChange(func(topology *Topology) {
		listener(topology)
	})
}

func (cache *Cache) OnAvailabilityChanged(listener ModeListener) {
	cache.availability.OnModeChange(listener)
}

// Container holds the entries this member stores for the cache
func (cache *Cache) Container() *DataContainer {
	return cache.container
}

// Snapshot saves the last committed segment map and its topology id
func (cache *Cache) Snapshot() error {
	cache.snapshotLock.Lock()
	defer cache.snapshotLock.Unlock()

	committed := cache.committed.Load()

	if committed == nil {
		return nil
	}

	state := cache.factory.ToPersistentState(committed.SegmentMap, cache.Name())
	state.SetIntProperty(stateKeyTopologyID, committed.ID)

	if err := cache.store.Save(state); err != nil {
		Log.Errorf("Local node (id = %s) unable to save the state of cache %s at topology %d: %v", cache.localID, cache.Name(), committed.ID, err)

		return err
	}

	return nil
}

func (cache *Cache) handleProposal(proposal TopologyProposal) Ack {
	switch proposal.Phase {
	case PhaseConfirm:
		return cache.rehash.HandleConfirmation(proposal)
	case PhaseConfirmQuery:
		return cache.rehash.HandleConfirmationQuery(proposal)
	case PhaseStatus:
		current := cache.availability.Topology()

		return Ack{From: cache.localID, Accepted: true, TopologyID: current.ID, Topology: cache.committed.Load()}
	}

	current := cache.availability.Topology()

	if proposal.TopologyID > current.ID {
		// every pusher announces before it pushes so stale copies from the
		// other side are gone before merged data arrives
		if proposal.CurrentMap != nil && cache.mergeWaiting.CompareAndSwap(true, false) {
			cache.discardUnowned(proposal.CurrentMap)
		}

		cache.queue.push(proposalEvent{proposal: proposal})

		return Ack{From: cache.localID, Accepted: true, TopologyID: proposal.TopologyID}
	}

	if proposal.TopologyID == current.ID && current.IsRehashInProgress() && current.PendingMap.Equals(proposal.PendingMap) {
		return Ack{From: cache.localID, Accepted: true, TopologyID: current.ID}
	}

	Log.Warningf("Local node (id = %s) cache %s refusing topology %d from node %s, topology %d is installed", cache.localID, cache.Name(), proposal.TopologyID, proposal.From, current.ID)

	return Ack{From: cache.localID, Accepted: false, TopologyID: current.ID, Reason: EStaleTopology.Error()}
}

func (cache *Cache) handleView(view MembershipView) {
	if view.ID <= cache.lastView.ID && cache.lastView.ID != 0 {
		return
	}

	cache.lastView = view

	if !Contains(view.Members, cache.localID) {
		return
	}

	Log.Infof("Local node (id = %s) cache %s received view %d with members %v", cache.localID, cache.Name(), view.ID, view.Members)

	if view.IsMerge() {
		cache.stopRehash()

		if mergeLeader(view.Members) != cache.localID {
			return
		}

		go cache.merge(view)

		return
	}

	if cache.committed.Load() == nil {
		if err := cache.bootstrap(view); err != nil {
			Log.Errorf("Local node (id = %s) unable to bootstrap cache %s: %v", cache.localID, cache.Name(), err)

			return
		}
	}

	cache.reconfigure(view.Members, false)
}

// bootstrap adopts the newest committed topology any member reports. If no
// member has one the cache is new and every member creates the same
// initial map from the view.
func (cache *Cache) bootstrap(view MembershipView) error {
	ctx, cancel := context.WithTimeout(context.Background(), StatusTimeout)
	defer cancel()

	var adopted *Topology

	for _, ack := range cache.status(ctx) {
		if ack.Topology != nil && ack.Topology.SegmentMap != nil && (adopted == nil || ack.Topology.ID > adopted.ID) {
			adopted = ack.Topology
		}
	}

	if adopted == nil {
		segmentMap, err := cache.factory.Create(view.Members, cache.config.NumSegments(), cache.config.NumOwners())

		if err != nil {
			return err
		}

		adopted = NewTopology(1, view.Members, segmentMap)

		Log.Infof("Local node (id = %s) creating cache %s with members %v", cache.localID, cache.Name(), view.Members)
	} else {
		Log.Infof("Local node (id = %s) joining cache %s at topology %d", cache.localID, cache.Name(), adopted.ID)
	}

	if _, err := cache.availability.Install(ctx, adopted); err != nil {
		return err
	}

	return cache.Snapshot()
}

func (cache *Cache) status(ctx context.Context) []Ack {
	acks, err := cache.transport.Broadcast(ctx, TopologyProposal{
		Phase:      PhaseStatus,
		Cache:      cache.Name(),
		From:       cache.localID,
		TopologyID: cache.availability.Topology().ID,
	})

	if err != nil {
		Log.Warningf("Local node (id = %s) cache %s status query incomplete: %v", cache.localID, cache.Name(), err)
	}

	return acks
}

// reconfigure moves the cache to the given membership. A rehash that is
// already heading to the same members keeps running. With force set a
// rehash runs even if ownership does not change so that other members
// learn the new topology.
func (cache *Cache) reconfigure(members []NodeID, force bool) {
	if cache.committed.Load() == nil {
		return
	}

	if run := cache.running; run != nil && run.active() && sameMembers(run.pending.Members, members) && !force {
		return
	}

	cache.stopRehash()

	ctx, cancel := context.WithTimeout(context.Background(), coordinatorCallDeadline)
	defer cancel()

	decision, err := cache.availability.MembershipChanged(ctx, members)

	if err != nil {
		Log.Errorf("Local node (id = %s) cache %s unable to evaluate membership %v: %v", cache.localID, cache.Name(), members, err)

		return
	}

	if decision.Action == Hold {
		Log.Warningf("Local node (id = %s) cache %s holding ownership while degraded (segments without owners = %d, majority = %v)", cache.localID, cache.Name(), len(decision.LostSegments), decision.HasMajority)

		cache.Snapshot()

		return
	}

	base := cache.availability.Topology()
	candidate, err := cache.candidate(base.SegmentMap, members)

	if err != nil {
		Log.Errorf("Local node (id = %s) cache %s unable to compute ownership for members %v: %v", cache.localID, cache.Name(), members, err)

		return
	}

	if !force && !base.IsRehashInProgress() && sameMembers(base.Members, members) && candidate.Equals(base.SegmentMap) {
		return
	}

	cache.startRehash(base.WithPending(members, candidate))
}

// candidate only rebalances when the view brings new members. Departures
// refill the slots they held and leave every other segment's owners alone.
func (cache *Cache) candidate(committed *SegmentMap, members []NodeID) (*SegmentMap, error) {
	updated, err := cache.factory.UpdateMembers(committed, members)

	if err != nil {
		return nil, err
	}

	for _, member := range members {
		if !committed.IsMember(member) {
			return cache.factory.Rebalance(updated)
		}
	}

	return updated, nil
}

// adopt follows a pending topology announced by another member. This is
// how joiners and members waiting for a merge learn the next topology.
func (cache *Cache) adopt(proposal TopologyProposal) {
	if !Contains(proposal.Members, cache.localID) || proposal.CurrentMap == nil || proposal.PendingMap == nil {
		return
	}

	if current := cache.availability.Topology(); proposal.TopologyID <= current.ID {
		return
	}

	Log.Infof("Local node (id = %s) cache %s adopting topology %d announced by node %s", cache.localID, cache.Name(), proposal.TopologyID, proposal.From)

	cache.stopRehash()

	base := NewTopology(proposal.TopologyID-1, proposal.Members, proposal.CurrentMap)

	cache.startRehash(base.WithPending(proposal.Members, proposal.PendingMap))
}

func (cache *Cache) startRehash(pending *Topology) {
	ctx, cancel := context.WithTimeout(context.Background(), coordinatorCallDeadline)
	installed, err := cache.availability.Install(ctx, pending)
	cancel()

	if err != nil || !installed {
		return
	}

	rehashCtx, rehashCancel := context.WithCancel(context.Background())
	run := &rehashRun{pending: pending, cancel: rehashCancel, done: make(chan struct{})}
	cache.running = run

	go func() {
		defer close(run.done)
		defer rehashCancel()

		committed, err := cache.rehash.Rehash(rehashCtx, pending)

		if errors.Is(err, ETransferCancelled) {
			return
		}

		if committed == nil {
			Log.Errorf("Local node (id = %s) cache %s rehash to topology %d failed: %v", cache.localID, cache.Name(), pending.ID, err)

			return
		}

		if err != nil {
			Log.Errorf("Local node (id = %s) cache %s committed topology %d with errors: %v", cache.localID, cache.Name(), committed.ID, err)
		}

		cache.commit(committed)
	}()
}

// commit installs a committed topology. A member that is still degraded
// only commits after a merge so the commit also ends the degraded mode.
func (cache *Cache) commit(committed *Topology) {
	ctx, cancel := context.WithTimeout(context.Background(), coordinatorCallDeadline)
	defer cancel()

	if cache.availability.Mode() == Degraded {
		if _, err := cache.availability.MergeCompleted(ctx, committed); err != nil {
			return
		}
	} else if _, err := cache.availability.Install(ctx, committed); err != nil {
		return
	}

	cache.Snapshot()
}

func (cache *Cache) stopRehash() {
	run := cache.running

	if run == nil {
		return
	}

	run.cancel()
	<-run.done

	cache.running = nil
}

// WaitForRehash blocks until no rehash is running or ctx is done
func (cache *Cache) WaitForRehash(ctx context.Context) error {
	for {
		current := cache.availability.Topology()

		if !current.IsRehashInProgress() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// discardUnowned drops every segment this member does not own in the map
func (cache *Cache) discardUnowned(segmentMap *SegmentMap) {
	for _, segment := range cache.container.Segments() {
		if !segmentMap.IsOwner(cache.localID, segment) {
			cache.container.RemoveSegment(segment)
		}
	}
}

func mergeLeader(members []NodeID) NodeID {
	sorted := SortedNodeIDs(members)

	if len(sorted) == 0 {
		return ""
	}

	return sorted[0]
}

func sameMembers(a []NodeID, b []NodeID) bool {
	if len(a) != len(b) {
		return false
	}

	for _, member := range a {
		if !Contains(b, member) {
			return false
		}
	}

	return true
}
