package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	. "github.com/PelionIoT/gridcore/cluster"
	. "github.com/PelionIoT/gridcore/error"
	. "github.com/PelionIoT/gridcore/logging"
	"github.com/PelionIoT/gridcore/metrics"
	. "github.com/PelionIoT/gridcore/storage"
	. "github.com/PelionIoT/gridcore/transport"
)

type transferTriple struct {
	segment     uint64
	source      NodeID
	destination NodeID
}

// RehashCoordinator moves segment data between owners when a cache
// switches from its committed segment map to a pending one. Every member
// runs its own coordinator. The first surviving old owner of a segment
// pushes it to the added owners and then confirms to everyone. A member
// commits once every expected pusher has confirmed.
type RehashCoordinator struct {
	cache     string
	localID   NodeID
	transport Transport
	container *DataContainer
	config    RehashConfig
	semaphore *semaphore.Weighted
	triples   sync.Map

	lock          sync.Mutex
	confirmations map[uint64]map[NodeID]TopologyProposal
	changed       chan struct{}
	// confirmations for topologies at or below floor are stale
	floor uint64
	// confirmations this member sent, repeated on request
	sent map[uint64]TopologyProposal
	// topology this member is pushing segments for
	pushing uint64
}

const sentConfirmationsKept = 16

func NewRehashCoordinator(cache string, transport Transport, container *DataContainer, config RehashConfig) (*RehashCoordinator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &RehashCoordinator{
		cache:         cache,
		localID:       transport.LocalID(),
		transport:     transport,
		container:     container,
		config:        config,
		semaphore:     semaphore.NewWeighted(config.Parallelism),
		confirmations: make(map[uint64]map[NodeID]TopologyProposal),
		changed:       make(chan struct{}),
		sent:          make(map[uint64]TopologyProposal),
	}, nil
}

// Rehash executes the transition announced by pending and returns the
// topology to commit. Segments whose transfer failed keep their surviving
// old owners, are listed as pending in the returned topology and are
// reported through a StateTransferError alongside it. If ctx is cancelled
// because a newer topology arrived the transition is abandoned and
// ETransferCancelled is returned.
func (coordinator *RehashCoordinator) Rehash(ctx context.Context, pending *Topology) (*Topology, error) {
	if !pending.IsRehashInProgress() {
		return nil, fmt.Errorf("topology %d has no pending map", pending.ID)
	}

	started := time.Now()
	members := pending.Members
	deltas := ComputeDelta(pending.SegmentMap, pending.PendingMap)
	expected := expectedPushers(deltas)

	Log.Infof("Local node (id = %s) cache %s starting rehash to topology %d: %d segments change owners, %d pushers", coordinator.localID, coordinator.cache, pending.ID, len(deltas), len(expected))

	if Contains(expected, coordinator.localID) {
		coordinator.setPushing(pending.ID)
	}

	acks, err := coordinator.transport.Broadcast(ctx, TopologyProposal{
		Phase:      PhasePending,
		Cache:      coordinator.cache,
		From:       coordinator.localID,
		TopologyID: pending.ID,
		Members:    members,
		CurrentMap: pending.SegmentMap,
		PendingMap: pending.PendingMap,
	})

	if ctx.Err() != nil {
		return nil, coordinator.cancelled(pending.ID)
	}

	if err != nil {
		Log.Warningf("Local node (id = %s) cache %s could not announce topology %d to every member: %v", coordinator.localID, coordinator.cache, pending.ID, err)
	}

	for _, ack := range acks {
		if !ack.Accepted {
			Log.Warningf("Local node (id = %s) cache %s: node %s did not accept topology %d: %s", coordinator.localID, coordinator.cache, ack.From, pending.ID, ack.Reason)
		}
	}

	var pushErr error

	if Contains(expected, coordinator.localID) {
		var completed, failed []uint64

		completed, failed, pushErr = coordinator.pushSegments(ctx, pending.ID, deltas)

		if ctx.Err() != nil {
			return nil, coordinator.cancelled(pending.ID)
		}

		confirmation := TopologyProposal{
			Phase:      PhaseConfirm,
			Cache:      coordinator.cache,
			From:       coordinator.localID,
			TopologyID: pending.ID,
			Members:    members,
			PendingMap: pending.PendingMap,
			Completed:  completed,
			Failed:     failed,
		}

		coordinator.remember(confirmation)
		coordinator.setPushing(0)
		coordinator.HandleConfirmation(confirmation)

		if _, err := coordinator.transport.Broadcast(ctx, confirmation); err != nil && ctx.Err() == nil {
			Log.Warningf("Local node (id = %s) cache %s could not deliver its confirmation for topology %d to every member: %v", coordinator.localID, coordinator.cache, pending.ID, err)
		}
	}

	confirmations, err := coordinator.awaitConfirmations(ctx, pending, expected)

	if err != nil {
		return nil, coordinator.cancelled(pending.ID)
	}

	replacements := make(map[uint64][]NodeID)
	pendingSegments := make([]uint64, 0)

	for _, delta := range deltas {
		if !delta.NeedsTransfer() {
			continue
		}

		if confirmation, ok := confirmations[delta.Pusher()]; ok && containsSegment(confirmation.Completed, delta.Segment) {
			continue
		}

		replacements[delta.Segment] = delta.Sources
		pendingSegments = append(pendingSegments, delta.Segment)
	}

	committedMap := pending.PendingMap

	if len(replacements) > 0 {
		committedMap = pending.PendingMap.WithOwners(members, replacements)
	}

	committed := pending.Commit(members, committedMap, pendingSegments)

	coordinator.discardLostSegments(deltas, committedMap)
	coordinator.forget(pending.ID)
	metrics.RehashDuration.WithLabelValues(coordinator.cache).Observe(time.Since(started).Seconds())

	if len(pendingSegments) > 0 {
		Log.Errorf("Local node (id = %s) cache %s committed topology %d with %d segments left at their previous owners", coordinator.localID, coordinator.cache, committed.ID, len(pendingSegments))

		return committed, StateTransferError{TopologyID: committed.ID, Segments: pendingSegments, Cause: pushErr}
	}

	Log.Infof("Local node (id = %s) cache %s committed topology %d", coordinator.localID, coordinator.cache, committed.ID)

	return committed, nil
}

// HandleConfirmation records a pusher's report. Reports for topologies
// that were already committed or abandoned are refused.
func (coordinator *RehashCoordinator) HandleConfirmation(proposal TopologyProposal) Ack {
	coordinator.lock.Lock()
	defer coordinator.lock.Unlock()

	if proposal.TopologyID <= coordinator.floor {
		metrics.StaleTopologies.WithLabelValues(coordinator.cache).Inc()

		return Ack{From: coordinator.localID, Accepted: false, TopologyID: coordinator.floor, Reason: EStaleTopology.Error()}
	}

	if _, ok := coordinator.confirmations[proposal.TopologyID]; !ok {
		coordinator.confirmations[proposal.TopologyID] = make(map[NodeID]TopologyProposal)
	}

	coordinator.confirmations[proposal.TopologyID][proposal.From] = proposal

	close(coordinator.changed)
	coordinator.changed = make(chan struct{})

	return Ack{From: coordinator.localID, Accepted: true, TopologyID: proposal.TopologyID}
}

// HandleConfirmationQuery repeats this member's confirmation for the
// queried transition. A member still pushing for it says so without a
// confirmation so the asker keeps waiting.
func (coordinator *RehashCoordinator) HandleConfirmationQuery(query TopologyProposal) Ack {
	coordinator.lock.Lock()
	defer coordinator.lock.Unlock()

	if confirmation, ok := coordinator.sent[query.TopologyID]; ok && confirmation.PendingMap.Equals(query.PendingMap) {
		return Ack{From: coordinator.localID, Accepted: true, TopologyID: query.TopologyID, Confirmation: &confirmation}
	}

	if coordinator.pushing != 0 && coordinator.pushing == query.TopologyID {
		return Ack{From: coordinator.localID, Accepted: true, TopologyID: query.TopologyID}
	}

	return Ack{From: coordinator.localID, Accepted: false, TopologyID: query.TopologyID, Reason: EStaleTopology.Error()}
}

// HandleEntryBatch applies a received batch. Rehash batches are version
// checked upserts. Merge batches replace what is stored.
func (coordinator *RehashCoordinator) HandleEntryBatch(batch EntryBatch) error {
	applied := 0

	for _, entry := range batch.Entries {
		if entry == nil {
			continue
		}

		if batch.Overwrite {
			coordinator.container.Overwrite(entry)
			applied++

			continue
		}

		if coordinator.container.Apply(entry) {
			applied++
		}
	}

	Log.Debugf("Local node (id = %s) cache %s applied %d of %d entries from batch %d of stream %s (segment %d, node %s)", coordinator.localID, coordinator.cache, applied, len(batch.Entries), batch.Index, batch.StreamID, batch.Segment, batch.From)

	return nil
}

func (coordinator *RehashCoordinator) awaitConfirmations(ctx context.Context, pending *Topology, expected []NodeID) (map[NodeID]TopologyProposal, error) {
	timer := time.NewTimer(coordinator.config.ConfirmTimeout)
	defer timer.Stop()

	for {
		coordinator.lock.Lock()
		changed := coordinator.changed
		received := make(map[NodeID]TopologyProposal)

		for from, confirmation := range coordinator.confirmations[pending.ID] {
			if confirmation.PendingMap != nil && confirmation.PendingMap.Equals(pending.PendingMap) {
				received[from] = confirmation
			}
		}

		coordinator.lock.Unlock()

		missing := make([]NodeID, 0)

		for _, pusher := range expected {
			if _, ok := received[pusher]; !ok {
				missing = append(missing, pusher)
			}
		}

		if len(missing) == 0 {
			return received, nil
		}

		select {
		case <-changed:
		case <-timer.C:
			// a lost confirmation must not make this member commit a map
			// its pusher did not
			if coordinator.queryConfirmations(ctx, pending, missing) {
				timer.Reset(coordinator.config.ConfirmTimeout)

				continue
			}

			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			if coordinator.missingPushers(pending, expected) == 0 {
				continue
			}

			Log.Errorf("Local node (id = %s) cache %s gave up waiting for confirmations of topology %d from %v, their segments stay at the previous owners", coordinator.localID, coordinator.cache, pending.ID, missing)

			return coordinator.receivedConfirmations(pending), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// queryConfirmations asks the members for confirmations that did not
// arrive. Repeated confirmations are recorded. It reports whether a missing
// pusher is still working on the transition.
func (coordinator *RehashCoordinator) queryConfirmations(ctx context.Context, pending *Topology, missing []NodeID) bool {
	Log.Warningf("Local node (id = %s) cache %s asking %v to repeat their confirmations of topology %d", coordinator.localID, coordinator.cache, missing, pending.ID)

	acks, _ := coordinator.transport.Broadcast(ctx, TopologyProposal{
		Phase:      PhaseConfirmQuery,
		Cache:      coordinator.cache,
		From:       coordinator.localID,
		TopologyID: pending.ID,
		PendingMap: pending.PendingMap,
	})

	stillPushing := false

	for _, ack := range acks {
		if !Contains(missing, ack.From) || !ack.Accepted {
			continue
		}

		if ack.Confirmation == nil {
			stillPushing = true

			continue
		}

		if ack.Confirmation.From == ack.From {
			coordinator.HandleConfirmation(*ack.Confirmation)
		}
	}

	return stillPushing
}

func (coordinator *RehashCoordinator) receivedConfirmations(pending *Topology) map[NodeID]TopologyProposal {
	coordinator.lock.Lock()
	defer coordinator.lock.Unlock()

	received := make(map[NodeID]TopologyProposal)

	for from, confirmation := range coordinator.confirmations[pending.ID] {
		if confirmation.PendingMap != nil && confirmation.PendingMap.Equals(pending.PendingMap) {
			received[from] = confirmation
		}
	}

	return received
}

func (coordinator *RehashCoordinator) missingPushers(pending *Topology, expected []NodeID) int {
	received := coordinator.receivedConfirmations(pending)
	missing := 0

	for _, pusher := range expected {
		if _, ok := received[pusher]; !ok {
			missing++
		}
	}

	return missing
}

func (coordinator *RehashCoordinator) setPushing(topologyID uint64) {
	coordinator.lock.Lock()
	defer coordinator.lock.Unlock()

	coordinator.pushing = topologyID
}

func (coordinator *RehashCoordinator) remember(confirmation TopologyProposal) {
	coordinator.lock.Lock()
	defer coordinator.lock.Unlock()

	coordinator.sent[confirmation.TopologyID] = confirmation

	for id := range coordinator.sent {
		if id+sentConfirmationsKept <= confirmation.TopologyID {
			delete(coordinator.sent, id)
		}
	}
}

func (coordinator *RehashCoordinator) cancelled(topologyID uint64) error {
	Log.Infof("Local node (id = %s) cache %s abandoned rehash to topology %d", coordinator.localID, coordinator.cache, topologyID)

	coordinator.lock.Lock()

	if coordinator.pushing == topologyID {
		coordinator.pushing = 0
	}

	coordinator.lock.Unlock()

	coordinator.forget(topologyID)

	return ETransferCancelled
}

func (coordinator *RehashCoordinator) forget(topologyID uint64) {
	coordinator.lock.Lock()
	defer coordinator.lock.Unlock()

	if topologyID > coordinator.floor {
		coordinator.floor = topologyID
	}

	for id := range coordinator.confirmations {
		if id <= coordinator.floor {
			delete(coordinator.confirmations, id)
		}
	}
}

// discardLostSegments drops data for segments this member owned before and
// no longer owns in the committed map
func (coordinator *RehashCoordinator) discardLostSegments(deltas []SegmentDelta, committedMap *SegmentMap) {
	for _, delta := range deltas {
		if Contains(delta.OldOwners, coordinator.localID) && !committedMap.IsOwner(coordinator.localID, delta.Segment) {
			Log.Debugf("Local node (id = %s) cache %s discarding segment %d", coordinator.localID, coordinator.cache, delta.Segment)

			coordinator.container.RemoveSegment(delta.Segment)
		}
	}
}

func (coordinator *RehashCoordinator) pushSegments(ctx context.Context, topologyID uint64, deltas []SegmentDelta) ([]uint64, []uint64, error) {
	var wg sync.WaitGroup
	var resultsLock sync.Mutex
	var lastErr error

	completed := make([]uint64, 0)
	failed := make([]uint64, 0)

	for _, delta := range deltas {
		if !delta.NeedsTransfer() || delta.Pusher() != coordinator.localID {
			continue
		}

		if err := coordinator.semaphore.Acquire(ctx, 1); err != nil {
			break
		}

		wg.Add(1)

		go func(delta SegmentDelta) {
			defer wg.Done()
			defer coordinator.semaphore.Release(1)

			var segmentErr error

			for _, destination := range delta.AddedOwners {
				if err := coordinator.pushSegment(ctx, topologyID, delta.Segment, destination); err != nil {
					Log.Errorf("Local node (id = %s) cache %s failed to push segment %d to node %s: %v", coordinator.localID, coordinator.cache, delta.Segment, destination, err)

					segmentErr = err
				}
			}

			resultsLock.Lock()
			defer resultsLock.Unlock()

			if segmentErr != nil {
				failed = append(failed, delta.Segment)
				lastErr = segmentErr

				return
			}

			completed = append(completed, delta.Segment)
		}(delta)
	}

	wg.Wait()

	sort.Slice(completed, func(i, j int) bool { return completed[i] < completed[j] })
	sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })

	return completed, failed, lastErr
}

func (coordinator *RehashCoordinator) tripleLock(segment uint64, source NodeID, destination NodeID) *sync.Mutex {
	lock, _ := coordinator.triples.LoadOrStore(transferTriple{segment: segment, source: source, destination: destination}, &sync.Mutex{})

	return lock.(*sync.Mutex)
}

func (coordinator *RehashCoordinator) pushSegment(ctx context.Context, topologyID uint64, segment uint64, destination NodeID) error {
	lock := coordinator.tripleLock(segment, coordinator.localID, destination)

	lock.Lock()
	defer lock.Unlock()

	Log.Infof("Local node (id = %s) cache %s pushing segment %d to node %s", coordinator.localID, coordinator.cache, segment, destination)

	return coordinator.stream(ctx, topologyID, segment, destination, NewOutgoingTransfer(coordinator.container.Iterator(segment), coordinator.config.ChunkSize), false)
}

func (coordinator *RehashCoordinator) stream(ctx context.Context, topologyID uint64, segment uint64, destination NodeID, transfer SegmentTransfer, overwrite bool) error {
	streamID := uuid.New().String()

	for {
		chunk, err := transfer.NextChunk()

		if err != nil && err != io.EOF {
			transfer.Cancel()
			metrics.SegmentTransfers.WithLabelValues(coordinator.cache, metrics.TransferFailed).Inc()

			return err
		}

		if !chunk.IsEmpty() {
			batch := EntryBatch{
				StreamID:   streamID,
				Cache:      coordinator.cache,
				From:       coordinator.localID,
				Segment:    segment,
				TopologyID: topologyID,
				Index:      chunk.Index,
				Entries:    chunk.Entries,
				Final:      err == io.EOF,
				Overwrite:  overwrite,
			}

			if sendErr := coordinator.sendWithRetry(ctx, destination, batch); sendErr != nil {
				transfer.Cancel()

				if ctx.Err() != nil {
					metrics.SegmentTransfers.WithLabelValues(coordinator.cache, metrics.TransferCancelled).Inc()
				} else {
					metrics.SegmentTransfers.WithLabelValues(coordinator.cache, metrics.TransferFailed).Inc()
				}

				return sendErr
			}

			metrics.TransferredEntries.WithLabelValues(coordinator.cache).Add(float64(len(chunk.Entries)))
		}

		if err == io.EOF {
			metrics.SegmentTransfers.WithLabelValues(coordinator.cache, metrics.TransferSucceeded).Inc()

			return nil
		}
	}
}

// sendWithRetry doubles the backoff after every failed attempt. A
// destination that left the view is not retried since the next topology
// recomputes its segments anyway.
func (coordinator *RehashCoordinator) sendWithRetry(ctx context.Context, destination NodeID, batch EntryBatch) error {
	backoff := coordinator.config.InitialBackoff

	for attempt := 1; ; attempt++ {
		err := coordinator.transport.Send(ctx, destination, batch)

		if err == nil {
			return nil
		}

		if errors.Is(err, ENoSuchMember) || ctx.Err() != nil {
			return err
		}

		if attempt >= coordinator.config.MaxAttempts {
			return fmt.Errorf("batch %d of segment %d to node %s failed after %d attempts: %w", batch.Index, batch.Segment, destination, attempt, err)
		}

		Log.Warningf("Local node (id = %s) cache %s unable to send batch %d of segment %d to node %s (attempt %d): %v. Retrying in %v", coordinator.localID, coordinator.cache, batch.Index, batch.Segment, destination, attempt, err, backoff)
		metrics.TransferRetries.WithLabelValues(coordinator.cache).Inc()

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff *= 2

		if backoff > coordinator.config.MaxBackoff {
			backoff = coordinator.config.MaxBackoff
		}
	}
}

func expectedPushers(deltas []SegmentDelta) []NodeID {
	pushers := make([]NodeID, 0)

	for _, delta := range deltas {
		if delta.NeedsTransfer() && !Contains(pushers, delta.Pusher()) {
			pushers = append(pushers, delta.Pusher())
		}
	}

	return pushers
}

func containsSegment(segments []uint64, segment uint64) bool {
	for _, s := range segments {
		if s == segment {
			return true
		}
	}

	return false
}
