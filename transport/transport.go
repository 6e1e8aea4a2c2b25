package transport

import (
	"context"
	"errors"
	"sync"

	. "github.com/PelionIoT/gridcore/cluster"
	. "github.com/PelionIoT/gridcore/data"
)

var ENoSuchCache = errors.New("The receiver has no cache with that name")
var EUnreachable = errors.New("The target member cannot be reached")
var ESenderUnknown = errors.New("The receiver does not know who we are")
var ETimeout = errors.New("The sender timed out while trying to send the message to the receiver")

type ProposalPhase int

const (
	// PhasePending announces a target map that is not yet authoritative
	PhasePending ProposalPhase = iota
	// PhaseConfirm reports the segments a pusher finished and failed
	PhaseConfirm ProposalPhase = iota
	// PhaseStatus asks every member for its committed topology
	PhaseStatus ProposalPhase = iota
	// PhaseConfirmQuery asks pushers to repeat a confirmation that did not
	// arrive
	PhaseConfirmQuery ProposalPhase = iota
)

func (phase ProposalPhase) String() string {
	switch phase {
	case PhasePending:
		return "PENDING"
	case PhaseConfirm:
		return "CONFIRM"
	case PhaseStatus:
		return "STATUS"
	case PhaseConfirmQuery:
		return "CONFIRM_QUERY"
	}

	return "UNKNOWN"
}

type TopologyProposal struct {
	Phase      ProposalPhase `json:"phase"`
	Cache      string        `json:"cache"`
	From       NodeID        `json:"from"`
	TopologyID uint64        `json:"topologyID"`
	Members    []NodeID      `json:"members,omitempty"`
	CurrentMap *SegmentMap   `json:"currentMap,omitempty"`
	PendingMap *SegmentMap   `json:"pendingMap,omitempty"`
	Completed  []uint64      `json:"completed,omitempty"`
	Failed     []uint64      `json:"failed,omitempty"`
}

type Ack struct {
	From       NodeID `json:"from"`
	Accepted   bool   `json:"accepted"`
	TopologyID uint64 `json:"topologyID"`
	Reason     string `json:"reason,omitempty"`
	// Topology answers a status request
	Topology *Topology `json:"topology,omitempty"`
	// Confirmation answers a confirmation query
	Confirmation *TopologyProposal `json:"confirmation,omitempty"`
}

// EntryBatch is one chunk of a segment stream. Index starts at 1 and is
// ordered within a stream. Receivers apply entries as version checked
// upserts so a batch may be delivered more than once.
type EntryBatch struct {
	StreamID   string   `json:"streamID"`
	Cache      string   `json:"cache"`
	From       NodeID   `json:"from"`
	Segment    uint64   `json:"segment"`
	TopologyID uint64   `json:"topologyID"`
	Index      uint64   `json:"index"`
	Entries    []*Entry `json:"entries"`
	Final      bool     `json:"final"`
	// Overwrite marks merge output which replaces entries unconditionally
	Overwrite bool `json:"overwrite,omitempty"`
}

// MembershipView is supplied by the membership service. A view that heals
// a split lists the members of each side that is reconnecting in Subgroups.
type MembershipView struct {
	ID        uint64     `json:"id"`
	Members   []NodeID   `json:"members"`
	Subgroups [][]NodeID `json:"subgroups,omitempty"`
}

func (view MembershipView) IsMerge() bool {
	return len(view.Subgroups) > 1
}

type ProposalHandler func(proposal TopologyProposal) Ack
type EntryBatchHandler func(batch EntryBatch) error
type FetchSegmentHandler func(cache string, segment uint64) ([]*Entry, error)
type MembershipListener func(view MembershipView)

// Transport carries topology proposals and segment data between members.
// Handlers are registered per cache, membership listeners per member.
type Transport interface {
	LocalID() NodeID
	// Broadcast delivers a proposal to every other reachable member of the
	// current view and returns their acknowledgements.
	Broadcast(ctx context.Context, proposal TopologyProposal) ([]Ack, error)
	Send(ctx context.Context, target NodeID, batch EntryBatch) error
	FetchSegment(ctx context.Context, target NodeID, cache string, segment uint64) ([]*Entry, error)
	OnMembershipChange(listener MembershipListener)
	OnProposal(cache string, handler ProposalHandler)
	OnEntryBatch(cache string, handler EntryBatchHandler)
	OnFetchSegment(cache string, handler FetchSegmentHandler)
}

type handlerRegistry struct {
	lock                sync.RWMutex
	membershipListeners []MembershipListener
	proposalHandlers    map[string]ProposalHandler
	batchHandlers       map[string]EntryBatchHandler
	fetchHandlers       map[string]FetchSegmentHandler
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{
		membershipListeners: make([]MembershipListener, 0),
		proposalHandlers:    make(map[string]ProposalHandler),
		batchHandlers:       make(map[string]EntryBatchHandler),
		fetchHandlers:       make(map[string]FetchSegmentHandler),
	}
}

func (registry *handlerRegistry) OnMembershipChange(listener MembershipListener) {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	registry.membershipListeners = append(registry.membershipListeners, listener)
}

func (registry *handlerRegistry) OnProposal(cache string, handler ProposalHandler) {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	registry.proposalHandlers[cache] = handler
}

func (registry *handlerRegistry) OnEntryBatch(cache string, handler EntryBatchHandler) {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	registry.batchHandlers[cache] = handler
}

func (registry *handlerRegistry) OnFetchSegment(cache string, handler FetchSegmentHandler) {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	registry.fetchHandlers[cache] = handler
}

func (registry *handlerRegistry) notifyMembership(view MembershipView) {
	registry.lock.RLock()
	listeners := append([]MembershipListener(nil), registry.membershipListeners...)
	registry.lock.RUnlock()

	for _, listener := range listeners {
		listener(view)
	}
}

func (registry *handlerRegistry) handleProposal(localID NodeID, proposal TopologyProposal) Ack {
	registry.lock.RLock()
	handler, ok := registry.proposalHandlers[proposal.Cache]
	registry.lock.RUnlock()

	if !ok {
		return Ack{From: localID, Accepted: false, Reason: ENoSuchCache.Error()}
	}

	return handler(proposal)
}

func (registry *handlerRegistry) handleEntryBatch(batch EntryBatch) error {
	registry.lock.RLock()
	handler, ok := registry.batchHandlers[batch.Cache]
	registry.lock.RUnlock()

	if !ok {
		return ENoSuchCache
	}

	return handler(batch)
}

func (registry *handlerRegistry) handleFetchSegment(cache string, segment uint64) ([]*Entry, error) {
	registry.lock.RLock()
	handler, ok := registry.fetchHandlers[cache]
	registry.lock.RUnlock()

	if !ok {
		return nil, ENoSuchCache
	}

	return handler(cache, segment)
}

func copyEntries(entries []*Entry) []*Entry {
	copied := make([]*Entry, len(entries))

	for i, entry := range entries {
		copied[i] = entry.Copy()
	}

	return copied
}
