package transport

import (
	"context"
	"sync"

	. "github.com/PelionIoT/gridcore/cluster"
	. "github.com/PelionIoT/gridcore/data"
	. "github.com/PelionIoT/gridcore/error"
)

type SendFault func(from NodeID, to NodeID, batch EntryBatch) error

// BroadcastFault drops the delivery of a proposal to one member when it
// returns an error
type BroadcastFault func(from NodeID, to NodeID, proposal TopologyProposal) error

// LocalNetwork connects LocalHubs in one process. It plays the role of the
// membership service: joins, crashes, splits and heals produce membership
// views that are delivered to the affected hubs.
type LocalNetwork struct {
	lock      sync.Mutex
	hubs      map[NodeID]*LocalHub
	order     []NodeID
	groups    map[NodeID]int
	nextGroup int
	viewID    uint64
	sendFault SendFault
	dropFault BroadcastFault
}

func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		hubs:   make(map[NodeID]*LocalHub),
		order:  make([]NodeID, 0),
		groups: make(map[NodeID]int),
	}
}

// Join adds a member to the first group without delivering a view. Call
// Publish once the member's caches are registered.
func (network *LocalNetwork) Join(nodeID NodeID) *LocalHub {
	network.lock.Lock()
	defer network.lock.Unlock()

	if hub, ok := network.hubs[nodeID]; ok {
		return hub
	}

	hub := &LocalHub{
		handlerRegistry: newHandlerRegistry(),
		network:         network,
		localID:         nodeID,
	}

	network.hubs[nodeID] = hub
	network.order = append(network.order, nodeID)
	network.groups[nodeID] = 0

	return hub
}

// Crash removes a member and publishes new views to the rest of its group
func (network *LocalNetwork) Crash(nodeID NodeID) {
	network.lock.Lock()

	if _, ok := network.hubs[nodeID]; !ok {
		network.lock.Unlock()

		return
	}

	group := network.groups[nodeID]

	delete(network.hubs, nodeID)
	delete(network.groups, nodeID)
	network.order = Intersect(network.order, network.aliveLocked())

	deliveries := network.viewsLocked(map[int]bool{group: true}, nil)
	network.lock.Unlock()

	deliver(deliveries)
}

// Split places every listed member in its own group. Members in different
// groups cannot reach each other.
func (network *LocalNetwork) Split(groups ...[]NodeID) {
	network.lock.Lock()

	affected := map[int]bool{}

	for _, members := range groups {
		network.nextGroup++

		for _, member := range members {
			if _, ok := network.hubs[member]; ok {
				affected[network.groups[member]] = true
				network.groups[member] = network.nextGroup
			}
		}

		affected[network.nextGroup] = true
	}

	deliveries := network.viewsLocked(affected, nil)
	network.lock.Unlock()

	deliver(deliveries)
}

// Heal reconnects every member. The delivered view lists each group that
// was reconnected as a subgroup.
func (network *LocalNetwork) Heal() {
	network.lock.Lock()

	byGroup := map[int][]NodeID{}
	groupOrder := []int{}

	for _, member := range network.order {
		group := network.groups[member]

		if _, ok := byGroup[group]; !ok {
			groupOrder = append(groupOrder, group)
		}

		byGroup[group] = append(byGroup[group], member)
	}

	var subgroups [][]NodeID

	if len(groupOrder) > 1 {
		for _, group := range groupOrder {
			subgroups = append(subgroups, byGroup[group])
		}
	}

	for _, member := range network.order {
		network.groups[member] = 0
	}

	deliveries := network.viewsLocked(map[int]bool{0: true}, subgroups)
	network.lock.Unlock()

	deliver(deliveries)
}

// Publish delivers the current view of every group to its members
func (network *LocalNetwork) Publish() {
	network.lock.Lock()

	affected := map[int]bool{}

	for _, group := range network.groups {
		affected[group] = true
	}

	deliveries := network.viewsLocked(affected, nil)
	network.lock.Unlock()

	deliver(deliveries)
}

// InjectSendFault installs a hook consulted before every batch delivery.
// A non-nil result fails the send.
func (network *LocalNetwork) InjectSendFault(fault SendFault) {
	network.lock.Lock()
	defer network.lock.Unlock()

	network.sendFault = fault
}

// InjectBroadcastFault installs a hook consulted before a proposal is
// delivered to each member
func (network *LocalNetwork) InjectBroadcastFault(fault BroadcastFault) {
	network.lock.Lock()
	defer network.lock.Unlock()

	network.dropFault = fault
}

func (network *LocalNetwork) aliveLocked() []NodeID {
	alive := make([]NodeID, 0, len(network.hubs))

	for nodeID := range network.hubs {
		alive = append(alive, nodeID)
	}

	return alive
}

type viewDelivery struct {
	hub  *LocalHub
	view MembershipView
}

func (network *LocalNetwork) viewsLocked(affected map[int]bool, subgroups [][]NodeID) []viewDelivery {
	deliveries := make([]viewDelivery, 0)
	members := map[int][]NodeID{}

	for _, member := range network.order {
		group := network.groups[member]
		members[group] = append(members[group], member)
	}

	for group := range affected {
		if len(members[group]) == 0 {
			continue
		}

		network.viewID++
		view := MembershipView{ID: network.viewID, Members: members[group], Subgroups: subgroups}

		for _, member := range members[group] {
			deliveries = append(deliveries, viewDelivery{hub: network.hubs[member], view: view})
		}
	}

	return deliveries
}

func deliver(deliveries []viewDelivery) {
	for _, delivery := range deliveries {
		delivery.hub.setView(delivery.view)
	}
}

func (network *LocalNetwork) route(from NodeID, to NodeID) (*LocalHub, error) {
	network.lock.Lock()
	defer network.lock.Unlock()

	target, ok := network.hubs[to]

	if !ok {
		return nil, EUnreachable
	}

	if _, ok := network.hubs[from]; !ok || network.groups[from] != network.groups[to] {
		return nil, EUnreachable
	}

	return target, nil
}

func (network *LocalNetwork) fault(from NodeID, to NodeID, batch EntryBatch) error {
	network.lock.Lock()
	fault := network.sendFault
	network.lock.Unlock()

	if fault == nil {
		return nil
	}

	return fault(from, to, batch)
}

func (network *LocalNetwork) dropped(from NodeID, to NodeID, proposal TopologyProposal) bool {
	network.lock.Lock()
	fault := network.dropFault
	network.lock.Unlock()

	return fault != nil && fault(from, to, proposal) != nil
}

// LocalHub is the Transport of one member on a LocalNetwork. Handlers of
// the target run on the caller's goroutine.
type LocalHub struct {
	*handlerRegistry
	network  *LocalNetwork
	localID  NodeID
	viewLock sync.Mutex
	view     MembershipView
}

func (hub *LocalHub) LocalID() NodeID {
	return hub.localID
}

func (hub *LocalHub) View() MembershipView {
	hub.viewLock.Lock()
	defer hub.viewLock.Unlock()

	return hub.view
}

func (hub *LocalHub) setView(view MembershipView) {
	hub.viewLock.Lock()
	hub.view = view
	hub.viewLock.Unlock()

	hub.notifyMembership(view)
}

func (hub *LocalHub) Broadcast(ctx context.Context, proposal TopologyProposal) ([]Ack, error) {
	acks := make([]Ack, 0)

	for _, member := range hub.View().Members {
		if member == hub.localID {
			continue
		}

		if err := ctx.Err(); err != nil {
			return acks, err
		}

		target, err := hub.network.route(hub.localID, member)

		if err != nil || hub.network.dropped(hub.localID, member, proposal) {
			continue
		}

		acks = append(acks, target.handleProposal(target.localID, proposal))
	}

	return acks, nil
}

func (hub *LocalHub) Send(ctx context.Context, target NodeID, batch EntryBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !Contains(hub.View().Members, target) {
		return ENoSuchMember
	}

	targetHub, err := hub.network.route(hub.localID, target)

	if err != nil {
		return err
	}

	if err := hub.network.fault(hub.localID, target, batch); err != nil {
		return err
	}

	batch.Entries = copyEntries(batch.Entries)

	return targetHub.handleEntryBatch(batch)
}

func (hub *LocalHub) FetchSegment(ctx context.Context, target NodeID, cache string, segment uint64) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	targetHub, err := hub.network.route(hub.localID, target)

	if err != nil {
		return nil, err
	}

	entries, err := targetHub.handleFetchSegment(cache, segment)

	if err != nil {
		return nil, err
	}

	return copyEntries(entries), nil
}
