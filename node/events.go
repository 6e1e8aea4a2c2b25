package node

import (
	"sync"

	. "github.com/PelionIoT/gridcore/cluster"
	. "github.com/PelionIoT/gridcore/transport"
)

type viewEvent struct {
	view MembershipView
}

type proposalEvent struct {
	proposal TopologyProposal
}

// mergedEvent reports the end of a merge run by this member. merged is nil
// if the merge found nothing to reconcile or failed.
type mergedEvent struct {
	view   MembershipView
	merged *Topology
}

// eventQueue never blocks the producer. Transport handlers run on other
// members' goroutines and must not wait for this member's event loop.
type eventQueue struct {
	lock   sync.Mutex
	events []interface{}
	ready  chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]interface{}, 0),
		ready:  make(chan struct{}, 1),
	}
}

func (queue *eventQueue) push(event interface{}) {
	queue.lock.Lock()
	queue.events = append(queue.events, event)
	queue.lock.Unlock()

	select {
	case queue.ready <- struct{}{}:
	default:
	}
}

func (queue *eventQueue) drain() []interface{} {
	queue.lock.Lock()
	defer queue.lock.Unlock()

	events := queue.events
	queue.events = make([]interface{}, 0)

	return events
}
