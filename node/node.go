package node

import (
	"sort"
	"sync"

	. "github.com/PelionIoT/gridcore/cluster"
	. "github.com/PelionIoT/gridcore/logging"
	. "github.com/PelionIoT/gridcore/shared"
	. "github.com/PelionIoT/gridcore/storage"
	. "github.com/PelionIoT/gridcore/transport"
)

// A Node runs every configured cache of one member over a shared
// transport and state store
type Node struct {
	localID     NodeID
	transport   Transport
	store       StateStore
	caches      map[string]*Cache
	snapshotter *PeriodicSnapshotter
	lock        sync.Mutex
	isRunning   bool
}

// NewNode restores every cache from the store. A cache whose saved state
// cannot be read fails the whole node.
func NewNode(transport Transport, store StateStore, configs []CacheConfiguration, snapshotInterval uint64) (*Node, error) {
	node := &Node{
		localID:   transport.LocalID(),
		transport: transport,
		store:     store,
		caches:    make(map[string]*Cache, len(configs)),
	}

	snapshottable := make([]Snapshottable, 0, len(configs))

	for _, config := range configs {
		cache, err := NewCache(config, transport, store)

		if err != nil {
			return nil, err
		}

		node.caches[config.Name()] = cache
		snapshottable = append(snapshottable, cache)
	}

	if snapshotInterval > 0 {
		node.snapshotter = NewPeriodicSnapshotter(snapshottable, snapshotInterval)
	}

	return node, nil
}

func (node *Node) ID() NodeID {
	return node.localID
}

func (node *Node) Start() {
	node.lock.Lock()
	defer node.lock.Unlock()

	if node.isRunning {
		return
	}

	node.isRunning = true

	Log.Infof("Local node (id = %s) starting %d caches", node.localID, len(node.caches))

	for _, name := range node.CacheNames() {
		node.caches[name].Start()
	}

	if node.snapshotter != nil {
		node.snapshotter.Start()
	}
}

// Stop halts every cache and saves its last committed state
func (node *Node) Stop() {
	node.lock.Lock()
	defer node.lock.Unlock()

	if !node.isRunning {
		return
	}

	node.isRunning = false

	if node.snapshotter != nil {
		node.snapshotter.Stop()
	}

	for _, cache := range node.caches {
		cache.Stop()
		cache.Snapshot()
	}

	Log.Infof("Local node (id = %s) stopped", node.localID)
}

func (node *Node) Cache(name string) (*Cache, bool) {
	cache, ok := node.caches[name]

	return cache, ok
}

func (node *Node) CacheNames() []string {
	names := make([]string, 0, len(node.caches))

	for name := range node.caches {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
