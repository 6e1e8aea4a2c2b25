package storage

import (
	"sync"

	"github.com/zhangyunhao116/skipmap"

	. "github.com/PelionIoT/gridcore/cluster"
	. "github.com/PelionIoT/gridcore/data"
)

type SegmentLocator interface {
	Segment(key string) uint64
}

// DataContainer holds the entries a member owns, grouped by segment. Each
// segment is an ordered concurrent map so that an outgoing transfer walks
// keys in a stable order while writes continue.
type DataContainer struct {
	locator SegmentLocator
	// local writes advance this member's counter in the entry clock
	writer   NodeID
	segments sync.Map
	// serializes read-compare-write for version checked upserts per segment
	locks sync.Map
}

type segmentEntries = skipmap.FuncMap[string, *Entry]

func NewDataContainer(locator SegmentLocator, writer NodeID) *DataContainer {
	return &DataContainer{
		locator: locator,
		writer:  writer,
	}
}

func (container *DataContainer) segment(segment uint64, create bool) *segmentEntries {
	if entries, ok := container.segments.Load(segment); ok {
		return entries.(*segmentEntries)
	}

	if !create {
		return nil
	}

	entries, _ := container.segments.LoadOrStore(segment, skipmap.NewFunc[string, *Entry](func(a, b string) bool {
		return a < b
	}))

	return entries.(*segmentEntries)
}

func (container *DataContainer) lock(segment uint64) *sync.Mutex {
	lock, _ := container.locks.LoadOrStore(segment, &sync.Mutex{})

	return lock.(*sync.Mutex)
}

func (container *DataContainer) SegmentOf(key string) uint64 {
	return container.locator.Segment(key)
}

// Apply upserts an entry keyed by its identity. The entry is stored only if
// it supersedes the stored version so replays and duplicates are no-ops.
// Returns true if the entry was stored.
func (container *DataContainer) Apply(entry *Entry) bool {
	segment := container.locator.Segment(entry.Key)
	lock := container.lock(segment)

	lock.Lock()
	defer lock.Unlock()

	entries := container.segment(segment, true)
	current, _ := entries.Load(entry.Key)

	if !entry.Supersedes(current) {
		return false
	}

	entries.Store(entry.Key, entry.Copy())

	return true
}

// Overwrite stores an entry unconditionally. Merge resolution uses it
// because a resolved entry may carry an older version than the one it
// replaces.
func (container *DataContainer) Overwrite(entry *Entry) {
	segment := container.locator.Segment(entry.Key)
	lock := container.lock(segment)

	lock.Lock()
	defer lock.Unlock()

	container.segment(segment, true).Store(entry.Key, entry.Copy())
}

// Put writes a new version of a key on top of whatever is stored
func (container *DataContainer) Put(key string, value []byte) *Entry {
	return container.write(key, value, false)
}

// Delete leaves a tombstone so that older replays cannot resurrect the key
func (container *DataContainer) Delete(key string) *Entry {
	return container.write(key, nil, true)
}

func (container *DataContainer) write(key string, value []byte, tombstone bool) *Entry {
	segment := container.locator.Segment(key)
	lock := container.lock(segment)

	lock.Lock()
	defer lock.Unlock()

	entries := container.segment(segment, true)
	current, _ := entries.Load(key)
	entry := &Entry{Key: key, Value: append([]byte(nil), value...), Version: 1, Tombstone: tombstone}
	var clock VersionVector

	if current != nil {
		entry.Version = current.Version + 1
		clock = current.Clock
	}

	entry.Clock = clock.Increment(string(container.writer))

	entries.Store(key, entry)

	return entry.Copy()
}

// Get returns nil for absent keys and for tombstones
func (container *DataContainer) Get(key string) *Entry {
	entry := container.GetEntry(key)

	if entry.IsNull() {
		return nil
	}

	return entry
}

// GetEntry returns the stored entry including tombstones
func (container *DataContainer) GetEntry(key string) *Entry {
	entries := container.segment(container.locator.Segment(key), false)

	if entries == nil {
		return nil
	}

	entry, _ := entries.Load(key)

	return entry.Copy()
}

// Entries snapshots a segment in key order, tombstones included
func (container *DataContainer) Entries(segment uint64) []*Entry {
	result := make([]*Entry, 0)
	entries := container.segment(segment, false)

	if entries == nil {
		return result
	}

	entries.Range(func(key string, entry *Entry) bool {
		result = append(result, entry.Copy())

		return true
	})

	return result
}

func (container *DataContainer) Iterator(segment uint64) *SegmentIterator {
	return &SegmentIterator{entries: container.Entries(segment), position: -1}
}

// Segments lists the segments that hold at least one entry
func (container *DataContainer) Segments() []uint64 {
	segments := make([]uint64, 0)

	container.segments.Range(func(key, value interface{}) bool {
		if value.(*segmentEntries).Len() > 0 {
			segments = append(segments, key.(uint64))
		}

		return true
	})

	return segments
}

func (container *DataContainer) SegmentSize(segment uint64) int {
	entries := container.segment(segment, false)

	if entries == nil {
		return 0
	}

	return entries.Len()
}

// RemoveSegment discards every entry of a segment the member no longer owns
func (container *DataContainer) RemoveSegment(segment uint64) {
	lock := container.lock(segment)

	lock.Lock()
	defer lock.Unlock()

	container.segments.Delete(segment)
}

type SegmentIterator struct {
	entries  []*Entry
	position int
}

func (it *SegmentIterator) Next() bool {
	if it.position+1 >= len(it.entries) {
		it.position = len(it.entries)

		return false
	}

	it.position++

	return true
}

func (it *SegmentIterator) Entry() *Entry {
	if it.position < 0 || it.position >= len(it.entries) {
		return nil
	}

	return it.entries[it.position]
}

func (it *SegmentIterator) Release() {
	it.entries = nil
	it.position = 0
}

func (it *SegmentIterator) Error() error {
	return nil
}
