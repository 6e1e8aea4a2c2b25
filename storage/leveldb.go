package storage

import (
	"errors"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	levelErrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"

	. "github.com/PelionIoT/gridcore/cluster"
	. "github.com/PelionIoT/gridcore/error"
	. "github.com/PelionIoT/gridcore/logging"
	. "github.com/PelionIoT/gridcore/marshal"
)

var EDriverClosed = errors.New("Driver is closed")

const persistedStatePrefix = "chstate."

// StateStore keeps one persisted consistent hash state per cache
type StateStore interface {
	Save(state *ScopedPersistentState) error
	// Load returns nil without an error if nothing was saved for the scope
	Load(scope string) (*ScopedPersistentState, error)
	Close() error
}

type LevelDBStateStore struct {
	file       string
	options    *opt.Options
	marshaller Marshaller
	db         *leveldb.DB
	lock       sync.Mutex
}

func NewLevelDBStateStore(file string, options *opt.Options, marshaller Marshaller) *LevelDBStateStore {
	if marshaller == nil {
		marshaller = NewJSONMarshaller()
	}

	return &LevelDBStateStore{
		file:       file,
		options:    options,
		marshaller: marshaller,
	}
}

func (store *LevelDBStateStore) Open() error {
	store.lock.Lock()
	defer store.lock.Unlock()

	if store.db != nil {
		store.db.Close()
		store.db = nil
	}

	db, err := leveldb.OpenFile(store.file, store.options)

	if err != nil {
		if levelErrors.IsCorrupted(err) {
			Log.Criticalf("LevelDB state store at %s is corrupted: %v", store.file, err.Error())

			return NewCorruptStateError("", "state store %s is corrupted: %v", store.file, err)
		}

		Log.Errorf("Unable to open LevelDB state store at %s: %v", store.file, err.Error())

		return err
	}

	store.db = db

	return nil
}

func (store *LevelDBStateStore) Close() error {
	store.lock.Lock()
	defer store.lock.Unlock()

	if store.db == nil {
		return nil
	}

	err := store.db.Close()
	store.db = nil

	return err
}

func (store *LevelDBStateStore) Save(state *ScopedPersistentState) error {
	store.lock.Lock()
	defer store.lock.Unlock()

	if store.db == nil {
		return EDriverClosed
	}

	encoded, err := store.marshaller.Marshal(state)

	if err != nil {
		return err
	}

	return store.db.Put([]byte(persistedStatePrefix+state.Scope), encoded, &opt.WriteOptions{Sync: true})
}

func (store *LevelDBStateStore) Load(scope string) (*ScopedPersistentState, error) {
	store.lock.Lock()
	defer store.lock.Unlock()

	if store.db == nil {
		return nil, EDriverClosed
	}

	encoded, err := store.db.Get([]byte(persistedStatePrefix+scope), nil)

	if err == leveldb.ErrNotFound {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	var state ScopedPersistentState

	if err := store.marshaller.Unmarshal(encoded, &state); err != nil {
		return nil, NewCorruptStateError(scope, "unable to decode persisted state: %v", err)
	}

	if state.Scope != scope {
		return nil, NewCorruptStateError(scope, "persisted state belongs to scope %q", state.Scope)
	}

	if state.State == nil {
		state.State = make(map[string]string)
	}

	return &state, nil
}

// MemoryStateStore is a StateStore for members that do not persist state
type MemoryStateStore struct {
	states map[string][]byte
	lock   sync.Mutex
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		states: make(map[string][]byte),
	}
}

func (store *MemoryStateStore) Save(state *ScopedPersistentState) error {
	store.lock.Lock()
	defer store.lock.Unlock()

	encoded, err := state.Snapshot()

	if err != nil {
		return err
	}

	store.states[state.Scope] = encoded

	return nil
}

func (store *MemoryStateStore) Load(scope string) (*ScopedPersistentState, error) {
	store.lock.Lock()
	defer store.lock.Unlock()

	encoded, ok := store.states[scope]

	if !ok {
		return nil, nil
	}

	state := NewScopedPersistentState(scope)

	if err := state.Recover(encoded); err != nil {
		return nil, err
	}

	return state, nil
}

// Corrupt replaces the stored blob. Used to exercise recovery paths.
func (store *MemoryStateStore) Corrupt(scope string, blob []byte) {
	store.lock.Lock()
	defer store.lock.Unlock()

	store.states[scope] = blob
}

func (store *MemoryStateStore) Close() error {
	return nil
}
