package memory

import (
	"sync"

	"github.com/adwski/proximity-chat/model"
)

// MemStore is the registry's peer directory. Each operation is atomic;
// there are no cross-operation transactions.
type MemStore struct {
	mx *sync.RWMutex
	db map[string]model.PeerRecord
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx: &sync.RWMutex{},
		db: make(map[string]model.PeerRecord),
	}
}

// Register stores a record unless the id is already taken. First writer
// wins; the caller decides how to treat the duplicate.
func (ms *MemStore) Register(rec model.PeerRecord) bool {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if _, ok := ms.db[rec.Peer.ID]; ok {
		return false
	}
	ms.db[rec.Peer.ID] = rec
	return true
}

// Unregister removes a record, returning it if it was present.
func (ms *MemStore) Unregister(id string) (model.PeerRecord, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	rec, ok := ms.db[id]
	if ok {
		delete(ms.db, id)
	}
	return rec, ok
}

// Lookup fetches a record by peer id.
func (ms *MemStore) Lookup(id string) (model.PeerRecord, bool) {
	ms.mx.RLock()
	defer ms.mx.RUnlock()

	rec, ok := ms.db[id]
	return rec, ok
}

// Snapshot returns all records present at the time of the call.
func (ms *MemStore) Snapshot() []model.PeerRecord {
	ms.mx.RLock()
	defer ms.mx.RUnlock()

	out := make([]model.PeerRecord, 0, len(ms.db))
	for _, rec := range ms.db {
		out = append(out, rec)
	}
	return out
}

// Len reports the number of registered peers.
func (ms *MemStore) Len() int {
	ms.mx.RLock()
	defer ms.mx.RUnlock()

	return len(ms.db)
}
