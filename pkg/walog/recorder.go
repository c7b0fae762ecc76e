package walog

import (
	"sync"

	"github.com/revtrie/revtrie/pkg/linstore"
)

// RecordedStore wraps a [linstore.LinearStore] so every Write is also
// captured as a [DiskWrite]. The commit path wires the trie's meta and
// payload spaces through one of these; draining the captured batch into
// the Wal is what makes a commit replayable.
type RecordedStore struct {
	linstore.LinearStore

	mu    sync.Mutex
	batch []DiskWrite
}

// NewRecordedStore wraps store.
func NewRecordedStore(store linstore.LinearStore) *RecordedStore {
	return &RecordedStore{LinearStore: store}
}

// Write implements [linstore.LinearStore]. The pre-image is read before
// the write lands and the pair is captured only if the write succeeds,
// preserving the invariant that the journal replays to the exact bytes
// the space accepted — and un-replays to the exact bytes it replaced.
func (r *RecordedStore) Write(offset linstore.DiskAddress, data []byte) error {
	if len(data) == 0 {
		return r.LinearStore.Write(offset, data)
	}

	prev := r.preImage(offset, uint64(len(data)))

	if err := r.LinearStore.Write(offset, data); err != nil {
		return err
	}

	captured := make([]byte, len(data))
	copy(captured, data)

	r.mu.Lock()
	r.batch = append(r.batch, DiskWrite{
		SpaceID:  r.LinearStore.Id(),
		SpaceOff: uint64(offset),
		Data:     captured,
		Prev:     prev,
	})
	r.mu.Unlock()

	return nil
}

// preImage reads the bytes a write is about to replace. The stretch past
// the store's current capacity — the part a growing write will create —
// reads as zeros, which is exactly what a dynamic store's extension
// zero-fill restores on undo.
func (r *RecordedStore) preImage(offset linstore.DiskAddress, length uint64) []byte {
	prev := make([]byte, length)

	capacity := r.LinearStore.Capacity()
	if uint64(offset) >= capacity {
		return prev
	}

	readable := capacity - uint64(offset)
	if readable > length {
		readable = length
	}

	view, err := r.LinearStore.GetView(offset, readable)
	if err != nil {
		return prev
	}

	copy(prev, view.Bytes())
	view.Release()

	return prev
}

// GetShared implements [linstore.LinearStore]. The shared handle records
// through the same batch.
func (r *RecordedStore) GetShared() linstore.LinearStore { return r }

// Drain returns the captured writes in order and resets the batch.
func (r *RecordedStore) Drain() []DiskWrite {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch := r.batch
	r.batch = nil

	return batch
}

var _ linstore.LinearStore = (*RecordedStore)(nil)
