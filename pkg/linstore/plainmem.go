package linstore

import (
	"fmt"
	"sync"
)

// PlainMem is a fixed-capacity, in-memory [LinearStore] for benchmarks
// and tests. Writes past the end of the buffer panic rather than
// returning an error: callers that need a recoverable out-of-range error
// should use [DynamicMem] or size the buffer up front.
type PlainMem struct {
	mu  sync.RWMutex
	buf []byte
	id  SpaceId
}

// NewPlainMem allocates a zero-initialized PlainMem of the given size,
// tagged with id for WAL records.
func NewPlainMem(size uint64, id SpaceId) *PlainMem {
	return &PlainMem{
		buf: make([]byte, size),
		id:  id,
	}
}

// GetView implements [LinearStore].
func (m *PlainMem) GetView(offset DiskAddress, length uint64) (*CachedView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := checkRange(uint64(len(m.buf)), offset, length); err != nil {
		return nil, err
	}

	return &CachedView{
		offset: offset,
		data:   m.buf[uint64(offset) : uint64(offset)+length],
	}, nil
}

// GetShared implements [LinearStore]. PlainMem has no distinct shared
// handle type: the returned store is the same pointer, so writes through
// either are visible through both.
func (m *PlainMem) GetShared() LinearStore { return m }

// Write implements [LinearStore]. Panics if the write falls outside the
// fixed capacity.
func (m *PlainMem) Write(offset DiskAddress, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	off := uint64(offset)
	end := off + uint64(len(data))

	if end < off || end > uint64(len(m.buf)) {
		panic(fmt.Sprintf("linstore: PlainMem write [%d, %d) exceeds fixed capacity %d", off, end, len(m.buf)))
	}

	copy(m.buf[off:end], data)

	return nil
}

// Id implements [LinearStore].
func (m *PlainMem) Id() SpaceId { return m.id }

// Capacity implements [LinearStore].
func (m *PlainMem) Capacity() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return uint64(len(m.buf))
}

var _ LinearStore = (*PlainMem)(nil)
