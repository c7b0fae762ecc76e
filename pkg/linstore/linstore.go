// Package linstore implements the linear-address storage substrate every
// other package in this module is built on: a byte-addressable logical
// array that hands out pinned read views and accepts random writes.
//
// Two in-memory implementations are provided, [PlainMem] (fixed capacity)
// and [DynamicMem] (grows on demand), plus [FileStore], an mmap-backed
// implementation for real on-disk spaces. All three satisfy [LinearStore].
package linstore

import (
	"errors"
	"fmt"
)

// SpaceId identifies a linear space. It is the same byte written into WAL
// records so replay can route a frame back to the space it came from.
type SpaceId uint8

// InvalidSpaceID marks an unassigned space.
const InvalidSpaceID SpaceId = 0xff

// DiskAddress is a nullable offset into a linear space. Zero is reserved
// as the null value: every space keeps a non-empty header prefix at
// offset 0, so a valid record address is never zero.
type DiskAddress uint64

// NullAddress is the zero value of DiskAddress, used as "no address".
const NullAddress DiskAddress = 0

// IsNull reports whether the address is the null sentinel.
func (a DiskAddress) IsNull() bool { return a == NullAddress }

// ErrOutOfRange is returned when a view or write falls outside a store's
// current capacity.
var ErrOutOfRange = errors.New("linstore: offset/length out of range")

// LinearStore is a logical byte array addressed in [0, Capacity()).
//
// Writes are visible immediately to any later-issued view. A view
// obtained before a write may observe the write's bytes afterward —
// callers that need a stable snapshot must copy bytes out of the view.
type LinearStore interface {
	// GetView returns a pinned, readable view over [offset, offset+length).
	// Returns ErrOutOfRange if the window falls outside capacity.
	GetView(offset DiskAddress, length uint64) (*CachedView, error)

	// GetShared returns a handle referring to the same underlying store;
	// writes through either handle are visible through both.
	GetShared() LinearStore

	// Write overwrites [offset, offset+len(data)). A DynamicMem, or a
	// FileStore opened as dynamic, extends its capacity automatically; a
	// FileStore opened at a fixed size returns ErrOutOfRange for writes
	// past the end, and a PlainMem panics on them.
	Write(offset DiskAddress, data []byte) error

	// Id returns the SpaceId this store's writes are tagged with in WAL
	// records.
	Id() SpaceId

	// Capacity returns the store's current size in bytes.
	Capacity() uint64
}

// CachedView pins length bytes of a LinearStore beginning at offset. The
// pinned bytes are accessible via Bytes until Release is called; after
// Release the slice must not be used.
//
// In-memory stores have nothing to actually pin (the slice already lives
// on the Go heap and is kept alive by the reference held here), but
// FileStore's view pins the backing mmap region so it outlives a
// concurrent truncate/remap.
type CachedView struct {
	offset  DiskAddress
	data    []byte
	release func()
}

// Bytes returns the pinned byte window. The returned slice must not be
// retained past Release.
func (v *CachedView) Bytes() []byte { return v.data }

// Offset returns the store offset this view begins at.
func (v *CachedView) Offset() DiskAddress { return v.offset }

// Release drops the pin. Safe to call more than once.
func (v *CachedView) Release() {
	if v.release != nil {
		v.release()
		v.release = nil
	}
}

func checkRange(capacity uint64, offset DiskAddress, length uint64) error {
	off := uint64(offset)

	if length == 0 {
		if off > capacity {
			return fmt.Errorf("%w: offset %d > capacity %d", ErrOutOfRange, off, capacity)
		}

		return nil
	}

	end := off + length
	if end < off || end > capacity {
		return fmt.Errorf("%w: [%d, %d) exceeds capacity %d", ErrOutOfRange, off, end, capacity)
	}

	return nil
}
