package linstore

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// FileStore is a [LinearStore] backed by an mmap'd OS file. It is what
// lets the persisted meta/payload spaces be real files instead of a
// purely in-memory simulation.
//
// Growth (when dynamic) unmaps, ftruncates, and remaps the file; the
// [sync.RWMutex] guarding that remap doubles as the CachedView pinning
// mechanism: GetView holds a read lock for the
// view's lifetime so a concurrent growing Write cannot unmap out from
// under an outstanding view.
type FileStore struct {
	mu      sync.RWMutex
	file    *os.File
	data    []byte
	id      SpaceId
	dynamic bool
}

// OpenFileStore opens (creating if necessary) the file at path, extends
// it to initialSize if it is smaller (a larger file keeps its size), and
// mmaps it read/write. When dynamic is
// true, Write past the current capacity grows the file and remaps it;
// when false, such writes return [ErrOutOfRange].
func OpenFileStore(path string, id SpaceId, initialSize uint64, dynamic bool) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("linstore: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("linstore: stat %s: %w", path, err)
	}

	size := initialSize
	if uint64(info.Size()) > size {
		size = uint64(info.Size())
	}

	if uint64(info.Size()) != size {
		if err := f.Truncate(int64(size)); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("linstore: truncate %s: %w", path, err)
		}
	}

	data, err := mmapFile(f, size)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	return &FileStore{file: f, data: data, id: id, dynamic: dynamic}, nil
}

func mmapFile(f *os.File, size uint64) ([]byte, error) {
	if size == 0 {
		// unix.Mmap rejects a zero-length mapping; map one page
		// instead, which becomes the store's initial capacity.
		size = uint64(os.Getpagesize())
		if err := f.Truncate(int64(size)); err != nil {
			return nil, fmt.Errorf("linstore: truncate: %w", err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("linstore: mmap: %w", err)
	}

	return data, nil
}

// GetView implements [LinearStore]. The returned view holds a read lock
// until [CachedView.Release] is called.
func (s *FileStore) GetView(offset DiskAddress, length uint64) (*CachedView, error) {
	s.mu.RLock()

	if err := checkRange(uint64(len(s.data)), offset, length); err != nil {
		s.mu.RUnlock()
		return nil, err
	}

	released := false

	return &CachedView{
		offset: offset,
		data:   s.data[uint64(offset) : uint64(offset)+length],
		release: func() {
			if released {
				return
			}

			released = true
			s.mu.RUnlock()
		},
	}, nil
}

// GetShared implements [LinearStore].
func (s *FileStore) GetShared() LinearStore { return s }

// Write implements [LinearStore].
func (s *FileStore) Write(offset DiskAddress, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	off := uint64(offset)
	end := off + uint64(len(data))

	s.mu.RLock()
	fits := end <= uint64(len(s.data))
	if fits {
		copy(s.data[off:end], data)
	}
	s.mu.RUnlock()

	if fits {
		return nil
	}

	if !s.dynamic {
		return fmt.Errorf("%w: offset %d len %d exceeds fixed capacity", ErrOutOfRange, off, len(data))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if end > uint64(len(s.data)) {
		if err := s.growLocked(end); err != nil {
			return err
		}
	}

	copy(s.data[off:end], data)

	return nil
}

// growLocked remaps the file to at least size bytes. Caller must hold mu
// exclusively.
func (s *FileStore) growLocked(size uint64) error {
	newSize := uint64(len(s.data))
	if newSize == 0 {
		newSize = size
	}

	for newSize < size {
		newSize *= growthFactor
	}

	if err := unix.Munmap(s.data); err != nil {
		return fmt.Errorf("linstore: munmap: %w", err)
	}

	if err := s.file.Truncate(int64(newSize)); err != nil {
		return fmt.Errorf("linstore: truncate: %w", err)
	}

	data, err := unix.Mmap(int(s.file.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("linstore: remap: %w", err)
	}

	s.data = data

	return nil
}

// Id implements [LinearStore].
func (s *FileStore) Id() SpaceId { return s.id }

// Capacity implements [LinearStore].
func (s *FileStore) Capacity() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return uint64(len(s.data))
}

// Sync flushes the mmap'd region to disk via msync.
func (s *FileStore) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.data) == 0 {
		return nil
	}

	if err := unix.Msync(s.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("linstore: msync: %w", err)
	}

	return nil
}

// Close unmaps and closes the backing file. The FileStore must not be used
// afterward.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if len(s.data) > 0 {
		err = unix.Munmap(s.data)
		s.data = nil
	}

	if cerr := s.file.Close(); cerr != nil && err == nil {
		err = cerr
	}

	return err
}

var _ LinearStore = (*FileStore)(nil)
