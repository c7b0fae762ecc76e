// Package walog implements the write-ahead log the commit path journals
// through: an ordered stream of [DiskWrite] records per commit batch,
// with per-frame CRC32-C trailers and a self-checking batch header that
// lets recovery distinguish a torn batch (discard) from a committed one
// (replay).
//
// The journal is a bounded ring: it retains the most recent max_revisions
// committed batches. The newest batch is what crash recovery re-applies;
// the older ones carry pre-images, which is what lets the database
// reconstruct the spaces as they were before each of the retained
// commits and re-derive its revision ring after a reopen.
package walog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/natefinch/atomic"

	"github.com/revtrie/revtrie/pkg/fs"
	"github.com/revtrie/revtrie/pkg/linstore"
)

const (
	walMagic = "RTWL0001"

	// blockHeaderSize is the fixed batch header: magic(8) + bodyLen(8) +
	// ~bodyLen(8) + bodyCRC(4) + ~bodyCRC(4) + rootHash(32) + rootAddr(8).
	blockHeaderSize = 72

	// frameHeadSize is the fixed frame prefix: space_id(1) +
	// space_off(8, LE) + data_len(4, LE).
	frameHeadSize = 13

	// frameTrailerSize is the per-frame CRC32-C.
	frameTrailerSize = 4
)

var walCRC32C = crc32.MakeTable(crc32.Castagnoli)

var (
	// ErrInvalidChecksum indicates a WAL frame or batch failed its CRC.
	// Replay halts at the last good record.
	ErrInvalidChecksum = errors.New("walog: invalid checksum")

	// ErrCorrupt indicates a WAL body is structurally invalid beyond a
	// checksum failure (truncated frame, impossible length).
	ErrCorrupt = errors.New("walog: corrupt")

	// ErrClosed is returned for operations on a closed Wal.
	ErrClosed = errors.New("walog: closed")
)

// DiskWrite is one journaled write: Data went to SpaceOff of the linear
// space identified by SpaceID, overwriting Prev. Prev has the same
// length as Data (writes are in-place overwrites); bytes past the
// space's capacity at the time of the write read back as zeros, matching
// the zero-fill a dynamic store's extension performs.
type DiskWrite struct {
	SpaceID  linstore.SpaceId
	SpaceOff uint64
	Data     []byte
	Prev     []byte
}

// Batch is one committed batch: every write of a commit plus the trie
// root the commit produced.
type Batch struct {
	RootHash [32]byte
	RootAddr uint64
	Writes   []DiskWrite
}

// Wal is the journal over a single file. A single committer appends;
// batch reads take the same lock so they cannot observe a half-appended
// block.
type Wal struct {
	mu      sync.Mutex
	fsys    fs.FS
	file    fs.File
	path    string
	max     int
	batches []Batch
	closed  bool
}

// Open opens (creating if necessary) the WAL at path, scans its retained
// batches, and truncates away any torn tail. maxBatches bounds the ring;
// it must be strictly positive.
func Open(fsys fs.FS, path string, maxBatches int) (*Wal, error) {
	if maxBatches <= 0 {
		return nil, fmt.Errorf("walog: maxBatches must be strictly positive, got %d", maxBatches)
	}

	file, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("walog: open %s: %w", path, err)
	}

	w := &Wal{fsys: fsys, file: file, path: path, max: maxBatches}

	if err := w.scanLocked(); err != nil {
		_ = file.Close()
		return nil, err
	}

	return w, nil
}

// Append commits a batch to the journal: the block is written and synced
// before Append returns, and the ring is compacted if it now exceeds its
// bound. After a successful Append the caller may apply the batch to the
// backing spaces; a crash in between is healed by re-applying the newest
// batch on the next open.
func (w *Wal) Append(b Batch) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	block := encodeBlock(b)

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("walog: seek: %w", err)
	}

	if _, err := w.file.Write(block); err != nil {
		return fmt.Errorf("walog: write block: %w", err)
	}

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("walog: sync: %w", err)
	}

	w.batches = append(w.batches, b)

	if len(w.batches) > w.max {
		return w.compactLocked()
	}

	return nil
}

// compactLocked rewrites the journal retaining only the newest max
// batches. The rewrite goes through an atomic rename so a crash leaves
// either the old or the new ring, never a mix.
func (w *Wal) compactLocked() error {
	w.batches = w.batches[len(w.batches)-w.max:]

	var buf bytes.Buffer
	for _, b := range w.batches {
		buf.Write(encodeBlock(b))
	}

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("walog: close before compact: %w", err)
	}

	if err := atomic.WriteFile(w.path, &buf); err != nil {
		return fmt.Errorf("walog: compact rewrite: %w", err)
	}

	file, err := w.fsys.OpenFile(w.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("walog: reopen after compact: %w", err)
	}

	w.file = file

	return nil
}

// Batches returns the retained batches, oldest first.
func (w *Wal) Batches() []Batch {
	w.mu.Lock()
	defer w.mu.Unlock()

	return append([]Batch(nil), w.batches...)
}

// Newest returns the most recent committed batch, or false when the
// journal is empty. Recovery re-applies it to the backing spaces — the
// apply is idempotent, so healing an already-applied batch is harmless.
func (w *Wal) Newest() (Batch, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.batches) == 0 {
		return Batch{}, false
	}

	return w.batches[len(w.batches)-1], true
}

// Close closes the journal file.
func (w *Wal) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true

	return w.file.Close()
}

// scanLocked reads every complete, checksummed block from the file and
// truncates the file at the first torn or corrupt one — a torn tail is
// an interrupted Append whose batch was never acknowledged, so dropping
// it is the correct recovery.
func (w *Wal) scanLocked() error {
	info, err := w.file.Stat()
	if err != nil {
		return fmt.Errorf("walog: stat: %w", err)
	}

	size := info.Size()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("walog: seek: %w", err)
	}

	var pos int64

	for pos+blockHeaderSize <= size {
		header := make([]byte, blockHeaderSize)
		if _, err := io.ReadFull(w.file, header); err != nil {
			break
		}

		b, bodyLen, ok := decodeBlockHeader(header)
		if !ok || pos+blockHeaderSize+int64(bodyLen) > size {
			break
		}

		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(w.file, body); err != nil {
			break
		}

		if crc32.Checksum(body, walCRC32C) != b.bodyCRC {
			break
		}

		writes, err := decodeFrames(body)
		if err != nil {
			break
		}

		w.batches = append(w.batches, Batch{RootHash: b.rootHash, RootAddr: b.rootAddr, Writes: writes})
		pos += blockHeaderSize + int64(bodyLen)
	}

	if pos < size {
		if err := truncateAt(w.file, pos); err != nil {
			return err
		}

		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("walog: sync after truncate: %w", err)
		}
	}

	if len(w.batches) > w.max {
		w.batches = w.batches[len(w.batches)-w.max:]
	}

	return nil
}

type blockHeader struct {
	bodyCRC  uint32
	rootHash [32]byte
	rootAddr uint64
}

// decodeBlockHeader validates the magic and the redundant complement
// fields that guard against a header-shaped run of zeros or ones
// masquerading as a commit.
func decodeBlockHeader(header []byte) (blockHeader, uint64, bool) {
	if string(header[:8]) != walMagic {
		return blockHeader{}, 0, false
	}

	bodyLen := binary.LittleEndian.Uint64(header[8:16])
	bodyLenInv := binary.LittleEndian.Uint64(header[16:24])

	if ^bodyLen != bodyLenInv {
		return blockHeader{}, 0, false
	}

	crc := binary.LittleEndian.Uint32(header[24:28])
	crcInv := binary.LittleEndian.Uint32(header[28:32])

	if ^crc != crcInv {
		return blockHeader{}, 0, false
	}

	var h blockHeader
	h.bodyCRC = crc
	copy(h.rootHash[:], header[32:64])
	h.rootAddr = binary.LittleEndian.Uint64(header[64:72])

	return h, bodyLen, true
}

func encodeBlock(b Batch) []byte {
	body := encodeFrames(b.Writes)

	block := make([]byte, blockHeaderSize, blockHeaderSize+len(body))
	copy(block[:8], walMagic)

	bodyLen := uint64(len(body))
	binary.LittleEndian.PutUint64(block[8:16], bodyLen)
	binary.LittleEndian.PutUint64(block[16:24], ^bodyLen)

	crc := crc32.Checksum(body, walCRC32C)
	binary.LittleEndian.PutUint32(block[24:28], crc)
	binary.LittleEndian.PutUint32(block[28:32], ^crc)

	copy(block[32:64], b.RootHash[:])
	binary.LittleEndian.PutUint64(block[64:72], b.RootAddr)

	return append(block, body...)
}

func truncateAt(file fs.File, size int64) error {
	fd := file.Fd()
	if fd == 0 {
		return errors.New("walog: invalid file descriptor")
	}

	if err := syscall.Ftruncate(int(fd), size); err != nil {
		return fmt.Errorf("walog: ftruncate: %w", err)
	}

	if _, err := file.Seek(size, io.SeekStart); err != nil {
		return fmt.Errorf("walog: seek: %w", err)
	}

	return nil
}

// encodeFrames serializes writes as consecutive frames:
//
//	space_id(1) | space_off(8 LE) | len(4 LE) | prev | data | crc32c(4 LE)
//
// prev and data share the length field. The CRC covers the head, prev,
// and data of its own frame.
func encodeFrames(writes []DiskWrite) []byte {
	size := 0
	for _, dw := range writes {
		size += frameHeadSize + 2*len(dw.Data) + frameTrailerSize
	}

	buf := make([]byte, 0, size)

	for _, dw := range writes {
		frame := make([]byte, frameHeadSize+2*len(dw.Data))
		frame[0] = byte(dw.SpaceID)
		binary.LittleEndian.PutUint64(frame[1:], dw.SpaceOff)
		binary.LittleEndian.PutUint32(frame[9:], uint32(len(dw.Data)))
		copy(frame[frameHeadSize:], dw.Prev)
		copy(frame[frameHeadSize+len(dw.Data):], dw.Data)

		var trailer [frameTrailerSize]byte
		binary.LittleEndian.PutUint32(trailer[:], crc32.Checksum(frame, walCRC32C))

		buf = append(buf, frame...)
		buf = append(buf, trailer[:]...)
	}

	return buf
}

// decodeFrames parses a batch body back into writes. A frame that fails
// its CRC halts replay at the last good record.
func decodeFrames(body []byte) ([]DiskWrite, error) {
	var writes []DiskWrite

	rest := body

	for len(rest) > 0 {
		if len(rest) < frameHeadSize+frameTrailerSize {
			return writes, fmt.Errorf("%w: truncated frame head (%d bytes left)", ErrCorrupt, len(rest))
		}

		dataLen := binary.LittleEndian.Uint32(rest[9:])
		frameLen := frameHeadSize + 2*int(dataLen)

		if len(rest) < frameLen+frameTrailerSize {
			return writes, fmt.Errorf("%w: truncated frame data", ErrCorrupt)
		}

		frame := rest[:frameLen]
		stored := binary.LittleEndian.Uint32(rest[frameLen:])

		if computed := crc32.Checksum(frame, walCRC32C); computed != stored {
			return writes, fmt.Errorf("%w: frame %d: stored %d, actual %d", ErrInvalidChecksum, len(writes), stored, computed)
		}

		prev := make([]byte, dataLen)
		copy(prev, frame[frameHeadSize:])

		data := make([]byte, dataLen)
		copy(data, frame[frameHeadSize+int(dataLen):])

		writes = append(writes, DiskWrite{
			SpaceID:  linstore.SpaceId(frame[0]),
			SpaceOff: binary.LittleEndian.Uint64(frame[1:]),
			Data:     data,
			Prev:     prev,
		})

		rest = rest[frameLen+frameTrailerSize:]
	}

	return writes, nil
}
