// Package compact implements [Space], a variable-length slab allocator
// built on top of two [linstore.LinearStore]s: a small meta space
// holding the [Space] header and free-list roots, and a larger payload
// space holding length-prefixed records threaded into per-size-class
// free lists when freed.
//
// The on-disk header uses fixed little-endian field offsets, magic
// bytes, and a CRC32-C computed with the checksum field itself zeroed.
package compact

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/revtrie/revtrie/pkg/linstore"
	"github.com/revtrie/revtrie/pkg/objcache"
)

// Sentinel errors, one per failure kind, checked with errors.Is at call
// sites.
var (
	// ErrInvalidHeader is returned when a Space's on-disk header fails
	// structural or checksum validation. Fatal: the caller must refuse
	// to open the space.
	ErrInvalidHeader = errors.New("compact: invalid header")

	// ErrDoubleFree is returned by FreeItem when addr is already free.
	ErrDoubleFree = errors.New("compact: double free")

	// ErrFreedAddress is returned by GetItem for an address whose record
	// is marked free.
	ErrFreedAddress = errors.New("compact: address is free")

	// ErrNullAddress is returned when an operation is given the null
	// DiskAddress.
	ErrNullAddress = errors.New("compact: null address")

	// ErrAllocationTooLarge is returned by PutItem when bumping the tail
	// for the requested size would run past the end of the 64-bit address
	// range. A request larger than every size class is otherwise served
	// by bumping the tail.
	ErrAllocationTooLarge = errors.New("compact: allocation exceeds addressable size")
)

// reservedPrefixMinimum is the smallest header prefix a space reserves
// at the front of both its stores.
const reservedPrefixMinimum = 0x1000

// Config holds the allocator's tunables.
type Config struct {
	// PayloadMaxWalk bounds how many free blocks of the target size
	// class's list are examined for a fit before the allocator falls
	// back to the head of a larger class, or to bumping the tail.
	// Default 10.
	PayloadMaxWalk int

	// PayloadRegnNBit sets the number of power-of-two size classes.
	// Default 16.
	PayloadRegnNBit uint32

	// ReservedSize is the size of the reserved header prefix in both
	// meta and payload spaces. Default/minimum 0x1000.
	ReservedSize uint64
}

// withDefaults fills in zero fields with the documented defaults.
func (c Config) withDefaults() Config {
	if c.PayloadMaxWalk <= 0 {
		c.PayloadMaxWalk = 10
	}

	if c.PayloadRegnNBit == 0 {
		c.PayloadRegnNBit = 16
	}

	if c.ReservedSize < reservedPrefixMinimum {
		c.ReservedSize = reservedPrefixMinimum
	}

	return c
}

const (
	minClassShift = 3 // smallest size class holds 1<<3 = 8 body bytes

	// recordHeaderSize is the fixed per-record header: length(8) +
	// isFree(1) + prevFree(8) + nextFree(8) + prevTotalSize(8).
	recordHeaderSize = 33
)

func classSize(i int) uint64 { return uint64(1) << (minClassShift + i) }

// Space is the slab allocator, generic over the Storable record type it
// hands out via [objcache.Cache].
type Space[T objcache.Storable] struct {
	mu sync.Mutex

	meta    linstore.LinearStore
	payload linstore.LinearStore
	cache   *objcache.Cache[T]
	hydrate objcache.HydrateFunc[T]

	cfg         Config
	numClasses  int
	headerSize  uint64
	reservedLen uint64

	header spaceHeader
}

type spaceHeader struct {
	version       uint32
	maxWalk       uint32
	numClasses    uint32
	payloadTail   uint64
	tailPrevSize  uint64
	freeListRoots []uint64 // linstore.DiskAddress, one per size class
}

const (
	offMagic         = 0
	offVersion       = 4
	offReservedSize  = 8
	offMaxWalk       = 16
	offNumClasses    = 20
	offPayloadTail   = 24
	offTailPrevSize  = 32
	offFreeListRoots = 40
)

var spaceMagic = [4]byte{'C', 'S', 'P', '1'}

func headerSizeFor(numClasses int) uint64 {
	return offFreeListRoots + uint64(numClasses)*8 + 4 // +4 for trailing CRC32C
}

// NewSpace initializes a brand-new Space: it writes a fresh header to
// meta at offset 0 and sets the payload tail to the reserved prefix.
func NewSpace[T objcache.Storable](meta, payload linstore.LinearStore, cache *objcache.Cache[T], hydrate objcache.HydrateFunc[T], cfg Config) (*Space[T], error) {
	cfg = cfg.withDefaults()

	numClasses := int(cfg.PayloadRegnNBit)
	hSize := headerSizeFor(numClasses)

	if hSize > cfg.ReservedSize {
		return nil, fmt.Errorf("%w: header size %d exceeds reserved prefix %d", ErrInvalidHeader, hSize, cfg.ReservedSize)
	}

	s := &Space[T]{
		meta:        meta,
		payload:     payload,
		cache:       cache,
		hydrate:     hydrate,
		cfg:         cfg,
		numClasses:  numClasses,
		headerSize:  hSize,
		reservedLen: cfg.ReservedSize,
		header: spaceHeader{
			version:       1,
			maxWalk:       uint32(cfg.PayloadMaxWalk),
			numClasses:    uint32(numClasses),
			payloadTail:   cfg.ReservedSize,
			tailPrevSize:  0,
			freeListRoots: make([]uint64, numClasses),
		},
	}

	if err := s.persistHeaderLocked(); err != nil {
		return nil, err
	}

	return s, nil
}

// OpenSpace reads and validates an existing Space header from meta at
// offset 0. Returns ErrInvalidHeader on checksum or structural failure —
// fatal, the caller must refuse to open the space.
func OpenSpace[T objcache.Storable](meta, payload linstore.LinearStore, cache *objcache.Cache[T], hydrate objcache.HydrateFunc[T], cfg Config) (*Space[T], error) {
	cfg = cfg.withDefaults()

	prefix, err := meta.GetView(0, offFreeListRoots)
	if err != nil {
		return nil, fmt.Errorf("%w: reading header prefix: %v", ErrInvalidHeader, err)
	}

	var magic [4]byte
	copy(magic[:], prefix.Bytes()[offMagic:offMagic+4])
	numClasses := binary.LittleEndian.Uint32(prefix.Bytes()[offNumClasses:])
	prefix.Release()

	if magic != spaceMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrInvalidHeader, magic)
	}

	hSize := headerSizeFor(int(numClasses))

	full, err := meta.GetView(0, hSize)
	if err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrInvalidHeader, err)
	}
	defer full.Release()

	buf := make([]byte, len(full.Bytes()))
	copy(buf, full.Bytes())

	hdr, err := decodeSpaceHeader(buf, int(numClasses))
	if err != nil {
		return nil, err
	}

	s := &Space[T]{
		meta:        meta,
		payload:     payload,
		cache:       cache,
		hydrate:     hydrate,
		cfg:         cfg,
		numClasses:  int(numClasses),
		headerSize:  hSize,
		reservedLen: cfg.ReservedSize,
		header:      hdr,
	}

	return s, nil
}

func decodeSpaceHeader(buf []byte, numClasses int) (spaceHeader, error) {
	hSize := headerSizeFor(numClasses)
	if uint64(len(buf)) != hSize {
		return spaceHeader{}, fmt.Errorf("%w: expected %d header bytes, got %d", ErrInvalidHeader, hSize, len(buf))
	}

	crcOff := hSize - 4
	stored := binary.LittleEndian.Uint32(buf[crcOff:])
	computed := computeHeaderCRC(buf, crcOff)

	if stored != computed {
		return spaceHeader{}, fmt.Errorf("%w: checksum mismatch", ErrInvalidHeader)
	}

	hdr := spaceHeader{
		version:      binary.LittleEndian.Uint32(buf[offVersion:]),
		maxWalk:      binary.LittleEndian.Uint32(buf[offMaxWalk:]),
		numClasses:   binary.LittleEndian.Uint32(buf[offNumClasses:]),
		payloadTail:  binary.LittleEndian.Uint64(buf[offPayloadTail:]),
		tailPrevSize: binary.LittleEndian.Uint64(buf[offTailPrevSize:]),
	}

	hdr.freeListRoots = make([]uint64, numClasses)
	for i := 0; i < numClasses; i++ {
		hdr.freeListRoots[i] = binary.LittleEndian.Uint64(buf[offFreeListRoots+i*8:])
	}

	return hdr, nil
}

func computeHeaderCRC(buf []byte, crcOff uint64) uint32 {
	tmp := make([]byte, len(buf))
	copy(tmp, buf)

	for i := crcOff; i < crcOff+4 && int(i) < len(tmp); i++ {
		tmp[i] = 0
	}

	return crc32.Checksum(tmp, crc32.MakeTable(crc32.Castagnoli))
}

// persistHeaderLocked serializes s.header to meta at offset 0. Caller
// must hold s.mu.
func (s *Space[T]) persistHeaderLocked() error {
	buf := make([]byte, s.headerSize)

	copy(buf[offMagic:], spaceMagic[:])
	binary.LittleEndian.PutUint32(buf[offVersion:], s.header.version)
	binary.LittleEndian.PutUint64(buf[offReservedSize:], s.reservedLen)
	binary.LittleEndian.PutUint32(buf[offMaxWalk:], s.header.maxWalk)
	binary.LittleEndian.PutUint32(buf[offNumClasses:], s.header.numClasses)
	binary.LittleEndian.PutUint64(buf[offPayloadTail:], s.header.payloadTail)
	binary.LittleEndian.PutUint64(buf[offTailPrevSize:], s.header.tailPrevSize)

	for i, root := range s.header.freeListRoots {
		binary.LittleEndian.PutUint64(buf[offFreeListRoots+i*8:], root)
	}

	crcOff := s.headerSize - 4
	crc := computeHeaderCRC(buf, crcOff)
	binary.LittleEndian.PutUint32(buf[crcOff:], crc)

	return s.meta.Write(0, buf)
}

// --- per-record header encode/decode ---

type recordHeader struct {
	length        uint64
	isFree        bool
	prevFree      linstore.DiskAddress
	nextFree      linstore.DiskAddress
	prevTotalSize uint64
}

func (h recordHeader) totalSize() uint64 { return recordHeaderSize + h.length }

func encodeRecordHeader(h recordHeader) []byte {
	buf := make([]byte, recordHeaderSize)

	binary.LittleEndian.PutUint64(buf[0:], h.length)

	if h.isFree {
		buf[8] = 1
	}

	binary.LittleEndian.PutUint64(buf[9:], uint64(h.prevFree))
	binary.LittleEndian.PutUint64(buf[17:], uint64(h.nextFree))
	binary.LittleEndian.PutUint64(buf[25:], h.prevTotalSize)

	return buf
}

func decodeRecordHeader(buf []byte) recordHeader {
	return recordHeader{
		length:        binary.LittleEndian.Uint64(buf[0:]),
		isFree:        buf[8] != 0,
		prevFree:      linstore.DiskAddress(binary.LittleEndian.Uint64(buf[9:])),
		nextFree:      linstore.DiskAddress(binary.LittleEndian.Uint64(buf[17:])),
		prevTotalSize: binary.LittleEndian.Uint64(buf[25:]),
	}
}

func (s *Space[T]) readRecordHeader(headerAddr linstore.DiskAddress) (recordHeader, error) {
	view, err := s.payload.GetView(headerAddr, recordHeaderSize)
	if err != nil {
		return recordHeader{}, fmt.Errorf("%w: reading record header at %d: %v", ErrInvalidHeader, headerAddr, err)
	}
	defer view.Release()

	buf := make([]byte, recordHeaderSize)
	copy(buf, view.Bytes())

	return decodeRecordHeader(buf), nil
}

func (s *Space[T]) writeRecordHeader(headerAddr linstore.DiskAddress, h recordHeader) error {
	return s.payload.Write(headerAddr, encodeRecordHeader(h))
}

// classIndexForLen returns the largest size class whose nominal capacity
// is <= length, the class a free block of this length is threaded into.
// A free block threaded into class D is therefore only guaranteed to be
// at least classSize(D) bytes, never necessarily classSize(D+1) — exact
// fit within a class still has to be checked, which is why
// allocateLocked walks the target class's own list before trusting any
// higher class's head outright.
func (s *Space[T]) classIndexForLen(length uint64) int {
	idx := 0

	for i := 0; i < s.numClasses; i++ {
		if classSize(i) <= length {
			idx = i
		} else {
			break
		}
	}

	return idx
}

// minSplitThreshold is the minimum remainder (header + smallest body)
// worth carving off as its own free record rather than handing the whole
// block to the allocation.
func (s *Space[T]) minSplitThreshold() uint64 {
	return recordHeaderSize + classSize(0)
}

func addrOf(headerAddr linstore.DiskAddress) linstore.DiskAddress {
	return headerAddr + recordHeaderSize
}

func headerAddrOf(addr linstore.DiskAddress) linstore.DiskAddress {
	return addr - recordHeaderSize
}

// linkIntoFreeListLocked threads the record at addr (whose header must
// already be written with isFree=true) onto the head of its size class's
// free list.
func (s *Space[T]) linkIntoFreeListLocked(class int, addr linstore.DiskAddress, h recordHeader) error {
	oldHead := linstore.DiskAddress(s.header.freeListRoots[class])

	h.prevFree = linstore.NullAddress
	h.nextFree = oldHead

	if err := s.writeRecordHeader(headerAddrOf(addr), h); err != nil {
		return err
	}

	if !oldHead.IsNull() {
		oldHeadHeader, err := s.readRecordHeader(headerAddrOf(oldHead))
		if err != nil {
			return err
		}

		oldHeadHeader.prevFree = addr

		if err := s.writeRecordHeader(headerAddrOf(oldHead), oldHeadHeader); err != nil {
			return err
		}
	}

	s.header.freeListRoots[class] = uint64(addr)

	return s.persistHeaderLocked()
}

// unlinkFromFreeListLocked removes the record at addr (whose header h was
// already read by the caller) from its size class's free list.
func (s *Space[T]) unlinkFromFreeListLocked(addr linstore.DiskAddress, h recordHeader) error {
	class := s.classIndexForLen(h.length)

	if !h.prevFree.IsNull() {
		prevHeader, err := s.readRecordHeader(headerAddrOf(h.prevFree))
		if err != nil {
			return err
		}

		prevHeader.nextFree = h.nextFree

		if err := s.writeRecordHeader(headerAddrOf(h.prevFree), prevHeader); err != nil {
			return err
		}
	} else {
		s.header.freeListRoots[class] = uint64(h.nextFree)

		if err := s.persistHeaderLocked(); err != nil {
			return err
		}
	}

	if !h.nextFree.IsNull() {
		nextHeader, err := s.readRecordHeader(headerAddrOf(h.nextFree))
		if err != nil {
			return err
		}

		nextHeader.prevFree = h.prevFree

		if err := s.writeRecordHeader(headerAddrOf(h.nextFree), nextHeader); err != nil {
			return err
		}
	}

	return nil
}

// PutItem allocates a slot of at least value.DehydratedLen()+extra bytes,
// writes value's serialized form into it, and returns an ObjRef over it.
func (s *Space[T]) PutItem(value T, extra uint64) (*objcache.ObjRef[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	needed := value.DehydratedLen() + extra

	addr, lenLimit, err := s.allocateLocked(needed)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, lenLimit)
	if needed > 0 {
		if err := value.Dehydrate(buf[:value.DehydratedLen()]); err != nil {
			return nil, fmt.Errorf("compact: dehydrate addr=%d: %w", addr, err)
		}
	}

	if err := s.payload.Write(addr, buf); err != nil {
		return nil, fmt.Errorf("compact: write new item addr=%d: %w", addr, err)
	}

	view := objcache.NewTypedView[T](addr, lenLimit, value, s.payload)
	obj := objcache.NewObj(view)

	return s.cache.Put(obj), nil
}

// allocateLocked finds or creates a slot and returns its body address and
// usable body capacity (len_limit). Caller must hold s.mu.
//
// A block threaded into class D is only guaranteed to be >= classSize(D)
// (see classIndexForLen), so the class matching needed's own floor index
// may hold blocks too small to fit: its list is walked node-by-node (up
// to PayloadMaxWalk) checking actual fit. Every class strictly above that
// one is guaranteed to fit unconditionally, since classSize there exceeds
// needed by construction — no length check required, just take the head.
func (s *Space[T]) allocateLocked(needed uint64) (linstore.DiskAddress, uint64, error) {
	if needed <= classSize(s.numClasses-1) {
		target := s.classIndexForLen(needed)

		if addr, lenLimit, ok, err := s.walkTargetClassLocked(target, needed); err != nil {
			return 0, 0, err
		} else if ok {
			return addr, lenLimit, nil
		}

		for class := target + 1; class < s.numClasses; class++ {
			head := linstore.DiskAddress(s.header.freeListRoots[class])
			if head.IsNull() {
				continue
			}

			return s.allocateFromFreeBlockLocked(head, needed)
		}
	}

	return s.bumpTailLocked(needed)
}

// walkTargetClassLocked scans up to PayloadMaxWalk nodes of class's free
// list for the first block whose length >= needed.
func (s *Space[T]) walkTargetClassLocked(class int, needed uint64) (linstore.DiskAddress, uint64, bool, error) {
	addr := linstore.DiskAddress(s.header.freeListRoots[class])

	for walked := 0; !addr.IsNull() && walked < s.cfg.PayloadMaxWalk; walked++ {
		h, err := s.readRecordHeader(headerAddrOf(addr))
		if err != nil {
			return 0, 0, false, err
		}

		if h.length >= needed {
			resultAddr, lenLimit, err := s.allocateFromFreeBlockLocked(addr, needed)
			return resultAddr, lenLimit, true, err
		}

		addr = h.nextFree
	}

	return 0, 0, false, nil
}

func (s *Space[T]) allocateFromFreeBlockLocked(candidate linstore.DiskAddress, needed uint64) (linstore.DiskAddress, uint64, error) {
	h, err := s.readRecordHeader(headerAddrOf(candidate))
	if err != nil {
		return 0, 0, err
	}

	if err := s.unlinkFromFreeListLocked(candidate, h); err != nil {
		return 0, 0, err
	}

	remainder := h.length - needed

	if remainder >= s.minSplitThreshold() {
		allocHeaderAddr := headerAddrOf(candidate)

		allocHeader := recordHeader{length: needed, isFree: false, prevTotalSize: h.prevTotalSize}
		if err := s.writeRecordHeader(allocHeaderAddr, allocHeader); err != nil {
			return 0, 0, err
		}

		remHeaderAddr := allocHeaderAddr + linstore.DiskAddress(recordHeaderSize+needed)
		remLen := remainder - recordHeaderSize
		remAddr := addrOf(remHeaderAddr)

		remHeader := recordHeader{length: remLen, isFree: true, prevTotalSize: recordHeaderSize + needed}
		if err := s.writeRecordHeader(remHeaderAddr, remHeader); err != nil {
			return 0, 0, err
		}

		// The record after the original block now follows the remainder.
		if nextHeaderAddr := remHeaderAddr + linstore.DiskAddress(remainder); nextHeaderAddr < linstore.DiskAddress(s.header.payloadTail) {
			nextHeader, err := s.readRecordHeader(nextHeaderAddr)
			if err != nil {
				return 0, 0, err
			}
			nextHeader.prevTotalSize = remainder
			if err := s.writeRecordHeader(nextHeaderAddr, nextHeader); err != nil {
				return 0, 0, err
			}
		} else {
			s.header.tailPrevSize = remainder // persisted by linkIntoFreeListLocked below
		}

		if err := s.linkIntoFreeListLocked(s.classIndexForLen(remLen), remAddr, remHeader); err != nil {
			return 0, 0, err
		}

		return candidate, needed, nil
	}

	allocHeader := recordHeader{length: h.length, isFree: false, prevTotalSize: h.prevTotalSize}
	if err := s.writeRecordHeader(headerAddrOf(candidate), allocHeader); err != nil {
		return 0, 0, err
	}

	return candidate, h.length, nil
}

func (s *Space[T]) bumpTailLocked(needed uint64) (linstore.DiskAddress, uint64, error) {
	headerAddr := linstore.DiskAddress(s.header.payloadTail)
	addr := addrOf(headerAddr)

	if needed > 0 && uint64(addr) > ^uint64(0)-needed {
		return 0, 0, fmt.Errorf("%w: need=%d at offset=%d", ErrAllocationTooLarge, needed, addr)
	}

	newTail := addr + linstore.DiskAddress(needed)

	h := recordHeader{length: needed, isFree: false, prevTotalSize: s.header.tailPrevSize}
	if err := s.writeRecordHeader(headerAddr, h); err != nil {
		return 0, 0, err
	}

	s.header.payloadTail = uint64(newTail)
	s.header.tailPrevSize = h.totalSize()

	if err := s.persistHeaderLocked(); err != nil {
		return 0, 0, err
	}

	return addr, needed, nil
}

// GetItem dereferences addr, returning an ObjRef over the cached Obj if
// one is idle in the cache, or hydrating a fresh one from disk otherwise.
// An address still pinned by an outstanding ObjRef is re-hydrated, so the
// two refs alias the same record.
func (s *Space[T]) GetItem(addr linstore.DiskAddress) (*objcache.ObjRef[T], error) {
	if addr.IsNull() {
		return nil, ErrNullAddress
	}

	if ref, err := s.cache.Get(addr); err != nil {
		return nil, err
	} else if ref != nil {
		return ref, nil
	}

	s.mu.Lock()
	h, err := s.readRecordHeader(headerAddrOf(addr))
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}

	if h.isFree {
		return nil, fmt.Errorf("%w: addr=%d", ErrFreedAddress, addr)
	}

	view, err := objcache.Hydrate[T](addr, h.length, s.payload, s.hydrate)
	if err != nil {
		return nil, fmt.Errorf("compact: hydrate addr=%d: %w", addr, err)
	}

	return s.cache.Put(objcache.NewObj(view)), nil
}

// FreeItem unlinks addr, coalescing with any adjacent free neighbors
// (address-ordered), and threads the merged block into the appropriate
// free list. Always pops addr out of the cache so a subsequent GetItem
// re-reads.
func (s *Space[T]) FreeItem(addr linstore.DiskAddress) error {
	if addr.IsNull() {
		return ErrNullAddress
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	headerAddr := headerAddrOf(addr)

	cur, err := s.readRecordHeader(headerAddr)
	if err != nil {
		return err
	}

	if cur.isFree {
		return fmt.Errorf("%w: addr=%d", ErrDoubleFree, addr)
	}

	mergedHeaderAddr := headerAddr
	mergedLen := cur.length
	mergedPrevTotal := cur.prevTotalSize

	// Coalesce right.
	rightHeaderAddr := headerAddr + linstore.DiskAddress(recordHeaderSize+mergedLen)
	if rightHeaderAddr < linstore.DiskAddress(s.header.payloadTail) {
		rightHeader, err := s.readRecordHeader(rightHeaderAddr)
		if err != nil {
			return err
		}

		if rightHeader.isFree {
			if err := s.unlinkFromFreeListLocked(addrOf(rightHeaderAddr), rightHeader); err != nil {
				return err
			}

			mergedLen += recordHeaderSize + rightHeader.length
		}
	}

	afterHeaderAddr := headerAddr + linstore.DiskAddress(recordHeaderSize+mergedLen)

	// Coalesce left.
	if mergedPrevTotal > 0 {
		prevHeaderAddr := mergedHeaderAddr - linstore.DiskAddress(mergedPrevTotal)

		prevHeader, err := s.readRecordHeader(prevHeaderAddr)
		if err != nil {
			return err
		}

		if prevHeader.isFree {
			if err := s.unlinkFromFreeListLocked(addrOf(prevHeaderAddr), prevHeader); err != nil {
				return err
			}

			mergedLen += mergedPrevTotal
			mergedHeaderAddr = prevHeaderAddr
			mergedPrevTotal = prevHeader.prevTotalSize
		}
	}

	if afterHeaderAddr >= linstore.DiskAddress(s.header.payloadTail) {
		s.header.tailPrevSize = recordHeaderSize + mergedLen // persisted by linkIntoFreeListLocked below
	}

	merged := recordHeader{length: mergedLen, isFree: true, prevTotalSize: mergedPrevTotal}
	mergedAddr := addrOf(mergedHeaderAddr)

	if err := s.linkIntoFreeListLocked(s.classIndexForLen(mergedLen), mergedAddr, merged); err != nil {
		return err
	}

	if afterHeaderAddr < linstore.DiskAddress(s.header.payloadTail) {
		afterHeader, err := s.readRecordHeader(afterHeaderAddr)
		if err != nil {
			return err
		}

		afterHeader.prevTotalSize = recordHeaderSize + mergedLen

		if err := s.writeRecordHeader(afterHeaderAddr, afterHeader); err != nil {
			return err
		}
	}

	s.cache.Pop(addr)
	if mergedAddr != addr {
		s.cache.Pop(mergedAddr)
	}

	return nil
}

// FlushDirty forwards to the underlying ObjCache.
func (s *Space[T]) FlushDirty() (bool, error) {
	return s.cache.FlushDirty()
}

// FreeListTotals returns, for each size class, the sum of the total
// sizes of every free record currently threaded into it. Used by the
// allocator round-trip tests.
func (s *Space[T]) FreeListTotals() ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	totals := make([]uint64, s.numClasses)

	for class, root := range s.header.freeListRoots {
		addr := linstore.DiskAddress(root)

		for !addr.IsNull() {
			h, err := s.readRecordHeader(headerAddrOf(addr))
			if err != nil {
				return nil, err
			}

			totals[class] += h.length + recordHeaderSize
			addr = h.nextFree
		}
	}

	return totals, nil
}

// PayloadTail returns the current first-unused offset in the payload
// space.
func (s *Space[T]) PayloadTail() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.header.payloadTail
}

// ReservedSize returns the configured reserved header prefix size.
func (s *Space[T]) ReservedSize() uint64 { return s.reservedLen }
