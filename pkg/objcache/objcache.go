// Package objcache implements the typed-object layer and bounded cache
// the storage substrate is built around: [Storable] records hydrate from
// and dehydrate to a window of a [linstore.LinearStore]; [Obj] tracks
// dirtiness and write-back for one such window; [Cache] is the bounded
// LRU of idle [Obj]s plus the pinned and dirty sets that outstanding
// [ObjRef] handles and in-flight writes are tracked against.
//
// Go has no destructors, so "dropping an Obj/ObjRef flushes/returns it"
// becomes an explicit [ObjRef.Close]; callers must close every ObjRef
// they obtain.
package objcache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/revtrie/revtrie/pkg/linstore"
)

// ErrWrite is returned by [Obj.Write] when the modified value's declared
// serialized length exceeds the window's len_limit. The decoded mutation
// has already been applied in memory; the caller must discard the Obj
// rather than let it re-enter the cache.
var ErrWrite = errors.New("objcache: write error: serialized length exceeds limit")

// ErrAlreadyPinned is returned by [Cache.Get] in strict mode when addr is
// currently pinned by another outstanding [ObjRef]. Non-strict mode (the
// default) never returns this; it signals a miss instead so the caller
// re-hydrates and aliases the read.
var ErrAlreadyPinned = errors.New("objcache: address already pinned")

// Storable is a record type that can be serialized to and deserialized
// from a byte window of a linear store.
type Storable interface {
	// DehydratedLen returns the number of bytes Dehydrate will write.
	DehydratedLen() uint64

	// Dehydrate serializes the value into to, which is exactly
	// DehydratedLen() bytes long.
	Dehydrate(to []byte) error

	// IsMemMapped reports whether mutations through Write are reflected
	// directly in the backing store, requiring no write-back. Most
	// Storable implementations return false here.
	IsMemMapped() bool
}

// HydrateFunc decodes a T from the bytes backing addr in store. Go has no
// static trait methods, so hydration is a plain function value passed in
// by callers (typically a CompactSpace) rather than a method on T.
type HydrateFunc[T Storable] func(addr linstore.DiskAddress, store linstore.LinearStore) (T, error)

// TypedView is the decoded value paired with the window that backs it.
type TypedView[T Storable] struct {
	decoded  T
	store    linstore.LinearStore
	offset   linstore.DiskAddress
	lenLimit uint64
}

// NewTypedView wraps an already-decoded value with the window it was (or
// will be) serialized at.
func NewTypedView[T Storable](offset linstore.DiskAddress, lenLimit uint64, decoded T, store linstore.LinearStore) *TypedView[T] {
	return &TypedView[T]{decoded: decoded, store: store, offset: offset, lenLimit: lenLimit}
}

// Hydrate decodes a T at addr via hydrate and wraps it in a TypedView.
func Hydrate[T Storable](addr linstore.DiskAddress, lenLimit uint64, store linstore.LinearStore, hydrate HydrateFunc[T]) (*TypedView[T], error) {
	decoded, err := hydrate(addr, store)
	if err != nil {
		return nil, err
	}

	return NewTypedView(addr, lenLimit, decoded, store), nil
}

// Value returns the decoded value.
func (v *TypedView[T]) Value() T { return v.decoded }

// Offset returns the window's starting offset in Store().
func (v *TypedView[T]) Offset() linstore.DiskAddress { return v.offset }

// Store returns the backing linear store.
func (v *TypedView[T]) Store() linstore.LinearStore { return v.store }

// LenLimit returns the maximum serialized length this window can hold
// without reallocation.
func (v *TypedView[T]) LenLimit() uint64 { return v.lenLimit }

// EstimateMemImage reports the value's current serialized length, or
// false if it exceeds LenLimit.
func (v *TypedView[T]) EstimateMemImage() (uint64, bool) {
	l := v.decoded.DehydratedLen()
	if l > v.lenLimit {
		return 0, false
	}

	return l, true
}

// WriteMemImage serializes the decoded value into buf.
func (v *TypedView[T]) WriteMemImage(buf []byte) error {
	return v.decoded.Dehydrate(buf)
}

// Write returns mutable access to the decoded value.
func (v *TypedView[T]) Write() *T { return &v.decoded }

// IsMemMapped reports whether the decoded value writes through directly.
func (v *TypedView[T]) IsMemMapped() bool { return v.decoded.IsMemMapped() }

// Obj owns a decoded record plus the window that backs it, and tracks
// whether it has been mutated since the last flush.
type Obj[T Storable] struct {
	view  *TypedView[T]
	dirty *uint64 // new serialized length; nil means not dirty
}

// NewObj wraps a hydrated TypedView in a fresh, clean Obj.
func NewObj[T Storable](view *TypedView[T]) *Obj[T] {
	return &Obj[T]{view: view}
}

// Addr returns the disk address this Obj is backed by.
func (o *Obj[T]) Addr() linstore.DiskAddress { return o.view.Offset() }

// SpaceId returns the SpaceId of the backing store.
func (o *Obj[T]) SpaceId() linstore.SpaceId { return o.view.Store().Id() }

// Value returns the decoded value.
func (o *Obj[T]) Value() T { return o.view.Value() }

// IsDirty reports whether a write is pending flush.
func (o *Obj[T]) IsDirty() bool { return o.dirty != nil }

// Write applies modify to the decoded value and marks the Obj dirty with
// the freshly estimated serialized length. If the new length overflows
// len_limit, returns [ErrWrite] and leaves dirty untouched — the mutation
// has already happened, so the caller must discard this Obj (see
// [ObjRef.Discard]).
func (o *Obj[T]) Write(modify func(*T)) error {
	modify(o.view.Write())

	l, ok := o.view.EstimateMemImage()
	if !ok {
		return fmt.Errorf("%w: addr=%d", ErrWrite, o.Addr())
	}

	o.dirty = &l

	return nil
}

// FlushDirty writes the pending serialized image through to the backing
// store and clears dirty. Idempotent: a no-op when not dirty or when the
// backing record is memory-mapped.
func (o *Obj[T]) FlushDirty() error {
	if o.view.IsMemMapped() {
		return nil
	}

	if o.dirty == nil {
		return nil
	}

	length := *o.dirty

	buf := make([]byte, length)
	if err := o.view.WriteMemImage(buf); err != nil {
		return fmt.Errorf("objcache: write_mem_image addr=%d: %w", o.Addr(), err)
	}

	if err := o.view.Store().Write(o.view.Offset(), buf); err != nil {
		return fmt.Errorf("objcache: write-back addr=%d: %w", o.Addr(), err)
	}

	o.dirty = nil

	return nil
}

// discardDirty clears any pending write without flushing it, used when an
// Obj is evicted or its address is popped out from under an ObjRef.
func (o *Obj[T]) discardDirty() { o.dirty = nil }

// ObjRef is the borrow-style handle [Cache.Get]/[Cache.Put] issue. Its
// [ObjRef.Close] either returns the Obj to the cache or discards it.
type ObjRef[T Storable] struct {
	obj    *Obj[T]
	cache  *Cache[T]
	closed bool
}

// Addr returns the disk address of the referenced Obj.
func (r *ObjRef[T]) Addr() linstore.DiskAddress { return r.obj.Addr() }

// Value returns the decoded value.
func (r *ObjRef[T]) Value() T { return r.obj.Value() }

// Obj exposes the underlying Obj for callers that need flush/address
// introspection outside of Write/Close.
func (r *ObjRef[T]) Obj() *Obj[T] { return r.obj }

// Write mutates the decoded value and marks the address dirty in the
// owning cache. The address enters the dirty set before Close is ever
// observed, so a subsequent [Cache.FlushDirty] with no outstanding pins
// is guaranteed to see it.
func (r *ObjRef[T]) Write(modify func(*T)) error {
	if err := r.obj.Write(modify); err != nil {
		return err
	}

	r.cache.markDirty(r.obj.Addr())

	return nil
}

// Close returns the Obj to the cache, or discards it if the address was
// marked for eviction (e.g. by a concurrent [Cache.Pop]) while this ref
// was outstanding. Safe to call more than once.
func (r *ObjRef[T]) Close() error {
	if r.closed {
		return nil
	}

	r.closed = true

	return r.cache.release(r.obj)
}

// Discard closes this ref without ever letting the Obj re-enter the
// cache, regardless of the eviction flag. Callers must use this instead
// of [ObjRef.Close] after a failed [ObjRef.Write] (see [ErrWrite]), since
// the in-memory mutation occurred but was never marked dirty.
func (r *ObjRef[T]) Discard() error {
	if r.closed {
		return nil
	}

	r.closed = true

	return r.cache.discard(r.obj)
}

type lruNode[T Storable] struct {
	addr       linstore.DiskAddress
	obj        *Obj[T]
	prev, next *lruNode[T]
}

// Cache is the bounded LRU of idle Objs plus the pinned and dirty sets.
// Capacity is a strictly positive integer.
//
// Strict gates the behavior of [Cache.Get] on an address that is pinned
// but not currently cached: false (the default) silently signals a miss
// so the caller re-hydrates and aliases the read; true returns
// [ErrAlreadyPinned] instead.
//
// Locking: Cache's mutex is always the leaf-most lock acquired anywhere
// in this module — no method here ever calls into a LinearStore while
// holding it except the flush path, and that call never re-enters the
// cache.
type Cache[T Storable] struct {
	mu       sync.Mutex
	capacity int

	cached map[linstore.DiskAddress]*lruNode[T]
	head   *lruNode[T] // most recently used
	tail   *lruNode[T] // least recently used

	pinned map[linstore.DiskAddress]bool // addr -> evict-on-return
	dirty  map[linstore.DiskAddress]struct{}

	Strict bool
}

// NewCache creates a Cache with the given capacity. Panics if capacity is
// not strictly positive.
func NewCache[T Storable](capacity int) *Cache[T] {
	if capacity <= 0 {
		panic("objcache: capacity must be a strictly positive integer")
	}

	return &Cache[T]{
		capacity: capacity,
		cached:   make(map[linstore.DiskAddress]*lruNode[T]),
		pinned:   make(map[linstore.DiskAddress]bool),
		dirty:    make(map[linstore.DiskAddress]struct{}),
	}
}

// Get looks up addr in the idle (cached) set. A hit unpins it, issues an
// ObjRef, and marks it pinned (not evict-on-return) in the same
// operation. A miss returns (nil, nil) whether or not addr happens to be
// pinned elsewhere — unless Strict is set and addr is currently pinned,
// in which case it returns ErrAlreadyPinned.
func (c *Cache[T]) Get(addr linstore.DiskAddress) (*ObjRef[T], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if node, ok := c.cached[addr]; ok {
		c.removeNodeLocked(node)
		delete(c.cached, addr)
		c.pinned[addr] = false

		return &ObjRef[T]{obj: node.obj, cache: c}, nil
	}

	if _, isPinned := c.pinned[addr]; isPinned && c.Strict {
		return nil, fmt.Errorf("%w: addr=%d", ErrAlreadyPinned, addr)
	}

	return nil, nil
}

// Put registers a freshly hydrated or allocated Obj as pinned and issues
// an ObjRef for it.
func (c *Cache[T]) Put(obj *Obj[T]) *ObjRef[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pinned[obj.Addr()] = false

	return &ObjRef[T]{obj: obj, cache: c}
}

// Pop marks addr for eviction: any outstanding ObjRef for it discards on
// Close rather than re-caching, any currently cached Obj at addr is
// dropped (its dirty state cleared without flushing), and addr is removed
// from the dirty set. Used by CompactSpace.FreeItem so a subsequent
// GetItem is forced to re-read from disk.
func (c *Cache[T]) Pop(addr linstore.DiskAddress) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pinned[addr]; ok {
		c.pinned[addr] = true
	}

	if node, ok := c.cached[addr]; ok {
		c.removeNodeLocked(node)
		delete(c.cached, addr)
		node.obj.discardDirty()
	}

	delete(c.dirty, addr)
}

// FlushDirty flushes every dirty cached Obj and empties the dirty set. It
// refuses (returning false) if any address is still pinned, since a
// pinned Obj's latest writes may not be visible to the cache yet.
func (c *Cache[T]) FlushDirty() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pinned) > 0 {
		return false, nil
	}

	for addr := range c.dirty {
		node, ok := c.cached[addr]
		if !ok {
			continue
		}

		if err := node.obj.FlushDirty(); err != nil {
			return false, err
		}
	}

	c.dirty = make(map[linstore.DiskAddress]struct{})

	return true, nil
}

// Invariant checks the cache's structural invariants: cached and pinned
// key-sets are disjoint, and dirty is a subset of pinned ∪ cached.
// Intended for tests.
func (c *Cache[T]) Invariant() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for addr := range c.cached {
		if _, ok := c.pinned[addr]; ok {
			return fmt.Errorf("objcache: addr %d is both cached and pinned", addr)
		}
	}

	for addr := range c.dirty {
		_, inCached := c.cached[addr]
		_, inPinned := c.pinned[addr]

		if !inCached && !inPinned {
			return fmt.Errorf("objcache: dirty addr %d is neither cached nor pinned", addr)
		}
	}

	return nil
}

// markDirty records addr as having a pending write. Called by
// [ObjRef.Write] before the write's caller can possibly drop the ref, so
// [Cache.FlushDirty] always observes writes made before it runs.
func (c *Cache[T]) markDirty(addr linstore.DiskAddress) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dirty[addr] = struct{}{}
}

// release implements the ObjRef.Close drop path: return the Obj to the
// idle set, unless its address was marked for eviction, in which case
// discard its dirty state and drop it.
func (c *Cache[T]) release(obj *Obj[T]) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	addr := obj.Addr()

	evict, ok := c.pinned[addr]
	delete(c.pinned, addr)

	if ok && evict {
		obj.discardDirty()
		return nil
	}

	return c.insertCachedLocked(addr, obj)
}

// discard implements [ObjRef.Discard]: the Obj never re-enters the cache
// regardless of the eviction flag.
func (c *Cache[T]) discard(obj *Obj[T]) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.pinned, obj.Addr())
	obj.discardDirty()

	return nil
}

func (c *Cache[T]) insertCachedLocked(addr linstore.DiskAddress, obj *Obj[T]) error {
	node := &lruNode[T]{addr: addr, obj: obj}
	c.cached[addr] = node
	c.pushFrontLocked(node)

	if len(c.cached) > c.capacity {
		return c.evictTailLocked()
	}

	return nil
}

func (c *Cache[T]) evictTailLocked() error {
	node := c.tail
	if node == nil {
		return nil
	}

	c.removeNodeLocked(node)
	delete(c.cached, node.addr)
	delete(c.dirty, node.addr)

	return node.obj.FlushDirty()
}

func (c *Cache[T]) pushFrontLocked(node *lruNode[T]) {
	node.prev = nil
	node.next = c.head

	if c.head != nil {
		c.head.prev = node
	}

	c.head = node

	if c.tail == nil {
		c.tail = node
	}
}

func (c *Cache[T]) removeNodeLocked(node *lruNode[T]) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		c.head = node.next
	}

	if node.next != nil {
		node.next.prev = node.prev
	} else {
		c.tail = node.prev
	}

	node.prev = nil
	node.next = nil
}
