package compact_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/revtrie/revtrie/pkg/compact"
	"github.com/revtrie/revtrie/pkg/linstore"
	"github.com/revtrie/revtrie/pkg/objcache"
)

// blob is a variable-length Storable that self-describes its length with
// an 8-byte little-endian prefix, so hydrateBlobFromStore (a HydrateFunc,
// which is handed only an address and a store, never an external length)
// can read it back without help from the allocator.
type blob struct {
	data []byte
}

func (b blob) DehydratedLen() uint64 { return 8 + uint64(len(b.data)) }

func (b blob) Dehydrate(to []byte) error {
	binary.LittleEndian.PutUint64(to, uint64(len(b.data)))
	copy(to[8:], b.data)
	return nil
}

func (b blob) IsMemMapped() bool { return false }

func hydrateBlobFromStore(addr linstore.DiskAddress, store linstore.LinearStore) (blob, error) {
	lenView, err := store.GetView(addr, 8)
	if err != nil {
		return blob{}, err
	}
	n := binary.LittleEndian.Uint64(lenView.Bytes())
	lenView.Release()

	dataView, err := store.GetView(addr+8, n)
	if err != nil {
		return blob{}, err
	}
	defer dataView.Release()

	data := make([]byte, n)
	copy(data, dataView.Bytes())

	return blob{data: data}, nil
}

func newSpace(t *testing.T, cfg compact.Config) *compact.Space[blob] {
	t.Helper()

	meta := linstore.NewDynamicMem(4096, 0)
	payload := linstore.NewDynamicMem(4096, 1)
	cache := objcache.NewCache[blob](16)

	space, err := compact.NewSpace[blob](meta, payload, cache, hydrateBlobFromStore, cfg)
	require.NoError(t, err)

	return space
}

func TestPutItemThenGetItemRoundTrips(t *testing.T) {
	space := newSpace(t, compact.Config{})

	ref, err := space.PutItem(blob{data: []byte("hello, compact")}, 0)
	require.NoError(t, err)

	addr := ref.Addr()
	require.NoError(t, ref.Close())

	got, err := space.GetItem(addr)
	require.NoError(t, err)
	require.Equal(t, []byte("hello, compact"), got.Value().data)
	require.NoError(t, got.Close())
}

func TestGetItemAliasesOutstandingPinnedRef(t *testing.T) {
	space := newSpace(t, compact.Config{})

	ref, err := space.PutItem(blob{data: []byte("pinned")}, 0)
	require.NoError(t, err)

	// addr is pinned (ref is still open); GetItem must miss the idle
	// cache and re-hydrate straight from disk rather than erroring.
	again, err := space.GetItem(ref.Addr())
	require.NoError(t, err)
	require.Equal(t, []byte("pinned"), again.Value().data)

	require.NoError(t, ref.Close())
	require.NoError(t, again.Close())
}

func TestFreeItemThenGetItemErrorsAsFreed(t *testing.T) {
	space := newSpace(t, compact.Config{})

	ref, err := space.PutItem(blob{data: []byte("temp")}, 0)
	require.NoError(t, err)

	addr := ref.Addr()
	require.NoError(t, ref.Close())
	require.NoError(t, space.FreeItem(addr))

	_, err = space.GetItem(addr)
	require.Error(t, err)
}

func TestDoubleFreeErrors(t *testing.T) {
	space := newSpace(t, compact.Config{})

	ref, err := space.PutItem(blob{data: []byte("x")}, 0)
	require.NoError(t, err)

	addr := ref.Addr()
	require.NoError(t, ref.Close())
	require.NoError(t, space.FreeItem(addr))

	err = space.FreeItem(addr)
	require.ErrorIs(t, err, compact.ErrDoubleFree)
}

func TestFreedSlotIsReusedByLaterAllocation(t *testing.T) {
	space := newSpace(t, compact.Config{})

	first, err := space.PutItem(blob{data: make([]byte, 40)}, 0)
	require.NoError(t, err)
	firstAddr := first.Addr()
	require.NoError(t, first.Close())
	require.NoError(t, space.FreeItem(firstAddr))

	tailBefore := space.PayloadTail()

	second, err := space.PutItem(blob{data: make([]byte, 40)}, 0)
	require.NoError(t, err)
	defer second.Close()

	// A same-size allocation after a free should be satisfied from the
	// free list rather than growing the tail further.
	require.Equal(t, tailBefore, space.PayloadTail())
	require.Equal(t, firstAddr, second.Addr())
}

func TestCoalescesAdjacentFreedNeighbors(t *testing.T) {
	space := newSpace(t, compact.Config{})

	a, err := space.PutItem(blob{data: make([]byte, 32)}, 0)
	require.NoError(t, err)
	b, err := space.PutItem(blob{data: make([]byte, 32)}, 0)
	require.NoError(t, err)
	c, err := space.PutItem(blob{data: make([]byte, 32)}, 0)
	require.NoError(t, err)

	addrA, addrB, addrC := a.Addr(), b.Addr(), c.Addr()
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	require.NoError(t, c.Close())

	require.NoError(t, space.FreeItem(addrA))
	require.NoError(t, space.FreeItem(addrC))
	require.NoError(t, space.FreeItem(addrB)) // merges with both neighbors

	// A single allocation big enough to need all three original slots
	// combined should now be satisfiable without growing the tail, proof
	// that free_item coalesced the run into one block.
	tailBefore := space.PayloadTail()

	big, err := space.PutItem(blob{data: make([]byte, 32*3+32*2)}, 0)
	require.NoError(t, err)
	defer big.Close()

	require.Equal(t, tailBefore, space.PayloadTail())
}

func TestFreeListTotalsAccountForAllFreedBytes(t *testing.T) {
	space := newSpace(t, compact.Config{})

	refs := make([]*objcache.ObjRef[blob], 0, 4)
	for i := 0; i < 4; i++ {
		ref, err := space.PutItem(blob{data: make([]byte, 16)}, 0)
		require.NoError(t, err)
		refs = append(refs, ref)
	}

	for _, ref := range refs {
		require.NoError(t, ref.Close())
		require.NoError(t, space.FreeItem(ref.Addr()))
	}

	totals, err := space.FreeListTotals()
	require.NoError(t, err)

	var sum uint64
	for _, t := range totals {
		sum += t
	}

	require.Equal(t, space.PayloadTail()-space.ReservedSize(), sum)
}

func TestOpenSpaceRejectsCorruptHeader(t *testing.T) {
	meta := linstore.NewDynamicMem(4096, 0)
	payload := linstore.NewDynamicMem(4096, 1)
	cache := objcache.NewCache[blob](16)

	_, err := compact.NewSpace[blob](meta, payload, cache, hydrateBlobFromStore, compact.Config{})
	require.NoError(t, err)

	// Corrupt a byte inside the header (past the magic, inside the
	// payload-tail field) so the checksum no longer matches.
	corrupt := make([]byte, 8)
	binary.LittleEndian.PutUint64(corrupt, 0xdeadbeef)
	require.NoError(t, meta.Write(24, corrupt))

	_, err = compact.OpenSpace[blob](meta, payload, cache, hydrateBlobFromStore, compact.Config{})
	require.ErrorIs(t, err, compact.ErrInvalidHeader)
}

func TestOpenSpaceReopensValidHeader(t *testing.T) {
	meta := linstore.NewDynamicMem(4096, 0)
	payload := linstore.NewDynamicMem(4096, 1)
	cache := objcache.NewCache[blob](16)

	space, err := compact.NewSpace[blob](meta, payload, cache, hydrateBlobFromStore, compact.Config{})
	require.NoError(t, err)

	ref, err := space.PutItem(blob{data: []byte("durable")}, 0)
	require.NoError(t, err)
	addr := ref.Addr()
	require.NoError(t, ref.Close())

	reopened, err := compact.OpenSpace[blob](meta, payload, objcache.NewCache[blob](16), hydrateBlobFromStore, compact.Config{})
	require.NoError(t, err)
	require.Equal(t, space.PayloadTail(), reopened.PayloadTail())

	got, err := reopened.GetItem(addr)
	require.NoError(t, err)
	require.Equal(t, []byte("durable"), got.Value().data)
	require.NoError(t, got.Close())
}

func TestNullAddressErrorsOnGetAndFree(t *testing.T) {
	space := newSpace(t, compact.Config{})

	_, err := space.GetItem(linstore.NullAddress)
	require.ErrorIs(t, err, compact.ErrNullAddress)

	err = space.FreeItem(linstore.NullAddress)
	require.ErrorIs(t, err, compact.ErrNullAddress)
}

// emptyRecord is a Storable whose serialized form is zero bytes, for the
// zero-length allocation boundary.
type emptyRecord struct{}

func (emptyRecord) DehydratedLen() uint64  { return 0 }
func (emptyRecord) Dehydrate([]byte) error { return nil }
func (emptyRecord) IsMemMapped() bool      { return false }

func hydrateEmpty(linstore.DiskAddress, linstore.LinearStore) (emptyRecord, error) {
	return emptyRecord{}, nil
}

func TestZeroLengthAllocation(t *testing.T) {
	meta := linstore.NewDynamicMem(0x2000, 0)
	payload := linstore.NewDynamicMem(0x2000, 1)

	space, err := compact.NewSpace[emptyRecord](meta, payload, objcache.NewCache[emptyRecord](4), hydrateEmpty, compact.Config{})
	require.NoError(t, err)

	ref, err := space.PutItem(emptyRecord{}, 0)
	require.NoError(t, err)

	addr := ref.Addr()
	require.False(t, addr.IsNull())
	require.NoError(t, ref.Close())

	// The slot's view is empty but well-defined.
	view, err := payload.GetView(addr, 0)
	require.NoError(t, err)
	require.Empty(t, view.Bytes())
	view.Release()

	got, err := space.GetItem(addr)
	require.NoError(t, err)
	require.NoError(t, got.Close())

	require.NoError(t, space.FreeItem(addr))

	_, err = space.GetItem(addr)
	require.ErrorIs(t, err, compact.ErrFreedAddress)
}
