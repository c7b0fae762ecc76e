package walog_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/revtrie/revtrie/pkg/fs"
	"github.com/revtrie/revtrie/pkg/linstore"
	"github.com/revtrie/revtrie/pkg/walog"
)

func openWal(t *testing.T, path string, max int) *walog.Wal {
	t.Helper()

	w, err := walog.Open(fs.NewReal(), path, max)
	require.NoError(t, err)

	t.Cleanup(func() { _ = w.Close() })

	return w
}

func batchN(n byte) walog.Batch {
	var hash [32]byte
	hash[0] = n

	return walog.Batch{
		RootHash: hash,
		RootAddr: uint64(n) * 0x100,
		Writes: []walog.DiskWrite{
			{SpaceID: 0x0, SpaceOff: 0, Data: []byte{n, n}, Prev: []byte{n - 1, n - 1}},
			{SpaceID: 0x1, SpaceOff: 0x1000 * uint64(n), Data: []byte("payload"), Prev: []byte{0, 0, 0, 0, 0, 0, 0}},
		},
	}
}

func TestAppendAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.db")

	w := openWal(t, path, 10)

	for n := byte(1); n <= 3; n++ {
		require.NoError(t, w.Append(batchN(n)))
	}

	newest, ok := w.Newest()
	require.True(t, ok)
	require.Equal(t, batchN(3), newest)
	require.NoError(t, w.Close())

	// Everything survives a reopen, byte for byte, in order.
	reopened := openWal(t, path, 10)

	want := []walog.Batch{batchN(1), batchN(2), batchN(3)}
	if diff := cmp.Diff(want, reopened.Batches()); diff != "" {
		t.Fatalf("batches mismatch after reopen (-want +got):\n%s", diff)
	}
}

func TestRingRetention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.db")

	w := openWal(t, path, 3)

	for n := byte(1); n <= 7; n++ {
		require.NoError(t, w.Append(batchN(n)))
	}

	batches := w.Batches()
	require.Len(t, batches, 3)
	require.Equal(t, batchN(5), batches[0])
	require.Equal(t, batchN(7), batches[2])
	require.NoError(t, w.Close())

	// The compacted ring is what persists.
	reopened := openWal(t, path, 3)
	require.Len(t, reopened.Batches(), 3)
	require.Equal(t, batchN(5), reopened.Batches()[0])
}

func TestTornTailDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.db")

	w := openWal(t, path, 10)
	require.NoError(t, w.Append(batchN(1)))
	require.NoError(t, w.Append(batchN(2)))
	require.NoError(t, w.Close())

	// Tear the second block mid-body.
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-5))

	reopened := openWal(t, path, 10)

	batches := reopened.Batches()
	require.Len(t, batches, 1)
	require.Equal(t, batchN(1), batches[0])

	// Appending over the healed tail works.
	require.NoError(t, reopened.Append(batchN(9)))
	require.NoError(t, reopened.Close())

	final := openWal(t, path, 10)
	require.Len(t, final.Batches(), 2)
}

func TestCorruptBlockHaltsScan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.db")

	w := openWal(t, path, 10)
	require.NoError(t, w.Append(batchN(1)))
	require.NoError(t, w.Append(batchN(2)))

	require.NoError(t, w.Close())

	// Flip a byte inside the first block's body: that block and
	// everything after it is dropped.
	raw, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	raw[80] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	reopened := openWal(t, path, 10)
	require.Empty(t, reopened.Batches())
}

func TestEmptyJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.db")

	w := openWal(t, path, 10)

	_, ok := w.Newest()
	require.False(t, ok)
	require.Empty(t, w.Batches())
}

func TestRecordedStoreCapturesWrites(t *testing.T) {
	inner := linstore.NewDynamicMem(0x100, 0x7)
	require.NoError(t, inner.Write(0x10, []byte("old")))

	rec := walog.NewRecordedStore(inner)

	require.NoError(t, rec.Write(0x10, []byte("abc")))
	require.NoError(t, rec.Write(0x20, nil)) // zero-length writes are not journaled
	require.NoError(t, rec.Write(0x40, []byte{0x1}))

	batch := rec.Drain()
	require.Equal(t, []walog.DiskWrite{
		{SpaceID: 0x7, SpaceOff: 0x10, Data: []byte("abc"), Prev: []byte("old")},
		{SpaceID: 0x7, SpaceOff: 0x40, Data: []byte{0x1}, Prev: []byte{0x0}},
	}, batch)

	// Drain resets.
	require.Empty(t, rec.Drain())

	// The wrapped store saw the bytes.
	view, err := inner.GetView(0x10, 3)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), view.Bytes())
	view.Release()
}

func TestRecordedStorePreImagePastCapacity(t *testing.T) {
	inner := linstore.NewDynamicMem(4, 0x2)
	rec := walog.NewRecordedStore(inner)

	// A growing write straddles the old capacity; the pre-image reads
	// the live prefix and zero-fills the stretch being created.
	require.NoError(t, inner.Write(0, []byte{1, 2, 3, 4}))
	require.NoError(t, rec.Write(2, []byte{9, 9, 9, 9}))

	batch := rec.Drain()
	require.Len(t, batch, 1)
	require.Equal(t, []byte{3, 4, 0, 0}, batch[0].Prev)
	require.Equal(t, []byte{9, 9, 9, 9}, batch[0].Data)
}
