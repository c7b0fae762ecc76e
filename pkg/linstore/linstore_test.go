package linstore_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/revtrie/revtrie/pkg/linstore"
)

func newStores(t *testing.T) map[string]linstore.LinearStore {
	t.Helper()

	dir := t.TempDir()

	fileDynamic, err := linstore.OpenFileStore(filepath.Join(dir, "dyn.db"), 2, 64, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fileDynamic.Close() })

	fileFixed, err := linstore.OpenFileStore(filepath.Join(dir, "fixed.db"), 3, 64, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fileFixed.Close() })

	return map[string]linstore.LinearStore{
		"PlainMem":        linstore.NewPlainMem(64, 0),
		"DynamicMem":      linstore.NewDynamicMem(64, 1),
		"FileStore/fixed": fileFixed,
		"FileStore/dyn":   fileDynamic,
	}
}

func TestWriteThenViewRoundTrips(t *testing.T) {
	for name, store := range newStores(t) {
		store := store

		t.Run(name, func(t *testing.T) {
			data := []byte("hello, world")

			require.NoError(t, store.Write(8, data))

			view, err := store.GetView(8, uint64(len(data)))
			require.NoError(t, err)
			defer view.Release()

			require.Equal(t, data, view.Bytes())
		})
	}
}

func TestZeroLengthViewIsEmpty(t *testing.T) {
	for name, store := range newStores(t) {
		store := store

		t.Run(name, func(t *testing.T) {
			view, err := store.GetView(4, 0)
			require.NoError(t, err)
			defer view.Release()

			require.Empty(t, view.Bytes())
		})
	}
}

func TestZeroLengthWriteIsNoop(t *testing.T) {
	for name, store := range newStores(t) {
		store := store

		t.Run(name, func(t *testing.T) {
			before := store.Capacity()
			require.NoError(t, store.Write(0, nil))
			require.Equal(t, before, store.Capacity())
		})
	}
}

func TestOutOfRangeViewErrors(t *testing.T) {
	for name, store := range newStores(t) {
		store := store

		t.Run(name, func(t *testing.T) {
			_, err := store.GetView(linstore.DiskAddress(store.Capacity()+1), 8)
			require.Error(t, err)
			require.True(t, errors.Is(err, linstore.ErrOutOfRange))
		})
	}
}

func TestPlainMemWritePastEndPanics(t *testing.T) {
	store := linstore.NewPlainMem(8, 0)

	require.Panics(t, func() {
		_ = store.Write(4, []byte("too long for this"))
	})
}

func TestFixedFileStoreWritePastEndErrors(t *testing.T) {
	dir := t.TempDir()

	store, err := linstore.OpenFileStore(filepath.Join(dir, "fixed.db"), 5, 16, false)
	require.NoError(t, err)
	defer store.Close()

	err = store.Write(8, make([]byte, 16))
	require.Error(t, err)
	require.True(t, errors.Is(err, linstore.ErrOutOfRange))
}

func TestDynamicMemGrowsAndZeroFills(t *testing.T) {
	store := linstore.NewDynamicMem(4, 0)

	require.NoError(t, store.Write(100, []byte("x")))
	require.GreaterOrEqual(t, store.Capacity(), uint64(101))

	view, err := store.GetView(0, 100)
	require.NoError(t, err)
	defer view.Release()

	for _, b := range view.Bytes() {
		require.Zero(t, b)
	}
}

func TestFileStoreDynamicGrowsAcrossRemap(t *testing.T) {
	dir := t.TempDir()

	store, err := linstore.OpenFileStore(filepath.Join(dir, "dyn.db"), 9, 16, true)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Write(1000, []byte("grown")))

	view, err := store.GetView(1000, 5)
	require.NoError(t, err)
	defer view.Release()

	require.Equal(t, []byte("grown"), view.Bytes())
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persist.db")

	store, err := linstore.OpenFileStore(path, 1, 64, false)
	require.NoError(t, err)
	require.NoError(t, store.Write(0, []byte("abc123")))
	require.NoError(t, store.Sync())
	require.NoError(t, store.Close())

	reopened, err := linstore.OpenFileStore(path, 1, 64, false)
	require.NoError(t, err)
	defer reopened.Close()

	view, err := reopened.GetView(0, 6)
	require.NoError(t, err)
	defer view.Release()

	require.Equal(t, []byte("abc123"), view.Bytes())
}

func TestDynamicMemSnapshotIsIndependent(t *testing.T) {
	store := linstore.NewDynamicMem(8, 4)
	require.NoError(t, store.Write(0, []byte("original")))

	snap := store.Snapshot()

	require.NoError(t, store.Write(0, []byte("mutated!")))

	view, err := snap.GetView(0, 8)
	require.NoError(t, err)
	defer view.Release()

	require.Equal(t, []byte("original"), view.Bytes())
}

func TestWriteVisibleToViewIssuedBefore(t *testing.T) {
	// "Writes are visible immediately to
	// any later-issued view" and existing in-memory stores alias their
	// buffer, so a view issued before a write may observe it afterward.
	store := linstore.NewPlainMem(16, 0)
	require.NoError(t, store.Write(0, []byte("aaaaaaaa")))

	view, err := store.GetView(0, 8)
	require.NoError(t, err)
	defer view.Release()

	require.NoError(t, store.Write(0, []byte("bbbbbbbb")))
	require.Equal(t, []byte("bbbbbbbb"), view.Bytes())
}

func TestGetSharedAliasesStore(t *testing.T) {
	store := linstore.NewDynamicMem(8, 2)
	shared := store.GetShared()

	require.NoError(t, shared.Write(0, []byte("shared")))

	view, err := store.GetView(0, 6)
	require.NoError(t, err)
	defer view.Release()

	require.Equal(t, []byte("shared"), view.Bytes())
}

