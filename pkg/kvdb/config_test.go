package kvdb_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/revtrie/revtrie/pkg/kvdb"
)

func TestLoadConfigHuJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.hujson")

	// JSON with comments and a trailing comma, the way a human edits it.
	content := `{
	// space capacities
	"meta_size": 1048576,
	"compact_size": 1048576,
	"payload_max_walk": 5,
	"wal": {
		"max_revisions": 4,
	},
}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := kvdb.LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, uint64(0x100000), cfg.MetaSize)
	require.Equal(t, uint64(0x100000), cfg.CompactSize)
	require.Equal(t, 5, cfg.PayloadMaxWalk)
	require.Equal(t, 4, cfg.Wal.MaxRevisions)
	require.False(t, cfg.Truncate)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := kvdb.LoadConfig(filepath.Join(t.TempDir(), "missing.hujson"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.hujson")
	require.NoError(t, os.WriteFile(path, []byte("{not valid"), 0o644))

	_, err = kvdb.LoadConfig(path)
	require.Error(t, err)
}

func TestConfigValidation(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cfg_db")

	// Sizes at or below the reserved prefix are rejected.
	_, err := kvdb.Open(dir, kvdb.NewDbConfig().MetaSize(0x1000).CompactSize(0x100000).Build())
	require.Error(t, err)

	_, err = kvdb.Open(dir, kvdb.NewDbConfig().MetaSize(0x100000).CompactSize(0x800).Build())
	require.Error(t, err)
}

func TestBuilderDefaults(t *testing.T) {
	cfg := kvdb.NewDbConfig().Build()

	// Defaults are applied by Open, not Build; Build returns what was
	// set.
	require.Zero(t, cfg.MetaSize)
	require.False(t, cfg.Truncate)

	cfg = kvdb.NewDbConfig().
		PayloadMaxWalk(3).
		PayloadRegnNBit(8).
		CacheSize(32).
		Truncate(true).
		Wal(kvdb.WalConfig{MaxRevisions: 2}).
		Build()

	require.Equal(t, 3, cfg.PayloadMaxWalk)
	require.Equal(t, uint32(8), cfg.PayloadRegnNBit)
	require.Equal(t, 32, cfg.CacheSize)
	require.True(t, cfg.Truncate)
	require.Equal(t, 2, cfg.Wal.MaxRevisions)
}
