package kvdb

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// reservedPrefix is the header region every space keeps at its front;
// configured space sizes must be strictly greater.
const reservedPrefix = 0x1000

// WalConfig holds the write-ahead-log tunables.
type WalConfig struct {
	// MaxRevisions is the number of retained revisions (and journaled
	// batches). Default 10.
	MaxRevisions int `json:"max_revisions,omitempty"`
}

// DbConfig holds all database options. The zero value plus withDefaults
// is a working configuration; Open validates the rest.
type DbConfig struct {
	// MetaSize and CompactSize are the initial capacities of the meta
	// and payload spaces. Each must be strictly greater than the
	// reserved header prefix (0x1000).
	MetaSize    uint64 `json:"meta_size,omitempty"`
	CompactSize uint64 `json:"compact_size,omitempty"`

	// PayloadMaxWalk bounds the allocator's free-list walk before it
	// bumps the tail. Default 10.
	PayloadMaxWalk int `json:"payload_max_walk,omitempty"`

	// PayloadRegnNBit is the size-class bit-width for the allocator's
	// free lists. Default 16.
	PayloadRegnNBit uint32 `json:"payload_regn_nbit,omitempty"`

	// CacheSize bounds the node object cache. Default 256.
	CacheSize int `json:"cache_size,omitempty"`

	// Truncate wipes the database directory on open. Default false.
	Truncate bool `json:"truncate,omitempty"`

	Wal WalConfig `json:"wal,omitempty"`
}

func (c DbConfig) withDefaults() DbConfig {
	if c.MetaSize == 0 {
		c.MetaSize = 0x100000
	}

	if c.CompactSize == 0 {
		c.CompactSize = 0x100000
	}

	if c.PayloadMaxWalk <= 0 {
		c.PayloadMaxWalk = 10
	}

	if c.PayloadRegnNBit == 0 {
		c.PayloadRegnNBit = 16
	}

	if c.CacheSize <= 0 {
		c.CacheSize = 256
	}

	if c.Wal.MaxRevisions <= 0 {
		c.Wal.MaxRevisions = 10
	}

	return c
}

func (c DbConfig) validate() error {
	if c.MetaSize <= reservedPrefix {
		return fmt.Errorf("kvdb: meta_size 0x%x must exceed the reserved prefix 0x%x", c.MetaSize, reservedPrefix)
	}

	if c.CompactSize <= reservedPrefix {
		return fmt.Errorf("kvdb: compact_size 0x%x must exceed the reserved prefix 0x%x", c.CompactSize, reservedPrefix)
	}

	return nil
}

// DbConfigBuilder assembles a DbConfig a call at a time.
type DbConfigBuilder struct {
	cfg DbConfig
}

// NewDbConfig starts a builder.
func NewDbConfig() *DbConfigBuilder { return &DbConfigBuilder{} }

// MetaSize sets the meta space's initial capacity.
func (b *DbConfigBuilder) MetaSize(n uint64) *DbConfigBuilder { b.cfg.MetaSize = n; return b }

// CompactSize sets the payload space's initial capacity.
func (b *DbConfigBuilder) CompactSize(n uint64) *DbConfigBuilder { b.cfg.CompactSize = n; return b }

// PayloadMaxWalk sets the allocator's free-list walk bound.
func (b *DbConfigBuilder) PayloadMaxWalk(n int) *DbConfigBuilder { b.cfg.PayloadMaxWalk = n; return b }

// PayloadRegnNBit sets the allocator's size-class bit-width.
func (b *DbConfigBuilder) PayloadRegnNBit(n uint32) *DbConfigBuilder {
	b.cfg.PayloadRegnNBit = n
	return b
}

// CacheSize sets the node cache bound.
func (b *DbConfigBuilder) CacheSize(n int) *DbConfigBuilder { b.cfg.CacheSize = n; return b }

// Truncate sets whether Open wipes an existing directory.
func (b *DbConfigBuilder) Truncate(t bool) *DbConfigBuilder { b.cfg.Truncate = t; return b }

// Wal sets the WAL options.
func (b *DbConfigBuilder) Wal(w WalConfig) *DbConfigBuilder { b.cfg.Wal = w; return b }

// Build returns the assembled config.
func (b *DbConfigBuilder) Build() DbConfig { return b.cfg }

// LoadConfig reads a DbConfig from a HuJSON (JSON with comments and
// trailing commas) file. Missing fields keep their defaults.
func LoadConfig(path string) (DbConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return DbConfig{}, fmt.Errorf("kvdb: reading config %s: %w", path, err)
	}

	std, err := hujson.Standardize(raw)
	if err != nil {
		return DbConfig{}, fmt.Errorf("kvdb: parsing config %s: %w", path, err)
	}

	var cfg DbConfig
	if err := json.Unmarshal(std, &cfg); err != nil {
		return DbConfig{}, fmt.Errorf("kvdb: decoding config %s: %w", path, err)
	}

	return cfg, nil
}
