// Package kvdb wires the storage substrate into the embedded, versioned
// key/value store: a Merkle trie over a compact space, journaled through
// the write-ahead log, with every commit frozen into an immutable
// revision resolvable by its root hash.
//
// The database directory holds four files: meta.db and compact.db, the
// dense linear images of the two spaces; wal.db, the bounded journal; and
// revdb.version, the marker that identifies a bootstrapped database.
// The working state lives in in-memory copies of the spaces; a commit
// journals the batch first, then lands it on the mmap'd files, so a torn
// commit is healed by re-applying the newest journaled batch on the next
// open.
package kvdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/revtrie/revtrie/pkg/compact"
	"github.com/revtrie/revtrie/pkg/fs"
	"github.com/revtrie/revtrie/pkg/linstore"
	"github.com/revtrie/revtrie/pkg/merkle"
	"github.com/revtrie/revtrie/pkg/objcache"
	"github.com/revtrie/revtrie/pkg/revision"
	"github.com/revtrie/revtrie/pkg/walog"
)

// Space identifiers, also the space_id byte of every WAL frame.
const (
	MetaSpace    linstore.SpaceId = 0x0
	PayloadSpace linstore.SpaceId = 0x1
)

const (
	metaFileName    = "meta.db"
	payloadFileName = "compact.db"
	walFileName     = "wal.db"

	// versionFileName marks a directory as a bootstrapped database; it
	// is written atomically as the last step of bootstrap, so a crash
	// mid-bootstrap leaves a directory Open refuses to mistake for a
	// database.
	versionFileName = "revdb.version"
)

const versionFileContent = "revtrie 1\n"

var (
	// ErrDirExists is returned by Open when the directory already exists
	// but does not hold a database, and Truncate was not requested.
	ErrDirExists = errors.New("kvdb: directory exists")

	// ErrKeyNotFound is returned by KVGet for an absent key.
	ErrKeyNotFound = errors.New("kvdb: key not found")

	// ErrClosed is returned for operations on a closed Db.
	ErrClosed = errors.New("kvdb: closed")

	// ErrBusy is returned by Commit when trie objects are still pinned
	// at flush time, which means a caller leaked an open handle.
	ErrBusy = errors.New("kvdb: objects still pinned")

	// ErrInvalidHeader is returned when the database header in the meta
	// space fails validation. Fatal; the database cannot be opened.
	ErrInvalidHeader = errors.New("kvdb: invalid database header")
)

// Database header, stored in the meta space's reserved prefix above the
// allocator's own header: magic(4) + version(4) + rootAddr(8) +
// rootHash(32) + crc32c(4).
const (
	dbHeaderOff  = 0xF00
	dbHeaderSize = 52
)

var dbMagic = [4]byte{'R', 'T', 'D', 'B'}

// Db is the embedded store. A single committer mutates it; read-only
// revisions are handed to any number of threads.
type Db struct {
	mu   sync.Mutex
	dir  string
	cfg  DbConfig
	fsys fs.FS

	metaFile    *linstore.FileStore
	payloadFile *linstore.FileStore

	workMeta    *linstore.DynamicMem
	workPayload *linstore.DynamicMem
	recMeta     *walog.RecordedStore
	recPayload  *walog.RecordedStore

	space    *compact.Space[*merkle.Node]
	trie     *merkle.Merkle
	wal      *walog.Wal
	registry *revision.Registry

	root   linstore.DiskAddress
	hash   merkle.TrieHash
	closed bool
}

// Open opens (or creates) the database at dir. A brand-new directory is
// bootstrapped with an empty trie and an initial commit; an existing
// database is recovered from its files plus the journal. A directory
// that exists but holds no database fails with ErrDirExists unless
// cfg.Truncate wipes it.
func Open(dir string, cfg DbConfig) (*Db, error) {
	cfg = cfg.withDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	fsys := fs.NewReal()

	exists, err := fsys.Exists(dir)
	if err != nil {
		return nil, fmt.Errorf("kvdb: stat %s: %w", dir, err)
	}

	if exists && cfg.Truncate {
		if err := fsys.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("kvdb: truncating %s: %w", dir, err)
		}

		exists = false
	}

	if exists {
		bootstrapped, err := fsys.Exists(filepath.Join(dir, versionFileName))
		if err != nil {
			return nil, fmt.Errorf("kvdb: stat %s: %w", dir, err)
		}

		if !bootstrapped {
			return nil, fmt.Errorf("%w: %s holds no database (pass truncate to wipe it)", ErrDirExists, dir)
		}
	} else {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("kvdb: mkdir %s: %w", dir, err)
		}
	}

	db := &Db{dir: dir, cfg: cfg, fsys: fsys}

	if err := db.open(!exists); err != nil {
		db.closeFiles()
		return nil, err
	}

	if !exists {
		writer := fs.NewAtomicWriter(fsys)

		err := writer.Write(filepath.Join(dir, versionFileName), strings.NewReader(versionFileContent), fs.AtomicWriteOptions{
			SyncDir: true,
			Perm:    0o644,
		})
		if err != nil {
			db.closeFiles()
			return nil, fmt.Errorf("kvdb: writing version marker: %w", err)
		}
	}

	return db, nil
}

func (db *Db) open(fresh bool) error {
	var err error

	db.metaFile, err = linstore.OpenFileStore(filepath.Join(db.dir, metaFileName), MetaSpace, db.cfg.MetaSize, true)
	if err != nil {
		return err
	}

	db.payloadFile, err = linstore.OpenFileStore(filepath.Join(db.dir, payloadFileName), PayloadSpace, db.cfg.CompactSize, true)
	if err != nil {
		return err
	}

	db.wal, err = walog.Open(db.fsys, filepath.Join(db.dir, walFileName), db.cfg.Wal.MaxRevisions)
	if err != nil {
		return err
	}

	// Heal a commit that journaled but died before landing on the
	// files. Re-applying an already-landed batch writes the same bytes
	// again, so this is safe to do unconditionally.
	if newest, ok := db.wal.Newest(); ok {
		if err := db.applyToFiles(newest.Writes); err != nil {
			return err
		}
	}

	if err := db.loadWorkingCopies(); err != nil {
		return err
	}

	cache := objcache.NewCache[*merkle.Node](db.cfg.CacheSize)
	ccfg := compact.Config{
		PayloadMaxWalk:  db.cfg.PayloadMaxWalk,
		PayloadRegnNBit: db.cfg.PayloadRegnNBit,
		ReservedSize:    reservedPrefix,
	}

	if fresh {
		return db.bootstrap(cache, ccfg)
	}

	db.space, err = compact.OpenSpace[*merkle.Node](db.recMeta, db.recPayload, cache, merkle.HydrateNode, ccfg)
	if err != nil {
		return err
	}

	db.trie = merkle.New(db.space)

	if db.root, db.hash, err = db.readHeader(); err != nil {
		return err
	}

	db.registry = revision.NewRegistry(db.cfg.Wal.MaxRevisions)
	db.rebuildRevisions()

	return nil
}

// bootstrap initializes a fresh database: allocator header, empty root
// branch, database header, and the initial commit that makes revision 0
// the empty trie.
func (db *Db) bootstrap(cache *objcache.Cache[*merkle.Node], ccfg compact.Config) error {
	var err error

	db.space, err = compact.NewSpace[*merkle.Node](db.recMeta, db.recPayload, cache, merkle.HydrateNode, ccfg)
	if err != nil {
		return err
	}

	db.trie = merkle.New(db.space)

	db.root, err = db.trie.InitRoot()
	if err != nil {
		return err
	}

	db.hash, err = db.trie.RootHash(db.root)
	if err != nil {
		return err
	}

	db.registry = revision.NewRegistry(db.cfg.Wal.MaxRevisions)

	return db.commitLocked()
}

func (db *Db) loadWorkingCopies() error {
	var err error

	db.workMeta, err = loadInto(db.metaFile, MetaSpace)
	if err != nil {
		return err
	}

	db.workPayload, err = loadInto(db.payloadFile, PayloadSpace)
	if err != nil {
		return err
	}

	db.recMeta = walog.NewRecordedStore(db.workMeta)
	db.recPayload = walog.NewRecordedStore(db.workPayload)

	return nil
}

// loadInto copies a file store's current image into a fresh DynamicMem.
func loadInto(file *linstore.FileStore, id linstore.SpaceId) (*linstore.DynamicMem, error) {
	capacity := file.Capacity()
	mem := linstore.NewDynamicMem(capacity, id)

	if capacity == 0 {
		return mem, nil
	}

	view, err := file.GetView(0, capacity)
	if err != nil {
		return nil, err
	}
	defer view.Release()

	if err := mem.Write(0, view.Bytes()); err != nil {
		return nil, err
	}

	return mem, nil
}

// rebuildRevisions re-derives the revision ring from the journal: the
// newest batch corresponds to the current state; walking the retained
// batches backwards and applying their pre-images reconstructs each
// older revision's spaces.
func (db *Db) rebuildRevisions() {
	batches := db.wal.Batches()
	if len(batches) == 0 {
		return
	}

	undoMeta := db.workMeta.Snapshot()
	undoPayload := db.workPayload.Snapshot()

	revs := make([]*revision.Revision, 0, len(batches))

	for i := len(batches) - 1; i >= 0; i-- {
		b := batches[i]

		revs = append(revs, &revision.Revision{
			Hash:     merkle.TrieHash(b.RootHash),
			RootAddr: linstore.DiskAddress(b.RootAddr),
			Meta:     undoMeta.Snapshot(),
			Payload:  undoPayload.Snapshot(),
		})

		if i == 0 {
			break
		}

		// Un-apply this batch to step the undo copies back to the
		// previous revision's bytes.
		for j := len(b.Writes) - 1; j >= 0; j-- {
			dw := b.Writes[j]

			target := undoPayload
			if dw.SpaceID == MetaSpace {
				target = undoMeta
			}

			// Undo copies are in-memory; Write cannot fail short of
			// address-space exhaustion.
			_ = target.Write(linstore.DiskAddress(dw.SpaceOff), dw.Prev)
		}
	}

	// revs is newest-first; the registry wants insertion in commit
	// order.
	for i := len(revs) - 1; i >= 0; i-- {
		db.registry.Add(revs[i])
	}
}

// applyToFiles lands journaled writes on the durable file images and
// syncs them.
func (db *Db) applyToFiles(writes []walog.DiskWrite) error {
	for _, dw := range writes {
		var target *linstore.FileStore

		switch dw.SpaceID {
		case MetaSpace:
			target = db.metaFile
		case PayloadSpace:
			target = db.payloadFile
		default:
			return fmt.Errorf("%w: unknown space id 0x%x in journal", walog.ErrCorrupt, dw.SpaceID)
		}

		if err := target.Write(linstore.DiskAddress(dw.SpaceOff), dw.Data); err != nil {
			return err
		}
	}

	if err := db.metaFile.Sync(); err != nil {
		return err
	}

	return db.payloadFile.Sync()
}

// writeHeader persists the current root through the recorded meta store
// so it rides in the same journal batch as the writes it summarizes.
func (db *Db) writeHeader() error {
	buf := make([]byte, dbHeaderSize)
	copy(buf[0:4], dbMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], 1)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(db.root))
	copy(buf[16:48], db.hash[:])

	crc := crc32.Checksum(buf[:dbHeaderSize-4], crc32.MakeTable(crc32.Castagnoli))
	binary.LittleEndian.PutUint32(buf[dbHeaderSize-4:], crc)

	return db.recMeta.Write(dbHeaderOff, buf)
}

func (db *Db) readHeader() (linstore.DiskAddress, merkle.TrieHash, error) {
	view, err := db.workMeta.GetView(dbHeaderOff, dbHeaderSize)
	if err != nil {
		return 0, merkle.TrieHash{}, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	defer view.Release()

	buf := view.Bytes()

	var magic [4]byte
	copy(magic[:], buf[0:4])

	if magic != dbMagic {
		return 0, merkle.TrieHash{}, fmt.Errorf("%w: bad magic %q", ErrInvalidHeader, magic)
	}

	stored := binary.LittleEndian.Uint32(buf[dbHeaderSize-4:])
	computed := crc32.Checksum(buf[:dbHeaderSize-4], crc32.MakeTable(crc32.Castagnoli))

	if stored != computed {
		return 0, merkle.TrieHash{}, fmt.Errorf("%w: checksum mismatch", ErrInvalidHeader)
	}

	root := linstore.DiskAddress(binary.LittleEndian.Uint64(buf[8:16]))

	var hash merkle.TrieHash
	copy(hash[:], buf[16:48])

	return root, hash, nil
}

// commitLocked runs the commit path for whatever mutations the recorded
// stores have accumulated: flush dirty objects, compute the new root
// hash, persist the header, journal the batch, land it on the files, and
// install the new revision. Caller must hold db.mu.
func (db *Db) commitLocked() error {
	flushed, err := db.space.FlushDirty()
	if err != nil {
		return err
	}

	if !flushed {
		return ErrBusy
	}

	db.hash, err = db.trie.RootHash(db.root)
	if err != nil {
		return err
	}

	if err := db.writeHeader(); err != nil {
		return err
	}

	writes := append(db.recMeta.Drain(), db.recPayload.Drain()...)

	batch := walog.Batch{
		RootHash: db.hash,
		RootAddr: uint64(db.root),
		Writes:   writes,
	}

	if err := db.wal.Append(batch); err != nil {
		return err
	}

	if err := db.applyToFiles(writes); err != nil {
		return err
	}

	db.registry.Add(&revision.Revision{
		Hash:     db.hash,
		RootAddr: db.root,
		Meta:     db.workMeta.Snapshot(),
		Payload:  db.workPayload.Snapshot(),
	})

	return nil
}

// NewProposal stages a batch of operations. Nothing is visible through
// the database until the proposal commits.
func (db *Db) NewProposal(batch []BatchOp) (*Proposal, error) {
	for i, op := range batch {
		if len(op.Key) == 0 {
			return nil, fmt.Errorf("kvdb: batch op %d has an empty key", i)
		}
	}

	ops := make([]BatchOp, len(batch))
	for i, op := range batch {
		ops[i] = BatchOp{
			Key:    append([]byte(nil), op.Key...),
			Value:  append([]byte(nil), op.Value...),
			Delete: op.Delete,
		}
	}

	return &Proposal{db: db, ops: ops}, nil
}

// commitProposal applies a proposal's operations and commits.
func (db *Db) commitProposal(ops []BatchOp) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}

	for _, op := range ops {
		var err error

		if op.Delete {
			_, db.root, err = db.trie.Remove(op.Key, db.root)
			if errors.Is(err, merkle.ErrNotFound) {
				err = nil
			}
		} else {
			db.root, err = db.trie.Insert(op.Key, op.Value, db.root)
		}

		if err != nil {
			return err
		}
	}

	return db.commitLocked()
}

// KVGet returns the value stored at key, or ErrKeyNotFound.
func (db *Db) KVGet(key []byte) ([]byte, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, ErrClosed
	}

	value, err := db.trie.Get(key, db.root)
	if errors.Is(err, merkle.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}

	return value, err
}

// KVRootHash returns the root hash of the current (last committed)
// state.
func (db *Db) KVRootHash() (merkle.TrieHash, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return merkle.TrieHash{}, ErrClosed
	}

	return db.hash, nil
}

// KVDump writes every key/value pair of the current state to w.
func (db *Db) KVDump(w io.Writer) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}

	return db.trie.Dump(db.root, w)
}

// Prove returns an inclusion proof for key against the current state.
func (db *Db) Prove(key []byte) ([][]byte, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, ErrClosed
	}

	return db.trie.Prove(key, db.root)
}

// GetRevision resolves a revision by root hash. Unknown or evicted
// hashes return (nil, false).
func (db *Db) GetRevision(hash merkle.TrieHash) (*Revision, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, false
	}

	rev, ok := db.registry.Get(hash)
	if !ok {
		return nil, false
	}

	return db.deriveRevision(rev)
}

// RevisionAt resolves a revision by recency: 0 is the newest.
func (db *Db) RevisionAt(index int) (*Revision, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, false
	}

	rev, ok := db.registry.At(index)
	if !ok {
		return nil, false
	}

	return db.deriveRevision(rev)
}

// Revisions returns the retained root hashes, newest first.
func (db *Db) Revisions() []merkle.TrieHash {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}

	return db.registry.Hashes()
}

// deriveRevision builds a read-only trie view over a snapshot's spaces.
func (db *Db) deriveRevision(rev *revision.Revision) (*Revision, bool) {
	cache := objcache.NewCache[*merkle.Node](db.cfg.CacheSize)
	ccfg := compact.Config{
		PayloadMaxWalk:  db.cfg.PayloadMaxWalk,
		PayloadRegnNBit: db.cfg.PayloadRegnNBit,
		ReservedSize:    reservedPrefix,
	}

	space, err := compact.OpenSpace[*merkle.Node](rev.Meta.GetShared(), rev.Payload.GetShared(), cache, merkle.HydrateNode, ccfg)
	if err != nil {
		return nil, false
	}

	return &Revision{
		hash: rev.Hash,
		root: rev.RootAddr,
		trie: merkle.New(space),
	}, true
}

// Close syncs and closes the database files. Committed state is already
// durable; uncommitted proposals are simply dropped.
func (db *Db) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}

	db.closed = true

	return db.closeFiles()
}

func (db *Db) closeFiles() error {
	var errs []error

	if db.wal != nil {
		errs = append(errs, db.wal.Close())
	}

	if db.metaFile != nil {
		errs = append(errs, db.metaFile.Sync(), db.metaFile.Close())
	}

	if db.payloadFile != nil {
		errs = append(errs, db.payloadFile.Sync(), db.payloadFile.Close())
	}

	return errors.Join(errs...)
}
