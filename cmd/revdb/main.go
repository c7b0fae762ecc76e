// revdb is a small CLI for interacting with a revtrie database.
//
// Usage:
//
//	revdb [opts] <db-dir>
//
// Options:
//
//	-c, --config         HuJSON config file (meta/compact sizes, wal options)
//	-t, --truncate       Wipe the directory on open
//	    --meta-size      Meta space capacity (default 0x100000)
//	    --compact-size   Payload space capacity (default 0x100000)
//	    --max-revisions  Retained revisions (default 10)
//
// Commands (in REPL):
//
//	put <key> <value>            Stage a put into the pending batch
//	del <key>                    Stage a delete into the pending batch
//	commit                       Commit the pending batch as one revision
//	get <key>                    Read a key from the current state
//	root                         Show the current root hash
//	revisions                    List retained revision hashes, newest first
//	rev <index> [dump|root]      Inspect a revision by recency index
//	prove <key>                  Prove a key and verify the proof
//	dump                         Dump all pairs of the current state
//	help                         Show this help
//	exit / quit / q              Exit
package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/revtrie/revtrie/pkg/kvdb"
	"github.com/revtrie/revtrie/pkg/proof"
)

func main() {
	if err := run(); err != nil {
		log.SetFlags(0)
		log.Fatalf("error: %v", err)
	}
}

func run() error {
	var (
		configPath   string
		truncate     bool
		metaSize     uint64
		compactSize  uint64
		maxRevisions int
	)

	flag.StringVarP(&configPath, "config", "c", "", "HuJSON config file")
	flag.BoolVarP(&truncate, "truncate", "t", false, "wipe the directory on open")
	flag.Uint64Var(&metaSize, "meta-size", 0, "meta space capacity in bytes")
	flag.Uint64Var(&compactSize, "compact-size", 0, "payload space capacity in bytes")
	flag.IntVar(&maxRevisions, "max-revisions", 0, "number of retained revisions")
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		return errors.New("missing database directory")
	}

	dir := flag.Arg(0)

	var cfg kvdb.DbConfig

	if configPath != "" {
		loaded, err := kvdb.LoadConfig(configPath)
		if err != nil {
			return err
		}

		cfg = loaded
	}

	// Flags override the file.
	if truncate {
		cfg.Truncate = true
	}

	if metaSize != 0 {
		cfg.MetaSize = metaSize
	}

	if compactSize != 0 {
		cfg.CompactSize = compactSize
	}

	if maxRevisions != 0 {
		cfg.Wal.MaxRevisions = maxRevisions
	}

	db, err := kvdb.Open(dir, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	repl := &REPL{db: db, dir: dir}

	return repl.Run()
}

// REPL is the interactive command loop.
type REPL struct {
	db      *kvdb.Db
	dir     string
	pending []kvdb.BatchOp
	liner   *liner.State
}

var replCommands = []string{
	"put", "del", "commit", "get", "root", "revisions", "rev",
	"prove", "dump", "help", "exit", "quit",
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".revdb_history")
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(func(line string) []string {
		var out []string

		for _, cmd := range replCommands {
			if strings.HasPrefix(cmd, strings.ToLower(line)) {
				out = append(out, cmd)
			}
		}

		return out
	})

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("revdb - versioned key/value store CLI (%s)\n", r.dir)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("revdb> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nBye!")
				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		if cmd == "exit" || cmd == "quit" || cmd == "q" {
			fmt.Println("Bye!")
			r.saveHistory()

			return nil
		}

		if err := r.dispatch(cmd, args); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}

	r.saveHistory()

	return nil
}

func (r *REPL) saveHistory() {
	path := historyFile()
	if path == "" {
		return
	}

	if f, err := os.Create(path); err == nil {
		_, _ = r.liner.WriteHistory(f)
		f.Close()
	}
}

func (r *REPL) dispatch(cmd string, args []string) error {
	switch cmd {
	case "help", "?":
		r.printHelp()
		return nil

	case "put":
		if len(args) != 2 {
			return errors.New("usage: put <key> <value>")
		}

		r.pending = append(r.pending, kvdb.Put([]byte(args[0]), []byte(args[1])))
		fmt.Printf("staged put %q (%d pending)\n", args[0], len(r.pending))

		return nil

	case "del":
		if len(args) != 1 {
			return errors.New("usage: del <key>")
		}

		r.pending = append(r.pending, kvdb.Delete([]byte(args[0])))
		fmt.Printf("staged del %q (%d pending)\n", args[0], len(r.pending))

		return nil

	case "commit":
		return r.commit()

	case "get":
		if len(args) != 1 {
			return errors.New("usage: get <key>")
		}

		value, err := r.db.KVGet([]byte(args[0]))
		if err != nil {
			return err
		}

		fmt.Printf("%q\n", value)

		return nil

	case "root":
		hash, err := r.db.KVRootHash()
		if err != nil {
			return err
		}

		fmt.Println(hash.Hex())

		return nil

	case "revisions":
		for i, hash := range r.db.Revisions() {
			fmt.Printf("%3d  %s\n", i, hash.Hex())
		}

		return nil

	case "rev":
		return r.revision(args)

	case "prove":
		if len(args) != 1 {
			return errors.New("usage: prove <key>")
		}

		return r.prove(args[0])

	case "dump":
		return r.db.KVDump(os.Stdout)

	default:
		return fmt.Errorf("unknown command %q (try 'help')", cmd)
	}
}

func (r *REPL) commit() error {
	if len(r.pending) == 0 {
		return errors.New("nothing staged (use put/del first)")
	}

	proposal, err := r.db.NewProposal(r.pending)
	if err != nil {
		return err
	}

	if err := proposal.Commit(); err != nil {
		return err
	}

	r.pending = nil

	hash, err := r.db.KVRootHash()
	if err != nil {
		return err
	}

	fmt.Printf("committed, root %s\n", hash.Hex())

	return nil
}

func (r *REPL) revision(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: rev <index> [dump|root]")
	}

	index, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("bad index %q: %w", args[0], err)
	}

	rev, ok := r.db.RevisionAt(index)
	if !ok {
		return fmt.Errorf("revision %d not retained", index)
	}

	action := "root"
	if len(args) > 1 {
		action = strings.ToLower(args[1])
	}

	switch action {
	case "root":
		fmt.Println(rev.KVRootHash().Hex())
		return nil
	case "dump":
		return rev.KVDump(os.Stdout)
	default:
		return fmt.Errorf("unknown revision action %q", action)
	}
}

func (r *REPL) prove(key string) error {
	p, err := r.db.Prove([]byte(key))
	if err != nil {
		return err
	}

	hash, err := r.db.KVRootHash()
	if err != nil {
		return err
	}

	value, err := proof.Verify(hash, []byte(key), p)
	if err != nil {
		return err
	}

	fmt.Printf("proved %q => %q (%d nodes)\n", key, value, len(p))

	return nil
}

func (r *REPL) printHelp() {
	fmt.Println(`Commands:
  put <key> <value>   Stage a put into the pending batch
  del <key>           Stage a delete into the pending batch
  commit              Commit the pending batch as one revision
  get <key>           Read a key from the current state
  root                Show the current root hash
  revisions           List retained revision hashes, newest first
  rev <index> [dump|root]
                      Inspect a revision by recency index (0 = newest)
  prove <key>         Prove a key and verify the proof
  dump                Dump all pairs of the current state
  help                Show this help
  exit / quit / q     Exit`)
}
