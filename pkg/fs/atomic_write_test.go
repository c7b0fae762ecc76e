package fs_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/revtrie/revtrie/pkg/fs"
)

const testContentHello = "hello"

func TestAtomicWriteFile_ReplacesExistingFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "final.txt")

	real := fs.NewReal()
	writer := fs.NewAtomicWriter(real)

	err := writer.WriteWithDefaults(path, strings.NewReader("old"))
	if err != nil {
		t.Fatalf("first write: %v", err)
	}

	err = writer.WriteWithDefaults(path, strings.NewReader(testContentHello))
	if err != nil {
		t.Fatalf("second write: %v", err)
	}

	got, err := real.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != testContentHello {
		t.Fatalf("content=%q, want %q", string(got), testContentHello)
	}
}

func TestAtomicWriteFile_LeavesNoTempFileBehind(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "final.txt")

	real := fs.NewReal()
	writer := fs.NewAtomicWriter(real)

	err := writer.WriteWithDefaults(path, strings.NewReader(testContentHello))
	if err != nil {
		t.Fatalf("WriteWithDefaults: %v", err)
	}

	entries, err := real.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	if len(entries) != 1 || entries[0].Name() != "final.txt" {
		t.Fatalf("dir entries = %v, want exactly final.txt", entries)
	}
}
