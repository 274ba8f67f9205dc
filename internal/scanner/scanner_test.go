package scanner

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"gencodedoc/internal/ignore"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestScanProducesSortedEntries(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b.txt"), []byte("b"))
	writeFile(t, filepath.Join(root, "a.txt"), []byte("a"))
	writeFile(t, filepath.Join(root, "sub", "c.txt"), []byte("c"))

	s := New(root, ignore.New(ignore.Rules{}))
	entries, err := s.Scan(Options{})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	want := []string{"a.txt", "b.txt", "sub/c.txt"}
	for i, w := range want {
		if entries[i].Path != w {
			t.Fatalf("entries[%d].Path = %q, want %q", i, entries[i].Path, w)
		}
	}
}

func TestScanComputesContentHash(t *testing.T) {
	root := t.TempDir()
	data := []byte("hello world")
	writeFile(t, filepath.Join(root, "a.txt"), data)

	s := New(root, ignore.New(ignore.Rules{}))
	entries, err := s.Scan(Options{})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	sum := sha256.Sum256(data)
	want := hex.EncodeToString(sum[:])
	if entries[0].ContentHash != want {
		t.Fatalf("ContentHash = %q, want %q", entries[0].ContentHash, want)
	}
	if entries[0].Size != int64(len(data)) {
		t.Fatalf("Size = %d, want %d", entries[0].Size, len(data))
	}
}

func TestScanSkipsBinaryByDefault(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "text.txt"), []byte("plain text content"))
	writeFile(t, filepath.Join(root, "blob.bin"), bytes.Repeat([]byte{0x00, 0x01, 0x02, 0xff}, 100))

	s := New(root, ignore.New(ignore.Rules{}))
	entries, err := s.Scan(Options{IncludeBinary: false})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "text.txt" {
		t.Fatalf("expected only text.txt, got %+v", entries)
	}

	entriesWithBinary, err := s.Scan(Options{IncludeBinary: true})
	if err != nil {
		t.Fatalf("Scan with binary: %v", err)
	}
	if len(entriesWithBinary) != 2 {
		t.Fatalf("expected 2 entries including binary, got %d", len(entriesWithBinary))
	}
}

func TestScanHonorsIgnoreRules(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "keep.go"), []byte("package main"))
	writeFile(t, filepath.Join(root, "vendor", "dep.go"), []byte("package dep"))

	filter := ignore.New(ignore.Rules{Dirs: []string{"vendor"}})
	s := New(root, filter)
	entries, err := s.Scan(Options{})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "keep.go" {
		t.Fatalf("expected only keep.go, got %+v", entries)
	}
}

func TestScanExcludePaths(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), []byte("a"))
	writeFile(t, filepath.Join(root, "b.txt"), []byte("b"))

	s := New(root, ignore.New(ignore.Rules{}))
	entries, err := s.Scan(Options{ExcludePaths: []string{"b.txt"}})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "a.txt" {
		t.Fatalf("expected only a.txt, got %+v", entries)
	}
}
