package project

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenCachesByAbsolutePath(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	reg := NewRegistry()
	defer reg.CloseAll()

	m1, err := reg.Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	m2, err := reg.Open(root)
	if err != nil {
		t.Fatalf("Open (second): %v", err)
	}
	if m1 != m2 {
		t.Fatal("expected Open to return the same cached Managers instance")
	}

	if _, ok := reg.Get(root); !ok {
		t.Fatal("expected Get to find the cached project")
	}
}

func TestInvalidateDropsCacheAndClosesDB(t *testing.T) {
	root := t.TempDir()
	reg := NewRegistry()
	defer reg.CloseAll()

	m1, err := reg.Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := reg.Invalidate(root); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, ok := reg.Get(root); ok {
		t.Fatal("expected project to be evicted after Invalidate")
	}

	m2, err := reg.Open(root)
	if err != nil {
		t.Fatalf("Open after invalidate: %v", err)
	}
	if m1 == m2 {
		t.Fatal("expected a fresh Managers instance after Invalidate")
	}
}

func TestCloseAllClearsRegistry(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()
	reg := NewRegistry()

	if _, err := reg.Open(rootA); err != nil {
		t.Fatalf("Open A: %v", err)
	}
	if _, err := reg.Open(rootB); err != nil {
		t.Fatalf("Open B: %v", err)
	}

	if err := reg.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if _, ok := reg.Get(rootA); ok {
		t.Fatal("expected registry to be empty after CloseAll")
	}
}
