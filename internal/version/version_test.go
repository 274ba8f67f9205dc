package version

import (
	"os"
	"path/filepath"
	"testing"

	"gencodedoc/internal/compress"
	"gencodedoc/internal/content"
	"gencodedoc/internal/ignore"
	"gencodedoc/internal/snaperr"
	"gencodedoc/internal/store"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "gencodedoc.db")
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cs := content.New(db, compress.New(0))
	filter := ignore.New(ignore.DefaultRules())
	return New(root, db, cs, filter, false), root
}

func write(t *testing.T, root, rel, data string) {
	t.Helper()
	abs := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(abs, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestCreateSnapshotAndDedup(t *testing.T) {
	m, root := newTestManager(t)
	write(t, root, "a.txt", "hello")
	write(t, root, "b/c.py", "print(1)")

	snap, err := m.CreateSnapshot("first", "v1", nil, nil, false, "manual")
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if snap.FilesCount != 2 {
		t.Fatalf("FilesCount = %d, want 2", snap.FilesCount)
	}

	write(t, root, "a.txt", "hello!")
	snap2, err := m.CreateSnapshot("second", "v2", nil, nil, false, "manual")
	if err != nil {
		t.Fatalf("CreateSnapshot v2: %v", err)
	}
	if snap2.ID != snap.ID+1 {
		t.Fatalf("snapshot ids not monotonically increasing: %d then %d", snap.ID, snap2.ID)
	}

	d, err := m.Diff("v1", "v2", nil)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(d.Added) != 0 || len(d.Removed) != 0 {
		t.Fatalf("expected no added/removed, got %+v", d)
	}
	if len(d.Modified) != 1 || d.Modified[0].Path != "a.txt" {
		t.Fatalf("expected a.txt modified, got %+v", d.Modified)
	}
	if d.TotalChanges != 1 {
		t.Fatalf("TotalChanges = %d, want 1", d.TotalChanges)
	}
	if d.Significance != 0.5 {
		t.Fatalf("Significance = %v, want 0.5", d.Significance)
	}
}

func TestNoChangeSnapshotFailsSoftly(t *testing.T) {
	m, root := newTestManager(t)
	write(t, root, "a.txt", "hello")

	if _, err := m.CreateSnapshot("first", "", nil, nil, false, "manual"); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	_, err := m.CreateSnapshot("again", "", nil, nil, false, "manual")
	if snaperr.KindOf(err) != snaperr.NoChanges {
		t.Fatalf("expected NoChanges, got %v", err)
	}

	list, err := m.ListSnapshots(0, true)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected table to be unchanged after failed snapshot, got %d rows", len(list))
	}
}

func TestDuplicateTagRejected(t *testing.T) {
	m, root := newTestManager(t)
	write(t, root, "a.txt", "hello")
	if _, err := m.CreateSnapshot("first", "v1", nil, nil, false, "manual"); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	write(t, root, "a.txt", "hello again")
	_, err := m.CreateSnapshot("second", "v1", nil, nil, false, "manual")
	if snaperr.KindOf(err) != snaperr.DuplicateTag {
		t.Fatalf("expected DuplicateTag, got %v", err)
	}
}

func TestPartialRestore(t *testing.T) {
	m, root := newTestManager(t)
	write(t, root, "a.txt", "hello")
	if _, err := m.CreateSnapshot("first", "v1", nil, nil, false, "manual"); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	if err := os.Remove(filepath.Join(root, "a.txt")); err != nil {
		t.Fatalf("remove: %v", err)
	}

	report, err := m.Restore("v1", "", true, []string{"a.txt"})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if report.Restored != 1 || report.Skipped != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("restored content = %q, want %q", data, "hello")
	}
}

func TestRestoreSkipsExistingWithoutForce(t *testing.T) {
	m, root := newTestManager(t)
	write(t, root, "a.txt", "hello")
	if _, err := m.CreateSnapshot("first", "v1", nil, nil, false, "manual"); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	write(t, root, "a.txt", "local edit")

	report, err := m.Restore("v1", "", false, nil)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if report.Skipped != 1 || report.Restored != 0 {
		t.Fatalf("expected skip without force, got %+v", report)
	}
	data, _ := os.ReadFile(filepath.Join(root, "a.txt"))
	if string(data) != "local edit" {
		t.Fatalf("file should be untouched, got %q", data)
	}
}

func TestDiffSymmetry(t *testing.T) {
	m, root := newTestManager(t)
	write(t, root, "a.txt", "hello")
	write(t, root, "b.txt", "world")
	if _, err := m.CreateSnapshot("first", "v1", nil, nil, false, "manual"); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	write(t, root, "a.txt", "hello!")
	write(t, root, "c.txt", "new file")
	if err := os.Remove(filepath.Join(root, "b.txt")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := m.CreateSnapshot("second", "v2", nil, nil, false, "manual"); err != nil {
		t.Fatalf("CreateSnapshot v2: %v", err)
	}

	fwd, err := m.Diff("v1", "v2", nil)
	if err != nil {
		t.Fatalf("Diff fwd: %v", err)
	}
	back, err := m.Diff("v2", "v1", nil)
	if err != nil {
		t.Fatalf("Diff back: %v", err)
	}
	if len(fwd.Added) != len(back.Removed) {
		t.Fatalf("diff(A,B).added (%v) should mirror diff(B,A).removed (%v)", fwd.Added, back.Removed)
	}
	if len(fwd.Removed) != len(back.Added) {
		t.Fatalf("diff(A,B).removed (%v) should mirror diff(B,A).added (%v)", fwd.Removed, back.Added)
	}

	self, err := m.Diff("v1", "v1", nil)
	if err != nil {
		t.Fatalf("Diff self: %v", err)
	}
	if self.TotalChanges != 0 {
		t.Fatalf("diff(A,A).total_changes = %d, want 0", self.TotalChanges)
	}
}

func TestFileHistoryTracksLifecycle(t *testing.T) {
	m, root := newTestManager(t)
	write(t, root, "a.txt", "v1")
	if _, err := m.CreateSnapshot("s1", "", nil, nil, false, "manual"); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	write(t, root, "a.txt", "v2")
	if _, err := m.CreateSnapshot("s2", "", nil, nil, false, "manual"); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if err := os.Remove(filepath.Join(root, "a.txt")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	write(t, root, "unrelated.txt", "x")
	if _, err := m.CreateSnapshot("s3", "", nil, nil, false, "manual"); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	hist, err := m.FileHistory("a.txt")
	if err != nil {
		t.Fatalf("FileHistory: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("expected 3 history entries, got %d: %+v", len(hist), hist)
	}
	if hist[0].Status != "first-seen" || hist[1].Status != "changed" || hist[2].Status != "removed" {
		t.Fatalf("unexpected history statuses: %+v", hist)
	}
}

func TestSearchFindsMatchesAcrossSnapshots(t *testing.T) {
	m, root := newTestManager(t)
	write(t, root, "a.txt", "alpha\nneedle here\nbeta")
	write(t, root, "b.txt", "nothing interesting")
	if _, err := m.CreateSnapshot("s1", "", nil, nil, false, "manual"); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	hits, err := m.Search("needle", "", "", true)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Path != "a.txt" {
		t.Fatalf("expected a single hit on a.txt, got %+v", hits)
	}
	if hits[0].MatchCount != 1 || len(hits[0].Lines) != 1 {
		t.Fatalf("unexpected hit detail: %+v", hits[0])
	}
}

func TestCleanupOrphanedContents(t *testing.T) {
	m, root := newTestManager(t)
	write(t, root, "a.txt", "hello")
	snap, err := m.CreateSnapshot("first", "", nil, nil, false, "manual")
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if err := m.DB.DeleteSnapshot(snap.ID); err != nil {
		t.Fatalf("DeleteSnapshot: %v", err)
	}

	n, err := m.CleanupOrphanedContents()
	if err != nil {
		t.Fatalf("CleanupOrphanedContents: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 orphaned content row deleted, got %d", n)
	}
}
