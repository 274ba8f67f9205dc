package store

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"gencodedoc/internal/snaperr"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gencodedoc.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mustIngest(tx *sql.Tx, f FileRow) error {
	return InsertContentTx(tx, ContentRow{
		Hash:         f.ContentHash,
		Bytes:        []byte("payload-" + f.ContentHash),
		OriginalSize: f.Size,
		StoredSize:   f.Size,
		CreatedAt:    time.Now().UTC(),
	})
}

func TestCreateAndGetSnapshot(t *testing.T) {
	db := openTestDB(t)

	files := []FileRow{
		{Path: "a.txt", ContentHash: "hash-a", Size: 5, Mode: 0o644},
		{Path: "b/c.py", ContentHash: "hash-b", Size: 8, Mode: 0o644},
	}
	id, err := db.CreateSnapshot(SnapshotRow{
		Hash:       "snaphash-1",
		Message:    "first",
		Tag:        sql.NullString{String: "v1", Valid: true},
		CreatedAt:  time.Now().UTC(),
		FilesCount: len(files),
		TotalSize:  13,
	}, files, mustIngest)
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected id 1, got %d", id)
	}

	row, err := db.GetByTag("v1")
	if err != nil || row == nil {
		t.Fatalf("GetByTag: %v, %+v", err, row)
	}
	if row.FilesCount != 2 {
		t.Fatalf("expected 2 files, got %d", row.FilesCount)
	}

	got, err := db.FilesForSnapshot(id)
	if err != nil {
		t.Fatalf("FilesForSnapshot: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 file rows, got %d", len(got))
	}
}

func TestDuplicateHashIsNoChanges(t *testing.T) {
	db := openTestDB(t)
	files := []FileRow{{Path: "a.txt", ContentHash: "h", Size: 1, Mode: 0o644}}

	if _, err := db.CreateSnapshot(SnapshotRow{Hash: "dup", CreatedAt: time.Now().UTC(), FilesCount: 1}, files, mustIngest); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := db.CreateSnapshot(SnapshotRow{Hash: "dup", CreatedAt: time.Now().UTC(), FilesCount: 1}, files, mustIngest)
	if snaperr.KindOf(err) != snaperr.NoChanges {
		t.Fatalf("expected NoChanges, got %v", err)
	}
}

func TestDuplicateTag(t *testing.T) {
	db := openTestDB(t)
	files := []FileRow{{Path: "a.txt", ContentHash: "h1", Size: 1, Mode: 0o644}}

	tag := sql.NullString{String: "v1", Valid: true}
	if _, err := db.CreateSnapshot(SnapshotRow{Hash: "s1", Tag: tag, CreatedAt: time.Now().UTC(), FilesCount: 1}, files, mustIngest); err != nil {
		t.Fatalf("first create: %v", err)
	}

	files2 := []FileRow{{Path: "b.txt", ContentHash: "h2", Size: 1, Mode: 0o644}}
	_, err := db.CreateSnapshot(SnapshotRow{Hash: "s2", Tag: tag, CreatedAt: time.Now().UTC(), FilesCount: 1}, files2, mustIngest)
	if snaperr.KindOf(err) != snaperr.DuplicateTag {
		t.Fatalf("expected DuplicateTag, got %v", err)
	}
}

func TestRetentionDeleteOldAutosaves(t *testing.T) {
	db := openTestDB(t)
	base := time.Now().UTC()

	for i := 0; i < 4; i++ {
		files := []FileRow{{Path: "a.txt", ContentHash: "h", Size: 1, Mode: 0o644}}
		_, err := db.CreateSnapshot(SnapshotRow{
			Hash:       sqlHash(i),
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
			IsAutosave: true,
			FilesCount: 1,
		}, files, mustIngest)
		if err != nil {
			t.Fatalf("create autosave %d: %v", i, err)
		}
	}

	deleted, err := db.DeleteOldAutosaves(2)
	if err != nil {
		t.Fatalf("DeleteOldAutosaves: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deletions, got %d", deleted)
	}

	remaining, err := db.ListLatest(0, true)
	if err != nil {
		t.Fatalf("ListLatest: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 remaining snapshots, got %d", len(remaining))
	}
}

func TestOrphanedContentsCleanup(t *testing.T) {
	db := openTestDB(t)
	files := []FileRow{{Path: "a.txt", ContentHash: "orphan-me", Size: 1, Mode: 0o644}}
	id, err := db.CreateSnapshot(SnapshotRow{Hash: "s1", CreatedAt: time.Now().UTC(), FilesCount: 1}, files, mustIngest)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := db.DeleteSnapshot(id); err != nil {
		t.Fatalf("delete: %v", err)
	}

	n, err := db.DeleteOrphanedContents()
	if err != nil {
		t.Fatalf("DeleteOrphanedContents: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 orphan removed, got %d", n)
	}
}

func sqlHash(i int) string {
	return "hash-" + string(rune('a'+i))
}
