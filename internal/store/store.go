// Package store implements the durable, transactional metadata store
// for snapshots, their file entries, content blobs, and autosave state.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"gencodedoc/internal/snaperr"
)

// SnapshotRow mirrors one row of the snapshots table.
type SnapshotRow struct {
	ID             int64
	Hash           string
	Message        string
	Tag            sql.NullString
	CreatedAt      time.Time
	ParentID       sql.NullInt64
	IsAutosave     bool
	TriggerType    string
	FilesCount     int
	TotalSize      int64
	CompressedSize int64
}

// FileRow mirrors one row of the snapshot_files table.
type FileRow struct {
	SnapshotID int64
	Path       string
	ContentHash string
	Size       int64
	Mode       uint32
}

// ContentRow mirrors one row of the file_contents table.
type ContentRow struct {
	Hash         string
	Bytes        []byte
	OriginalSize int64
	StoredSize   int64
	CreatedAt    time.Time
}

// AutosaveStateRow is the singleton autosave_state row.
type AutosaveStateRow struct {
	LastCheck      time.Time
	LastSave       time.Time
	LastSnapshotID sql.NullInt64
	FilesTracked   int
}

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	hash TEXT NOT NULL UNIQUE,
	message TEXT NOT NULL DEFAULT '',
	tag TEXT UNIQUE,
	created_at DATETIME NOT NULL,
	parent_id INTEGER REFERENCES snapshots(id),
	is_autosave INTEGER NOT NULL DEFAULT 0,
	trigger_type TEXT NOT NULL DEFAULT '',
	files_count INTEGER NOT NULL DEFAULT 0,
	total_size INTEGER NOT NULL DEFAULT 0,
	compressed_size INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_snapshots_created_at ON snapshots(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_snapshots_tag ON snapshots(tag);

CREATE TABLE IF NOT EXISTS snapshot_files (
	snapshot_id INTEGER NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
	path TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	size INTEGER NOT NULL,
	mode INTEGER NOT NULL,
	UNIQUE(snapshot_id, path)
);
CREATE INDEX IF NOT EXISTS idx_snapshot_files_content_hash ON snapshot_files(content_hash);

CREATE TABLE IF NOT EXISTS file_contents (
	hash TEXT PRIMARY KEY,
	bytes BLOB NOT NULL,
	original_size INTEGER NOT NULL,
	stored_size INTEGER NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS autosave_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	last_check DATETIME,
	last_save DATETIME,
	last_snapshot_id INTEGER,
	files_tracked INTEGER NOT NULL DEFAULT 0
);
`

// DB wraps the project's sqlite connection with the queries needed to
// record snapshots, file entries, content blobs, and autosave state.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if needed) the metadata database at path, with
// WAL journaling and foreign keys enabled, and applies the schema.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, snaperr.Wrap(snaperr.IOFault, "open metadata database", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, snaperr.Wrap(snaperr.IOFault, "connect to metadata database", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, snaperr.Wrap(snaperr.IOFault, "apply metadata schema", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// CreateSnapshot inserts the snapshot row and its file links atomically,
// then invokes ingest for each file entry. ingest is called inside the
// transaction's blast radius but operates against file_contents directly
// (via InsertContentTx) so the whole create is one commit-or-rollback unit.
func (db *DB) CreateSnapshot(row SnapshotRow, files []FileRow, ingest func(tx *sql.Tx, f FileRow) error) (int64, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, snaperr.Wrap(snaperr.IOFault, "begin snapshot transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO snapshots (hash, message, tag, created_at, parent_id, is_autosave, trigger_type, files_count, total_size, compressed_size)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.Hash, row.Message, nullableString(row.Tag), row.CreatedAt, nullableInt64(row.ParentID),
		row.IsAutosave, row.TriggerType, row.FilesCount, row.TotalSize, row.CompressedSize,
	)
	if err != nil {
		return 0, classifyInsertErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, snaperr.Wrap(snaperr.IOFault, "read inserted snapshot id", err)
	}

	for _, f := range files {
		if _, err := tx.Exec(
			`INSERT INTO snapshot_files (snapshot_id, path, content_hash, size, mode) VALUES (?, ?, ?, ?, ?)`,
			id, f.Path, f.ContentHash, f.Size, f.Mode,
		); err != nil {
			return 0, snaperr.Wrap(snaperr.IOFault, "insert snapshot file link", err)
		}
		if ingest != nil {
			if err := ingest(tx, f); err != nil {
				return 0, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, snaperr.Wrap(snaperr.IOFault, "commit snapshot transaction", err)
	}
	return id, nil
}

// GetByID fetches a snapshot row by id.
func (db *DB) GetByID(id int64) (*SnapshotRow, error) {
	return db.scanOneSnapshot(`SELECT id, hash, message, tag, created_at, parent_id, is_autosave, trigger_type, files_count, total_size, compressed_size FROM snapshots WHERE id = ?`, id)
}

// GetByTag fetches a snapshot row by tag.
func (db *DB) GetByTag(tag string) (*SnapshotRow, error) {
	return db.scanOneSnapshot(`SELECT id, hash, message, tag, created_at, parent_id, is_autosave, trigger_type, files_count, total_size, compressed_size FROM snapshots WHERE tag = ?`, tag)
}

// GetByHash fetches a snapshot row by its deterministic hash.
func (db *DB) GetByHash(hash string) (*SnapshotRow, error) {
	return db.scanOneSnapshot(`SELECT id, hash, message, tag, created_at, parent_id, is_autosave, trigger_type, files_count, total_size, compressed_size FROM snapshots WHERE hash = ?`, hash)
}

// LatestID returns the id of the most recently created snapshot, or 0 if none exist.
func (db *DB) LatestID() (int64, error) {
	var id int64
	err := db.conn.QueryRow(`SELECT id FROM snapshots ORDER BY created_at DESC, id DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, snaperr.Wrap(snaperr.IOFault, "query latest snapshot", err)
	}
	return id, nil
}

// ListLatest returns snapshots newest-first, optionally including autosaves,
// capped at limit (0 = unlimited).
func (db *DB) ListLatest(limit int, includeAutosave bool) ([]SnapshotRow, error) {
	query := `SELECT id, hash, message, tag, created_at, parent_id, is_autosave, trigger_type, files_count, total_size, compressed_size
		FROM snapshots`
	var args []any
	if !includeAutosave {
		query += ` WHERE is_autosave = 0`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, snaperr.Wrap(snaperr.IOFault, "list snapshots", err)
	}
	defer rows.Close()

	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		if err := scanSnapshotRow(rows, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteSnapshot removes a snapshot and its file links atomically.
func (db *DB) DeleteSnapshot(id int64) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return snaperr.Wrap(snaperr.IOFault, "begin delete transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM snapshot_files WHERE snapshot_id = ?`, id); err != nil {
		return snaperr.Wrap(snaperr.IOFault, "delete snapshot file links", err)
	}
	// Later snapshots may name this one as their parent; clear those links
	// so the parent_id foreign key does not block the delete.
	if _, err := tx.Exec(`UPDATE snapshots SET parent_id = NULL WHERE parent_id = ?`, id); err != nil {
		return snaperr.Wrap(snaperr.IOFault, "clear child parent links", err)
	}
	res, err := tx.Exec(`DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return snaperr.Wrap(snaperr.IOFault, "delete snapshot", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return snaperr.Wrap(snaperr.IOFault, "read delete result", err)
	}
	if n == 0 {
		return snaperr.New(snaperr.SnapshotNotFound, fmt.Sprintf("snapshot %d not found", id))
	}
	return tx.Commit()
}

// FilesForSnapshot lists the file entries recorded for a snapshot.
func (db *DB) FilesForSnapshot(id int64) ([]FileRow, error) {
	rows, err := db.conn.Query(`SELECT snapshot_id, path, content_hash, size, mode FROM snapshot_files WHERE snapshot_id = ? ORDER BY path`, id)
	if err != nil {
		return nil, snaperr.Wrap(snaperr.IOFault, "list snapshot files", err)
	}
	defer rows.Close()

	var out []FileRow
	for rows.Next() {
		var f FileRow
		if err := rows.Scan(&f.SnapshotID, &f.Path, &f.ContentHash, &f.Size, &f.Mode); err != nil {
			return nil, snaperr.Wrap(snaperr.IOFault, "scan snapshot file row", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// InsertContentTx inserts a content row within an existing transaction;
// a pre-existing hash is left untouched (dedup, INSERT OR IGNORE semantics).
func InsertContentTx(tx *sql.Tx, row ContentRow) error {
	_, err := tx.Exec(
		`INSERT OR IGNORE INTO file_contents (hash, bytes, original_size, stored_size, created_at) VALUES (?, ?, ?, ?, ?)`,
		row.Hash, row.Bytes, row.OriginalSize, row.StoredSize, row.CreatedAt,
	)
	if err != nil {
		return snaperr.Wrap(snaperr.IOFault, "insert content blob", err)
	}
	return nil
}

// InsertContent inserts a content row outside of any snapshot-create
// transaction, using the same dedup (INSERT OR IGNORE) semantics as the
// in-transaction form.
func (db *DB) InsertContent(row ContentRow) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return snaperr.Wrap(snaperr.IOFault, "begin content insert transaction", err)
	}
	defer tx.Rollback()
	if err := InsertContentTx(tx, row); err != nil {
		return err
	}
	return tx.Commit()
}

// ContentExists reports whether a content row for hash already exists.
func (db *DB) ContentExists(hash string) (bool, error) {
	var n int
	err := db.conn.QueryRow(`SELECT 1 FROM file_contents WHERE hash = ?`, hash).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, snaperr.Wrap(snaperr.IOFault, "probe content existence", err)
	}
	return true, nil
}

// ReadContent fetches the stored bytes and sizes for hash.
func (db *DB) ReadContent(hash string) (*ContentRow, error) {
	var row ContentRow
	row.Hash = hash
	err := db.conn.QueryRow(`SELECT bytes, original_size, stored_size, created_at FROM file_contents WHERE hash = ?`, hash).
		Scan(&row.Bytes, &row.OriginalSize, &row.StoredSize, &row.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, snaperr.New(snaperr.ContentMissing, fmt.Sprintf("content %s not found", hash))
	}
	if err != nil {
		return nil, snaperr.Wrap(snaperr.IOFault, "read content blob", err)
	}
	return &row, nil
}

// UpdateAutosaveState upserts the singleton autosave_state row.
func (db *DB) UpdateAutosaveState(s AutosaveStateRow) error {
	_, err := db.conn.Exec(
		`INSERT INTO autosave_state (id, last_check, last_save, last_snapshot_id, files_tracked) VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET last_check=excluded.last_check, last_save=excluded.last_save,
		 last_snapshot_id=excluded.last_snapshot_id, files_tracked=excluded.files_tracked`,
		s.LastCheck, s.LastSave, nullableInt64(s.LastSnapshotID), s.FilesTracked,
	)
	if err != nil {
		return snaperr.Wrap(snaperr.IOFault, "update autosave state", err)
	}
	return nil
}

// GetAutosaveState reads the singleton row, returning the zero value if absent.
func (db *DB) GetAutosaveState() (AutosaveStateRow, error) {
	var s AutosaveStateRow
	var lastCheck, lastSave sql.NullTime
	err := db.conn.QueryRow(`SELECT last_check, last_save, last_snapshot_id, files_tracked FROM autosave_state WHERE id = 1`).
		Scan(&lastCheck, &lastSave, &s.LastSnapshotID, &s.FilesTracked)
	if err == sql.ErrNoRows {
		return AutosaveStateRow{}, nil
	}
	if err != nil {
		return AutosaveStateRow{}, snaperr.Wrap(snaperr.IOFault, "read autosave state", err)
	}
	s.LastCheck = lastCheck.Time
	s.LastSave = lastSave.Time
	return s, nil
}

// DeleteOldAutosaves deletes autosave snapshots beyond the newest keep,
// returning the number deleted.
func (db *DB) DeleteOldAutosaves(keep int) (int, error) {
	rows, err := db.conn.Query(
		`SELECT id FROM snapshots WHERE is_autosave = 1 ORDER BY created_at DESC, id DESC`,
	)
	if err != nil {
		return 0, snaperr.Wrap(snaperr.IOFault, "list autosaves for retention", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, snaperr.Wrap(snaperr.IOFault, "scan autosave id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, snaperr.Wrap(snaperr.IOFault, "iterate autosaves for retention", err)
	}

	if keep < 0 {
		keep = 0
	}
	if len(ids) <= keep {
		return 0, nil
	}
	toDelete := ids[keep:]
	deleted := 0
	for _, id := range toDelete {
		if err := db.DeleteSnapshot(id); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// DeleteExpiredAutosaves deletes autosave snapshots older than cutoff,
// returning the number deleted.
func (db *DB) DeleteExpiredAutosaves(cutoff time.Time) (int, error) {
	rows, err := db.conn.Query(`SELECT id FROM snapshots WHERE is_autosave = 1 AND created_at < ?`, cutoff)
	if err != nil {
		return 0, snaperr.Wrap(snaperr.IOFault, "list expired autosaves", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, snaperr.Wrap(snaperr.IOFault, "scan expired autosave id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, snaperr.Wrap(snaperr.IOFault, "iterate expired autosaves", err)
	}

	deleted := 0
	for _, id := range ids {
		if err := db.DeleteSnapshot(id); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// DeleteOrphanedContents deletes file_contents rows not referenced by any
// snapshot_files.content_hash, returning the number deleted.
func (db *DB) DeleteOrphanedContents() (int, error) {
	res, err := db.conn.Exec(
		`DELETE FROM file_contents WHERE hash NOT IN (SELECT DISTINCT content_hash FROM snapshot_files)`,
	)
	if err != nil {
		return 0, snaperr.Wrap(snaperr.IOFault, "delete orphaned contents", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, snaperr.Wrap(snaperr.IOFault, "read orphan delete count", err)
	}
	return int(n), nil
}

func (db *DB) scanOneSnapshot(query string, arg any) (*SnapshotRow, error) {
	row := db.conn.QueryRow(query, arg)
	var r SnapshotRow
	if err := scanSnapshotRow(row, &r); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshotRow(rs rowScanner, r *SnapshotRow) error {
	err := rs.Scan(&r.ID, &r.Hash, &r.Message, &r.Tag, &r.CreatedAt, &r.ParentID,
		&r.IsAutosave, &r.TriggerType, &r.FilesCount, &r.TotalSize, &r.CompressedSize)
	if err != nil {
		if err == sql.ErrNoRows {
			return err
		}
		return snaperr.Wrap(snaperr.IOFault, "scan snapshot row", err)
	}
	return nil
}

func classifyInsertErr(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed: snapshots.hash"):
		return snaperr.New(snaperr.NoChanges, "snapshot content identical to an existing snapshot")
	case strings.Contains(msg, "UNIQUE constraint failed: snapshots.tag"):
		return snaperr.New(snaperr.DuplicateTag, "tag already in use")
	default:
		return snaperr.Wrap(snaperr.IOFault, "insert snapshot", err)
	}
}

func nullableString(ns sql.NullString) any {
	if !ns.Valid {
		return nil
	}
	return ns.String
}

func nullableInt64(ni sql.NullInt64) any {
	if !ni.Valid {
		return nil
	}
	return ni.Int64
}
