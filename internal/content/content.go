// Package content bridges files on disk and the metadata store: hashing,
// deduplication, compress-on-write, decompress-on-read, and restore-to-path.
package content

import (
	"fmt"
	"os"
	"path/filepath"
	"unicode/utf8"

	"gencodedoc/internal/compress"
	"gencodedoc/internal/snaperr"
	"gencodedoc/internal/store"
)

// Store wraps a metadata DB with compression and disk I/O.
type Store struct {
	db    *store.DB
	codec *compress.Codec
}

// New returns a Store backed by db, compressing writes at the given codec.
func New(db *store.DB, codec *compress.Codec) *Store {
	return &Store{db: db, codec: codec}
}

// Ingest reads absPath, and if its content hash is not already stored,
// optionally compresses and persists it through insert (snapshot creation
// passes a closure over store.InsertContentTx).
// Returns (originalSize, storedSize) for bytes newly persisted by this call;
// returns (0, 0) if the blob already existed (already-accounted dedup).
func (s *Store) Ingest(absPath, expectedHash string, compressionEnabled bool, insert func(row store.ContentRow) error) (int64, int64, error) {
	exists, err := s.db.ContentExists(expectedHash)
	if err != nil {
		return 0, 0, err
	}
	if exists {
		return 0, 0, nil
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return 0, 0, snaperr.Wrap(snaperr.IOFault, fmt.Sprintf("read %s for ingest", absPath), err)
	}

	stored := data
	if compressionEnabled {
		compressed, err := s.codec.Compress(data)
		if err != nil {
			return 0, 0, snaperr.Wrap(snaperr.IOFault, "compress blob", err)
		}
		stored = compressed
	}

	if err := insert(store.ContentRow{
		Hash:         expectedHash,
		Bytes:        stored,
		OriginalSize: int64(len(data)),
		StoredSize:   int64(len(stored)),
	}); err != nil {
		return 0, 0, err
	}

	return int64(len(data)), int64(len(stored)), nil
}

// ContentAsBytes reads and decompresses the blob for hash.
func (s *Store) ContentAsBytes(hash string) ([]byte, error) {
	row, err := s.db.ReadContent(hash)
	if err != nil {
		return nil, err
	}
	out, err := s.codec.Decompress(row.Bytes)
	if err != nil {
		return nil, snaperr.Wrap(snaperr.IOFault, "decompress blob", err)
	}
	return out, nil
}

// ContentAsText decodes the blob for hash as UTF-8; non-text content
// (invalid UTF-8) returns ok=false rather than an error.
func (s *Store) ContentAsText(hash string) (text string, ok bool, err error) {
	data, err := s.ContentAsBytes(hash)
	if err != nil {
		return "", false, err
	}
	if !utf8.Valid(data) {
		return "", false, nil
	}
	return string(data), true, nil
}

// RestoreFile writes the decompressed blob for hash to targetPath,
// creating parent directories, then applies mode.
func (s *Store) RestoreFile(hash, targetPath string, mode os.FileMode) error {
	data, err := s.ContentAsBytes(hash)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return snaperr.Wrap(snaperr.IOFault, fmt.Sprintf("create parent dir for %s", targetPath), err)
	}
	if mode == 0 {
		mode = 0o644
	}
	if err := os.WriteFile(targetPath, data, mode); err != nil {
		return snaperr.Wrap(snaperr.IOFault, fmt.Sprintf("write %s", targetPath), err)
	}
	if err := os.Chmod(targetPath, mode); err != nil {
		return snaperr.Wrap(snaperr.IOFault, fmt.Sprintf("chmod %s", targetPath), err)
	}
	return nil
}
