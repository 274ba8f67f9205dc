// Package scanner walks a project tree through an ignore.Filter and
// emits FileEntry records with content hashes, dropping files that a
// text/binary heuristic classifies as binary unless asked to keep them.
package scanner

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"gencodedoc/internal/ignore"
)

const (
	peekSize       = 8 * 1024
	hashChunkSize  = 64 * 1024
	binaryFraction = 0.30
)

// FileEntry is a file as it appears in one snapshot.
type FileEntry struct {
	Path        string // project-relative, forward-slash normalized
	ContentHash string // hex SHA-256
	Size        int64
	Mode        os.FileMode
}

// Scanner walks root through an ignore.Filter.
type Scanner struct {
	root   string
	filter *ignore.Filter
}

// New returns a Scanner rooted at root, filtering through filter.
func New(root string, filter *ignore.Filter) *Scanner {
	return &Scanner{root: root, filter: filter}
}

// Options configures one Scan call.
type Options struct {
	IncludePaths  []string // if non-empty, only these files/dirs are visited
	ExcludePaths  []string // removed post-walk, exact project-relative match
	IncludeBinary bool
}

// Scan walks the tree (or IncludePaths) and returns FileEntry records in
// path order. Unreadable files are skipped with a warning, not a failure.
func (s *Scanner) Scan(opts Options) ([]FileEntry, error) {
	var candidates []string // project-relative paths to consider

	if len(opts.IncludePaths) == 0 {
		if err := s.filter.Walk(s.root, func(rel, abs string) error {
			candidates = append(candidates, rel)
			return nil
		}); err != nil {
			return nil, err
		}
	} else {
		for _, inc := range opts.IncludePaths {
			abs := filepath.Join(s.root, inc)
			info, err := os.Stat(abs)
			if err != nil {
				continue
			}
			if info.IsDir() {
				if err := s.filter.Walk(abs, func(rel, fileAbs string) error {
					full, err := filepath.Rel(s.root, fileAbs)
					if err != nil {
						return nil
					}
					candidates = append(candidates, filepath.ToSlash(full))
					return nil
				}); err != nil {
					return nil, err
				}
				continue
			}
			rel := filepath.ToSlash(inc)
			if s.filter.ShouldIgnore(rel, false) {
				continue
			}
			candidates = append(candidates, rel)
		}
	}

	exclude := make(map[string]bool, len(opts.ExcludePaths))
	for _, e := range opts.ExcludePaths {
		exclude[filepath.ToSlash(e)] = true
	}

	var entries []FileEntry
	for _, rel := range candidates {
		if exclude[rel] {
			continue
		}
		abs := filepath.Join(s.root, rel)
		entry, skip, err := s.scanOne(rel, abs, opts.IncludeBinary)
		if err != nil {
			fmt.Fprintf(os.Stderr, "gencodedoc: scan: skipping %s: %v\n", rel, err)
			continue
		}
		if skip {
			continue
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (s *Scanner) scanOne(rel, abs string, includeBinary bool) (FileEntry, bool, error) {
	info, err := os.Lstat(abs)
	if err != nil {
		return FileEntry{}, false, err
	}
	if !info.Mode().IsRegular() {
		return FileEntry{}, true, nil
	}

	f, err := os.Open(abs)
	if err != nil {
		return FileEntry{}, false, err
	}
	defer f.Close()

	if !includeBinary {
		isBinary, err := looksBinary(f)
		if err != nil {
			return FileEntry{}, false, err
		}
		if isBinary {
			return FileEntry{}, true, nil
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return FileEntry{}, false, err
		}
	}

	hash, size, err := hashFile(f)
	if err != nil {
		return FileEntry{}, false, err
	}

	return FileEntry{
		Path:        rel,
		ContentHash: hash,
		Size:        size,
		Mode:        info.Mode().Perm(),
	}, false, nil
}

// looksBinary applies the spec's text/binary heuristic over the first
// 8 KiB: a null byte, or a non-text-character fraction over 0.30, marks
// the file binary. Text characters are tab, LF, CR, FF, BS, bell,
// escape, and bytes in 0x20-0xFF except 0x7F.
func looksBinary(r io.Reader) (bool, error) {
	buf := make([]byte, peekSize)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return false, err
	}
	buf = buf[:n]
	if bytes.IndexByte(buf, 0) >= 0 {
		return true, nil
	}
	if len(buf) == 0 {
		return false, nil
	}

	nonText := 0
	for _, b := range buf {
		if !isTextByte(b) {
			nonText++
		}
	}
	return float64(nonText)/float64(len(buf)) > binaryFraction, nil
}

func isTextByte(b byte) bool {
	switch b {
	case '\t', '\n', '\r', '\f', '\b', 0x07, 0x1b:
		return true
	}
	if b == 0x7f {
		return false
	}
	return b >= 0x20
}

func hashFile(r io.Reader) (string, int64, error) {
	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			total += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", 0, err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), total, nil
}
