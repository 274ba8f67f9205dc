// Package version orchestrates snapshot creation, retrieval, diffing,
// restore, export, file history, search, and changelog generation for
// a project's directory tree, backed by a content-addressed store and
// a metadata database.
package version

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"gencodedoc/internal/content"
	"gencodedoc/internal/ignore"
	"gencodedoc/internal/scanner"
	"gencodedoc/internal/snaperr"
	"gencodedoc/internal/store"
)

// CurrentRef is the reserved identifier meaning "scan the working tree now".
const CurrentRef = "current"

// Snapshot is SnapshotMetadata plus its ordered file entries.
type Snapshot struct {
	store.SnapshotRow
	Files []store.FileRow
}

// Manager wires a Scanner, ContentStore and MetadataDB together into
// the full set of snapshot operations for one project.
type Manager struct {
	Root                string
	DB                   *store.DB
	Content              *content.Store
	Filter               *ignore.Filter
	CompressionEnabled   bool
}

// New returns a Manager rooted at root.
func New(root string, db *store.DB, contentStore *content.Store, filter *ignore.Filter, compressionEnabled bool) *Manager {
	return &Manager{Root: root, DB: db, Content: contentStore, Filter: filter, CompressionEnabled: compressionEnabled}
}

func (m *Manager) scan(includePaths, excludePaths []string, includeBinary bool) ([]scanner.FileEntry, error) {
	s := scanner.New(m.Root, m.Filter)
	return s.Scan(scanner.Options{IncludePaths: includePaths, ExcludePaths: excludePaths, IncludeBinary: includeBinary})
}

// snapshotHash computes SHA-256 over the sorted (path, content-hash) pairs.
func snapshotHash(entries []scanner.FileEntry) string {
	sorted := append([]scanner.FileEntry{}, entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	h := sha256.New()
	for _, e := range sorted {
		h.Write([]byte(e.Path))
		h.Write([]byte(e.ContentHash))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CreateSnapshot scans the tree and persists a new snapshot.
func (m *Manager) CreateSnapshot(message, tag string, includePaths, excludePaths []string, isAutosave bool, triggerType string) (*Snapshot, error) {
	if tag == CurrentRef {
		return nil, snaperr.New(snaperr.Invalid, `tag "current" is reserved`)
	}

	entries, err := m.scan(includePaths, excludePaths, false)
	if err != nil {
		return nil, err
	}

	hash := snapshotHash(entries)
	if existing, _ := m.DB.GetByHash(hash); existing != nil {
		return nil, snaperr.New(snaperr.NoChanges, "no changes detected since the last snapshot")
	}

	parentID, err := m.DB.LatestID()
	if err != nil {
		return nil, err
	}

	var totalSize, compressedSize int64
	var files []store.FileRow
	for _, e := range entries {
		totalSize += e.Size
		files = append(files, store.FileRow{
			Path:        e.Path,
			ContentHash: e.ContentHash,
			Size:        e.Size,
			Mode:        uint32(e.Mode),
		})
	}

	row := store.SnapshotRow{
		Hash:        hash,
		Message:     message,
		CreatedAt:   time.Now().UTC(),
		IsAutosave:  isAutosave,
		TriggerType: triggerType,
		FilesCount:  len(entries),
		TotalSize:   totalSize,
	}
	if tag != "" {
		row.Tag = sql.NullString{String: tag, Valid: true}
	}
	if parentID > 0 {
		row.ParentID = sql.NullInt64{Int64: parentID, Valid: true}
	}

	fileByPath := make(map[string]scanner.FileEntry, len(entries))
	for _, e := range entries {
		fileByPath[e.Path] = e
	}

	id, err := m.DB.CreateSnapshot(row, files, func(tx *sql.Tx, f store.FileRow) error {
		e := fileByPath[f.Path]
		abs := filepath.Join(m.Root, e.Path)
		orig, stored, err := m.Content.Ingest(abs, e.ContentHash, m.CompressionEnabled, func(cr store.ContentRow) error {
			cr.CreatedAt = time.Now().UTC()
			return store.InsertContentTx(tx, cr)
		})
		if err != nil {
			return err
		}
		compressedSize += stored
		_ = orig
		return nil
	})
	if err != nil {
		return nil, err
	}

	row.ID = id
	row.CompressedSize = compressedSize
	return &Snapshot{SnapshotRow: row, Files: files}, nil
}

// ResolveRef parses ref as an integer (id lookup) or else looks it up
// by tag. CurrentRef is rejected here; callers that accept "current"
// (diff's to_ref) must special-case it before calling ResolveRef.
func (m *Manager) ResolveRef(ref string) (*store.SnapshotRow, error) {
	if ref == CurrentRef {
		return nil, snaperr.New(snaperr.Invalid, `"current" is not a stored snapshot`)
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		row, err := m.DB.GetByID(id)
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, snaperr.New(snaperr.SnapshotNotFound, fmt.Sprintf("snapshot %q not found", ref))
		}
		return row, nil
	}
	row, err := m.DB.GetByTag(ref)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, snaperr.New(snaperr.SnapshotNotFound, fmt.Sprintf("snapshot %q not found", ref))
	}
	return row, nil
}

// GetSnapshot resolves ref and loads its file entries.
func (m *Manager) GetSnapshot(ref string) (*Snapshot, error) {
	row, err := m.ResolveRef(ref)
	if err != nil {
		return nil, err
	}
	files, err := m.DB.FilesForSnapshot(row.ID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{SnapshotRow: *row, Files: files}, nil
}

// LatestRef returns the ref string of the most recently created
// snapshot, or "" if none exist yet.
func (m *Manager) LatestRef() (string, error) {
	id, err := m.DB.LatestID()
	if err != nil {
		return "", err
	}
	if id == 0 {
		return "", nil
	}
	return strconv.FormatInt(id, 10), nil
}

// ListSnapshots returns snapshots newest-first.
func (m *Manager) ListSnapshots(limit int, includeAutosave bool) ([]store.SnapshotRow, error) {
	return m.DB.ListLatest(limit, includeAutosave)
}

// DeleteSnapshot removes a snapshot by ref.
func (m *Manager) DeleteSnapshot(ref string) error {
	row, err := m.ResolveRef(ref)
	if err != nil {
		return err
	}
	return m.DB.DeleteSnapshot(row.ID)
}

// GetFileAtVersion returns the bytes of path as recorded in the snapshot ref.
func (m *Manager) GetFileAtVersion(ref, path string) ([]byte, error) {
	snap, err := m.GetSnapshot(ref)
	if err != nil {
		return nil, err
	}
	path = filepath.ToSlash(path)
	for _, f := range snap.Files {
		if f.Path == path {
			return m.Content.ContentAsBytes(f.ContentHash)
		}
	}
	return nil, snaperr.New(snaperr.FileNotInSnapshot, fmt.Sprintf("%s not present in snapshot %s", path, ref))
}

// ListFilesAtVersion lists the file entries of ref, optionally filtered
// by a full-path glob pattern.
func (m *Manager) ListFilesAtVersion(ref, pattern string) ([]store.FileRow, error) {
	snap, err := m.GetSnapshot(ref)
	if err != nil {
		return nil, err
	}
	if pattern == "" {
		return snap.Files, nil
	}
	var out []store.FileRow
	for _, f := range snap.Files {
		if ignore.MatchGlob(pattern, f.Path) {
			out = append(out, f)
		}
	}
	return out, nil
}

// RestoreReport is the outcome of a restore or partial-restore call.
type RestoreReport struct {
	Restored      int
	Skipped       int
	Total         int
	FilesRestored []string
	FilesSkipped  []string
}

// Restore writes the files of snapshot ref into targetDir (default
// m.Root), honoring fileFilters and the force-overwrite flag.
func (m *Manager) Restore(ref, targetDir string, force bool, fileFilters []string) (*RestoreReport, error) {
	snap, err := m.GetSnapshot(ref)
	if err != nil {
		return nil, err
	}
	if targetDir == "" {
		targetDir = m.Root
	}

	report := &RestoreReport{Total: len(snap.Files)}
	for _, f := range snap.Files {
		if !ignore.MatchesGlobOrPrefix(fileFilters, f.Path) {
			continue
		}
		target := filepath.Join(targetDir, filepath.FromSlash(f.Path))
		if !force {
			if _, err := os.Stat(target); err == nil {
				report.Skipped++
				report.FilesSkipped = append(report.FilesSkipped, f.Path)
				continue
			}
		}
		if err := m.Content.RestoreFile(f.ContentHash, target, os.FileMode(f.Mode)); err != nil {
			return report, err
		}
		report.Restored++
		report.FilesRestored = append(report.FilesRestored, f.Path)
	}
	return report, nil
}

// ExportReport is the outcome of an export call.
type ExportReport struct {
	FilesWritten int
	ArchivePath  string
	ArchiveBytes int64
}

// Export writes the files of snapshot ref either to a plain folder or
// to a gzip-compressed tar archive.
func (m *Manager) Export(ref, outputPath string, archive bool, fileFilters []string) (*ExportReport, error) {
	snap, err := m.GetSnapshot(ref)
	if err != nil {
		return nil, err
	}

	var selected []store.FileRow
	for _, f := range snap.Files {
		if ignore.MatchesGlobOrPrefix(fileFilters, f.Path) {
			selected = append(selected, f)
		}
	}

	if !archive {
		for _, f := range selected {
			target := filepath.Join(outputPath, filepath.FromSlash(f.Path))
			if err := m.Content.RestoreFile(f.ContentHash, target, os.FileMode(f.Mode)); err != nil {
				return nil, err
			}
		}
		return &ExportReport{FilesWritten: len(selected)}, nil
	}

	if !strings.HasSuffix(outputPath, ".tar.gz") {
		outputPath = strings.TrimSuffix(outputPath, filepath.Ext(outputPath)) + ".tar.gz"
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, snaperr.Wrap(snaperr.IOFault, "create export directory", err)
	}
	out, err := os.Create(outputPath)
	if err != nil {
		return nil, snaperr.Wrap(snaperr.IOFault, "create archive file", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for _, f := range selected {
		data, err := m.Content.ContentAsBytes(f.ContentHash)
		if err != nil {
			tw.Close()
			gz.Close()
			return nil, err
		}
		hdr := &tar.Header{
			Name: f.Path,
			Mode: int64(f.Mode),
			Size: int64(len(data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			tw.Close()
			gz.Close()
			return nil, snaperr.Wrap(snaperr.IOFault, "write archive header", err)
		}
		if _, err := tw.Write(data); err != nil {
			tw.Close()
			gz.Close()
			return nil, snaperr.Wrap(snaperr.IOFault, "write archive entry", err)
		}
	}
	if err := tw.Close(); err != nil {
		gz.Close()
		return nil, snaperr.Wrap(snaperr.IOFault, "finalize tar stream", err)
	}
	if err := gz.Close(); err != nil {
		return nil, snaperr.Wrap(snaperr.IOFault, "finalize gzip stream", err)
	}

	info, err := out.Stat()
	if err != nil {
		return nil, snaperr.Wrap(snaperr.IOFault, "stat archive file", err)
	}
	return &ExportReport{FilesWritten: len(selected), ArchivePath: outputPath, ArchiveBytes: info.Size()}, nil
}

// Modification is one modified path of a SnapshotDiff.
type Modification struct {
	Path    string
	OldHash string
	NewHash string
}

// SnapshotDiff is the result of comparing two file-maps by path.
type SnapshotDiff struct {
	Added         []string
	Removed       []string
	Modified      []Modification
	TotalChanges  int
	Significance  float64
}

func diffFileMaps(a, b map[string]store.FileRow) SnapshotDiff {
	var d SnapshotDiff
	for p := range b {
		if _, ok := a[p]; !ok {
			d.Added = append(d.Added, p)
		}
	}
	for p := range a {
		if _, ok := b[p]; !ok {
			d.Removed = append(d.Removed, p)
		}
	}
	for p, af := range a {
		if bf, ok := b[p]; ok && af.ContentHash != bf.ContentHash {
			d.Modified = append(d.Modified, Modification{Path: p, OldHash: af.ContentHash, NewHash: bf.ContentHash})
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Slice(d.Modified, func(i, j int) bool { return d.Modified[i].Path < d.Modified[j].Path })

	d.TotalChanges = len(d.Added) + len(d.Removed) + len(d.Modified)
	denom := len(a)
	if len(b) > denom {
		denom = len(b)
	}
	if denom < 1 {
		denom = 1
	}
	d.Significance = float64(d.TotalChanges) / float64(denom)
	return d
}

// filesForRef resolves either a stored snapshot ref or CurrentRef to a
// file-map, applying fileFilters consistently with restore's semantics.
func (m *Manager) filesForRef(ref string, fileFilters []string) (map[string]store.FileRow, error) {
	var files []store.FileRow
	if ref == CurrentRef {
		entries, err := m.scan(nil, nil, false)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			files = append(files, store.FileRow{Path: e.Path, ContentHash: e.ContentHash, Size: e.Size, Mode: uint32(e.Mode)})
		}
	} else {
		snap, err := m.GetSnapshot(ref)
		if err != nil {
			return nil, err
		}
		files = snap.Files
	}

	out := make(map[string]store.FileRow)
	for _, f := range files {
		if ignore.MatchesGlobOrPrefix(fileFilters, f.Path) {
			out[f.Path] = f
		}
	}
	return out, nil
}

// Diff compares fromRef against toRef (default CurrentRef).
func (m *Manager) Diff(fromRef, toRef string, fileFilters []string) (*SnapshotDiff, error) {
	if toRef == "" {
		toRef = CurrentRef
	}
	a, err := m.filesForRef(fromRef, fileFilters)
	if err != nil {
		return nil, err
	}
	b, err := m.filesForRef(toRef, fileFilters)
	if err != nil {
		return nil, err
	}
	d := diffFileMaps(a, b)
	return &d, nil
}

// RenderUnifiedDiff renders the modified files of d as unified text
// diffs, reading old/new text content from the two referenced snapshots.
func (m *Manager) RenderUnifiedDiff(fromRef, toRef string, d *SnapshotDiff, context int) (string, error) {
	if context <= 0 {
		context = 3
	}

	var sb strings.Builder
	for _, mod := range d.Modified {
		oldText, oldOK, err := m.Content.ContentAsText(mod.OldHash)
		if err != nil {
			return "", err
		}
		var newText string
		var newOK bool
		if toRef == CurrentRef {
			data, err := os.ReadFile(filepath.Join(m.Root, mod.Path))
			if err != nil {
				return "", snaperr.Wrap(snaperr.IOFault, fmt.Sprintf("read %s", mod.Path), err)
			}
			newText, newOK = string(data), true
		} else {
			newText, newOK, err = m.Content.ContentAsText(mod.NewHash)
			if err != nil {
				return "", err
			}
		}
		if !oldOK || !newOK {
			fmt.Fprintf(&sb, "--- %s (binary, diff omitted)\n", mod.Path)
			continue
		}
		ud := difflib.UnifiedDiff{
			A:        difflib.SplitLines(oldText),
			B:        difflib.SplitLines(newText),
			FromFile: "a/" + mod.Path,
			ToFile:   "b/" + mod.Path,
			Context:  context,
		}
		text, err := difflib.GetUnifiedDiffString(ud)
		if err != nil {
			return "", snaperr.Wrap(snaperr.Internal, "render unified diff", err)
		}
		sb.WriteString(text)
	}
	return sb.String(), nil
}

// HistoryEntry is one row of a file's chronological history.
type HistoryEntry struct {
	SnapshotID int64
	Status     string // first-seen | changed | unchanged | removed
	ContentHash string
}

// FileHistory walks every snapshot in ascending id order, recording the
// state of path at each point.
func (m *Manager) FileHistory(path string) ([]HistoryEntry, error) {
	path = filepath.ToSlash(path)
	snaps, err := m.DB.ListLatest(0, true)
	if err != nil {
		return nil, err
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })

	var history []HistoryEntry
	lastHash := ""
	present := false
	for _, snap := range snaps {
		files, err := m.DB.FilesForSnapshot(snap.ID)
		if err != nil {
			return nil, err
		}
		var hash string
		found := false
		for _, f := range files {
			if f.Path == path {
				hash = f.ContentHash
				found = true
				break
			}
		}
		switch {
		case found && !present:
			history = append(history, HistoryEntry{SnapshotID: snap.ID, Status: "first-seen", ContentHash: hash})
		case found && hash != lastHash:
			history = append(history, HistoryEntry{SnapshotID: snap.ID, Status: "changed", ContentHash: hash})
		case found:
			history = append(history, HistoryEntry{SnapshotID: snap.ID, Status: "unchanged", ContentHash: hash})
		case !found && present:
			history = append(history, HistoryEntry{SnapshotID: snap.ID, Status: "removed"})
		}
		present = found
		if found {
			lastHash = hash
		}
	}
	return history, nil
}

// SearchHit is one matched file within a search call.
type SearchHit struct {
	SnapshotID int64
	Path       string
	Lines      []string // "lineNumber: trimmed content", up to 5
	MatchCount int
}

const (
	searchFileCap = 50
	searchLineCap = 5
)

// Search walks the referenced snapshot (or every non-autosave snapshot)
// looking for query, decompressing each unique content hash at most once.
func (m *Manager) Search(query, fileFilter, snapshotRef string, caseSensitive bool) ([]SearchHit, error) {
	if query == "" {
		return nil, snaperr.New(snaperr.Invalid, "search query must not be empty")
	}

	var targets []store.SnapshotRow
	if snapshotRef != "" {
		row, err := m.ResolveRef(snapshotRef)
		if err != nil {
			return nil, err
		}
		targets = []store.SnapshotRow{*row}
	} else {
		all, err := m.DB.ListLatest(0, false)
		if err != nil {
			return nil, err
		}
		targets = all
	}

	needle := query
	if !caseSensitive {
		needle = strings.ToLower(needle)
	}

	memo := map[string][]string{} // content hash -> matching "line: text" entries (already capped at searchLineCap)
	memoCount := map[string]int{}

	var hits []SearchHit
	for _, snap := range targets {
		if len(hits) >= searchFileCap {
			break
		}
		files, err := m.DB.FilesForSnapshot(snap.ID)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if len(hits) >= searchFileCap {
				break
			}
			if fileFilter != "" && !ignore.MatchGlob(fileFilter, f.Path) {
				continue
			}
			lines, ok := memo[f.ContentHash]
			if !ok {
				text, isText, err := m.Content.ContentAsText(f.ContentHash)
				if err != nil {
					return nil, err
				}
				if !isText {
					memo[f.ContentHash] = nil
					memoCount[f.ContentHash] = 0
					continue
				}
				var matched []string
				count := 0
				for i, line := range strings.Split(text, "\n") {
					hay := line
					if !caseSensitive {
						hay = strings.ToLower(hay)
					}
					if strings.Contains(hay, needle) {
						count++
						if len(matched) < searchLineCap {
							matched = append(matched, fmt.Sprintf("%d: %s", i+1, strings.TrimSpace(line)))
						}
					}
				}
				memo[f.ContentHash] = matched
				memoCount[f.ContentHash] = count
				lines = matched
			}
			if memoCount[f.ContentHash] == 0 {
				continue
			}
			hits = append(hits, SearchHit{SnapshotID: snap.ID, Path: f.Path, Lines: lines, MatchCount: memoCount[f.ContentHash]})
		}
	}
	return hits, nil
}

// Changelog renders a Keep-a-Changelog-style Markdown document comparing
// fromRef to toRef (default CurrentRef).
func (m *Manager) Changelog(fromRef, toRef string) (string, error) {
	if toRef == "" {
		toRef = CurrentRef
	}
	d, err := m.Diff(fromRef, toRef, nil)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	label := toRef
	if toRef == CurrentRef {
		label = "current working tree"
	}
	fmt.Fprintf(&sb, "# Changelog\n\n## %s - %s\n\n", label, time.Now().UTC().Format("2006-01-02"))
	fmt.Fprintf(&sb, "Comparing from %s\n\n", fromRef)

	if len(d.Added) > 0 {
		sorted := append([]string{}, d.Added...)
		sort.Strings(sorted)
		sb.WriteString("### Added\n")
		for _, p := range sorted {
			fmt.Fprintf(&sb, "- %s\n", p)
		}
		sb.WriteString("\n")
	}
	if len(d.Modified) > 0 {
		sb.WriteString("### Changed\n")
		for _, mod := range d.Modified {
			fmt.Fprintf(&sb, "- %s\n", mod.Path)
		}
		sb.WriteString("\n")
	}
	if len(d.Removed) > 0 {
		sorted := append([]string{}, d.Removed...)
		sort.Strings(sorted)
		sb.WriteString("### Removed\n")
		for _, p := range sorted {
			fmt.Fprintf(&sb, "- %s\n", p)
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "_%d changes, significance %.3f_\n", d.TotalChanges, d.Significance)
	return sb.String(), nil
}

// CleanupOldAutosaves deletes autosave snapshots beyond maxKeep.
func (m *Manager) CleanupOldAutosaves(maxKeep int) (int, error) {
	return m.DB.DeleteOldAutosaves(maxKeep)
}

// CleanupExpiredAutosaves deletes autosave snapshots older than days.
func (m *Manager) CleanupExpiredAutosaves(days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	return m.DB.DeleteExpiredAutosaves(cutoff)
}

// CleanupOrphanedContents deletes content blobs no snapshot references.
func (m *Manager) CleanupOrphanedContents() (int, error) {
	return m.DB.DeleteOrphanedContents()
}
