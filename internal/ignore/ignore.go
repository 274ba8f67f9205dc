// Package ignore decides whether a path should be excluded from a scan,
// and walks a directory tree pruning ignored subtrees as it goes.
package ignore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/crackcomm/go-gitignore"

	"gencodedoc/internal/snaperr"
)

// Rules is the on-disk / in-memory rule set for one project.
type Rules struct {
	Dirs       []string `json:"dirs"`
	Files      []string `json:"files"`
	Extensions []string `json:"extensions"`
	Patterns   []string `json:"patterns"`
}

// DefaultRules returns the baseline ignore set most projects want.
func DefaultRules() Rules {
	return Rules{
		Dirs:       []string{".git", "node_modules", ".gencodedoc", "__pycache__", ".venv", "venv"},
		Files:      []string{".DS_Store"},
		Extensions: []string{".pyc", ".o", ".so", ".class"},
		Patterns:   []string{},
	}
}

// Filter evaluates paths against a Rules set, reloadable and persisted
// at rulesPath.
type Filter struct {
	mu        sync.RWMutex
	rulesPath string
	rules     Rules
	dirSet    map[string]bool
	fileSet   map[string]bool
	extSet    map[string]bool
	gi        *gitignore.GitIgnore
}

// New creates a Filter from an in-memory rule set (no persistence path).
func New(rules Rules) *Filter {
	f := &Filter{rules: rules}
	f.rebuildLocked()
	return f
}

// Load reads rules from rulesPath, falling back to defaults if the file
// does not exist.
func Load(rulesPath string) (*Filter, error) {
	f := &Filter{rulesPath: rulesPath, rules: DefaultRules()}
	if err := f.reload(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Filter) reload() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.rulesPath != "" {
		data, err := os.ReadFile(f.rulesPath)
		if err == nil {
			var r Rules
			if err := json.Unmarshal(data, &r); err != nil {
				return snaperr.Wrap(snaperr.Invalid, "parse ignore rules file", err)
			}
			f.rules = r
		} else if !os.IsNotExist(err) {
			return snaperr.Wrap(snaperr.IOFault, "read ignore rules file", err)
		}
	}
	f.rebuildLocked()
	return nil
}

func (f *Filter) rebuildLocked() {
	f.dirSet = toSet(f.rules.Dirs)
	f.fileSet = toSet(f.rules.Files)
	extSet := make(map[string]bool, len(f.rules.Extensions))
	for _, e := range f.rules.Extensions {
		extSet[strings.ToLower(e)] = true
	}
	f.extSet = extSet

	if len(f.rules.Patterns) > 0 {
		gi, err := gitignore.CompileIgnoreLines(f.rules.Patterns...)
		if err == nil {
			f.gi = gi
		} else {
			f.gi = nil
		}
	} else {
		f.gi = nil
	}
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, i := range items {
		out[i] = true
	}
	return out
}

// Rules returns a copy of the current rule set.
func (f *Filter) Rules() Rules {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return Rules{
		Dirs:       append([]string{}, f.rules.Dirs...),
		Files:      append([]string{}, f.rules.Files...),
		Extensions: append([]string{}, f.rules.Extensions...),
		Patterns:   append([]string{}, f.rules.Patterns...),
	}
}

// SetRules replaces the rule set and, if a rulesPath was configured,
// persists it atomically (temp file + rename).
func (f *Filter) SetRules(r Rules) error {
	f.mu.Lock()
	f.rules = r
	f.rebuildLocked()
	path := f.rulesPath
	f.mu.Unlock()

	if path == "" {
		return nil
	}
	return f.writeRules(path, r)
}

func (f *Filter) writeRules(path string, r Rules) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return snaperr.Wrap(snaperr.Internal, "marshal ignore rules", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return snaperr.Wrap(snaperr.IOFault, "create ignore rules directory", err)
	}
	tmp, err := os.CreateTemp(dir, ".ignore-*.tmp")
	if err != nil {
		return snaperr.Wrap(snaperr.IOFault, "create ignore rules temp file", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return snaperr.Wrap(snaperr.IOFault, "write ignore rules temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return snaperr.Wrap(snaperr.IOFault, "close ignore rules temp file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return snaperr.Wrap(snaperr.IOFault, "rename ignore rules file", err)
	}
	return nil
}

// ShouldIgnore reports whether path (project-relative, forward-slashed)
// is excluded by any rule.
func (f *Filter) ShouldIgnore(relPath string, isDir bool) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	base := filepath.Base(relPath)
	if isDir {
		if f.dirSet[base] {
			return true
		}
	} else {
		if f.fileSet[base] {
			return true
		}
		ext := strings.ToLower(filepath.Ext(base))
		if ext != "" && f.extSet[ext] {
			return true
		}
	}

	if f.gi != nil && f.gi.MatchesPath(relPath) {
		return true
	}
	return false
}

// Walk performs a depth-first scan of root, invoking fn for each kept
// regular file with its project-relative, forward-slash path. Ignored
// directories are pruned (never descended into). Unreadable directories
// are skipped silently.
func (f *Filter) Walk(root string, fn func(relPath, absPath string) error) error {
	return f.walkDir(root, root, fn)
}

func (f *Filter) walkDir(root, dir string, fn func(relPath, absPath string) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil // unreadable directory: skip silently
	}

	for _, entry := range entries {
		abs := filepath.Join(dir, entry.Name())
		rel, err := filepath.Rel(root, abs)
		if err != nil {
			continue
		}
		rel = filepath.ToSlash(rel)

		if entry.IsDir() {
			if f.ShouldIgnore(rel, true) {
				continue
			}
			if err := f.walkDir(root, abs, fn); err != nil {
				return err
			}
			continue
		}

		if entry.Type()&os.ModeSymlink != 0 {
			continue
		}
		if !entry.Type().IsRegular() {
			continue
		}
		if f.ShouldIgnore(rel, false) {
			continue
		}
		if err := fn(rel, abs); err != nil {
			return err
		}
	}
	return nil
}

// MatchesGlobOrPrefix implements the file_filters semantics shared by
// restore/export/diff: glob-match(pattern, path) OR path.startswith(pattern).
func MatchesGlobOrPrefix(patterns []string, path string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if strings.HasPrefix(path, p) {
			return true
		}
		if matched, err := doublestar.Match(p, path); err == nil && matched {
			return true
		}
	}
	return false
}

// MatchGlob is a thin wrapper for the single-pattern glob matching
// list_files_at_version needs (full-path glob).
func MatchGlob(pattern, path string) bool {
	if pattern == "" {
		return true
	}
	matched, err := doublestar.Match(pattern, path)
	if err != nil {
		return false
	}
	return matched
}
