// Package project keeps a lazily-populated registry of per-project
// managers, keyed by absolute project path, so the request router can
// reuse one open database and autosave controller per project across
// many JSON-RPC calls instead of reopening state on every request.
package project

import (
	"fmt"
	"path/filepath"
	"sync"

	"gencodedoc/config"
	"gencodedoc/internal/autosave"
	"gencodedoc/internal/compress"
	"gencodedoc/internal/content"
	"gencodedoc/internal/ignore"
	"gencodedoc/internal/store"
	"gencodedoc/internal/version"
)

// Managers bundles the live state for one initialized project.
type Managers struct {
	Path     string
	Config   config.Config
	DB       *store.DB
	Content  *content.Store
	Filter   *ignore.Filter
	Version  *version.Manager

	mu        sync.Mutex
	autosaver *autosave.Controller
}

// Autosaver returns the currently running autosave controller for this
// project, or nil if none is running.
func (m *Managers) Autosaver() *autosave.Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autosaver
}

// SetAutosaver installs (or clears, with nil) the running autosave
// controller for this project.
func (m *Managers) SetAutosaver(c *autosave.Controller) {
	m.mu.Lock()
	m.autosaver = c
	m.mu.Unlock()
}

// Close releases the project's open database handle and stops any
// running autosave controller.
func (m *Managers) Close() error {
	if a := m.Autosaver(); a != nil {
		a.Stop()
		m.SetAutosaver(nil)
	}
	return m.DB.Close()
}

// Registry caches Managers by absolute project path.
type Registry struct {
	mu       sync.Mutex
	projects map[string]*Managers
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{projects: make(map[string]*Managers)}
}

// Get returns the cached Managers for projectPath if present, without
// creating one.
func (r *Registry) Get(projectPath string) (*Managers, bool) {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		abs = projectPath
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.projects[abs]
	return m, ok
}

// Open returns the cached Managers for projectPath, opening and
// registering one if it does not exist yet. It loads project
// configuration from disk, opens the metadata store, and wires the
// content/ignore/version layers on top of it.
func (r *Registry) Open(projectPath string) (*Managers, error) {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return nil, fmt.Errorf("resolving project path %q: %w", projectPath, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.projects[abs]; ok {
		return m, nil
	}

	cfg, _, err := config.Load(abs)
	if err != nil {
		return nil, fmt.Errorf("loading config for %s: %w", abs, err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("opening metadata store for %s: %w", abs, err)
	}

	codec := compress.New(cfg.CompressionLevel)
	cs := content.New(db, codec)

	rules := ignore.Rules{
		Dirs:       cfg.Ignore.Dirs,
		Files:      cfg.Ignore.Files,
		Extensions: cfg.Ignore.Extensions,
		Patterns:   cfg.Ignore.Patterns,
	}
	filter := ignore.New(rules)

	vm := version.New(abs, db, cs, filter, cfg.CompressionEnabled)

	m := &Managers{
		Path:    abs,
		Config:  cfg,
		DB:      db,
		Content: cs,
		Filter:  filter,
		Version: vm,
	}
	r.projects[abs] = m
	return m, nil
}

// Invalidate closes and drops the cached Managers for projectPath, if
// any, forcing the next Open to reload configuration from disk. Callers
// use this after mutating ignore rules or configuration values so the
// in-memory filter and manager reflect what was just written.
func (r *Registry) Invalidate(projectPath string) error {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		abs = projectPath
	}
	r.mu.Lock()
	m, ok := r.projects[abs]
	if ok {
		delete(r.projects, abs)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return m.Close()
}

// CloseAll stops every autosave controller and closes every open
// database handle. Used at shutdown.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	projects := make([]*Managers, 0, len(r.projects))
	for _, m := range r.projects {
		projects = append(projects, m)
	}
	r.projects = make(map[string]*Managers)
	r.mu.Unlock()

	var firstErr error
	for _, m := range projects {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
