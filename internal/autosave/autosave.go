// Package autosave runs a background loop that decides, under one of
// three mutually exclusive policies, when to cut an automatic snapshot,
// and enforces retention limits on the autosave snapshots it creates.
package autosave

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"gencodedoc/internal/ignore"
	"gencodedoc/internal/version"
)

// Mode selects one of the three trigger policies.
type Mode string

const (
	ModeTimer         Mode = "timer"
	ModeDiffThreshold Mode = "diff_threshold"
	ModeHybrid        Mode = "hybrid"
)

// RetentionConfig controls post-trigger cleanup.
type RetentionConfig struct {
	MaxAutosaves    int
	DeleteAfterDays int
}

// Config configures one AutosaveController run.
type Config struct {
	Mode Mode

	TimerIntervalSeconds int

	DiffThreshold           float64
	DiffCheckIntervalSeconds int

	HybridMinIntervalSeconds int
	HybridMaxIntervalSeconds int
	HybridThreshold          float64

	Retention RetentionConfig
}

const hybridWakeInterval = 60 * time.Second
const observerDebounce = 1 * time.Second

// Controller drives VersionManager.CreateSnapshot on its configured schedule.
type Controller struct {
	root       string
	storageDir string
	manager    *version.Manager
	filter     *ignore.Filter
	cfg        Config

	dirty int32 // atomic

	lastSave time.Time
	mu       sync.Mutex // guards lastSave

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup

	watcher *fsnotify.Watcher
}

// New returns a Controller; it does not start any goroutine until Start
// is called. filter may be nil, in which case every directory under
// root is watched.
func New(root, storageDir string, manager *version.Manager, filter *ignore.Filter, cfg Config) *Controller {
	return &Controller{root: root, storageDir: storageDir, manager: manager, filter: filter, cfg: cfg, lastSave: time.Now()}
}

// Start launches the background worker (and, for diff_threshold/hybrid
// modes, a filesystem observer).
func (c *Controller) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if c.cfg.Mode == ModeDiffThreshold || c.cfg.Mode == ModeHybrid {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			cancel()
			return fmt.Errorf("create filesystem watcher: %w", err)
		}
		c.watcher = w
		if err := c.watchTree(c.root); err != nil {
			w.Close()
			cancel()
			return fmt.Errorf("watch project tree: %w", err)
		}
		c.wg.Add(1)
		go c.observe(runCtx)
	}

	c.wg.Add(1)
	switch c.cfg.Mode {
	case ModeTimer:
		go c.runTimer(runCtx)
	case ModeDiffThreshold:
		go c.runDiffThreshold(runCtx)
	case ModeHybrid:
		go c.runHybrid(runCtx)
	default:
		c.wg.Done()
		cancel()
		return fmt.Errorf("unknown autosave mode %q", c.cfg.Mode)
	}
	return nil
}

// Stop cancels the background worker and observer and waits for them to
// return. It does not interrupt an in-flight snapshot write; it simply
// waits for the current iteration to finish.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
		if c.watcher != nil {
			c.watcher.Close()
		}
	})
}

// watchTree registers dir and every kept subdirectory beneath it with
// the watcher. fsnotify watches are not recursive, so each directory
// needs its own Add call; ignored directories are pruned rather than
// descended into.
func (c *Controller) watchTree(dir string) error {
	if err := c.watcher.Add(dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil // unreadable directory: skip silently
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		abs := filepath.Join(dir, entry.Name())
		if c.shouldSkipDir(abs) {
			continue
		}
		if err := c.watchTree(abs); err != nil {
			fmt.Fprintf(os.Stderr, "gencodedoc: autosave: watch %s failed: %v\n", abs, err)
		}
	}
	return nil
}

// shouldSkipDir reports whether abs should be excluded from watching:
// the storage directory itself, or a directory the project's ignore
// rules prune.
func (c *Controller) shouldSkipDir(abs string) bool {
	if c.storageDir != "" && strings.HasPrefix(abs, c.storageDir) {
		return true
	}
	if c.filter == nil {
		return false
	}
	rel, err := filepath.Rel(c.root, abs)
	if err != nil {
		return false
	}
	return c.filter.ShouldIgnore(filepath.ToSlash(rel), true)
}

func (c *Controller) markDirty()  { atomic.StoreInt32(&c.dirty, 1) }
func (c *Controller) clearDirty() { atomic.StoreInt32(&c.dirty, 0) }
func (c *Controller) isDirty() bool { return atomic.LoadInt32(&c.dirty) == 1 }

// observe watches for filesystem events under the project root, ignoring
// directory-only events and anything under the storage directory
// (avoiding feedback from our own writes), debounced to one signal per
// second.
func (c *Controller) observe(ctx context.Context) {
	defer c.wg.Done()
	var lastSignal time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			info, statErr := os.Stat(ev.Name)
			if statErr == nil && info.IsDir() {
				if ev.Has(fsnotify.Create) && !c.shouldSkipDir(ev.Name) {
					if err := c.watchTree(ev.Name); err != nil {
						fmt.Fprintf(os.Stderr, "gencodedoc: autosave: watch %s failed: %v\n", ev.Name, err)
					}
				}
				continue
			}
			if c.storageDir != "" && strings.HasPrefix(ev.Name, c.storageDir) {
				continue
			}
			if time.Since(lastSignal) < observerDebounce {
				continue
			}
			lastSignal = time.Now()
			c.markDirty()
		case _, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (c *Controller) runTimer(ctx context.Context) {
	defer c.wg.Done()
	interval := time.Duration(c.cfg.TimerIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.trigger("timer")
		}
	}
}

func (c *Controller) runDiffThreshold(ctx context.Context) {
	defer c.wg.Done()
	interval := time.Duration(c.cfg.DiffCheckIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.isDirty() {
				continue
			}
			latest, err := c.manager.LatestRef()
			if err != nil {
				fmt.Fprintf(os.Stderr, "gencodedoc: autosave: latest snapshot lookup failed: %v\n", err)
				continue
			}
			if latest == "" {
				c.trigger("diff_threshold")
				c.clearDirty()
				continue
			}
			diff, err := c.manager.Diff(latest, version.CurrentRef, nil)
			if err != nil {
				fmt.Fprintf(os.Stderr, "gencodedoc: autosave: diff check failed: %v\n", err)
				continue
			}
			if diff.Significance >= c.cfg.DiffThreshold {
				c.trigger("diff_threshold")
				c.clearDirty()
			}
		}
	}
}

func (c *Controller) runHybrid(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(hybridWakeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			elapsed := time.Since(c.lastSave)
			c.mu.Unlock()

			maxInterval := time.Duration(c.cfg.HybridMaxIntervalSeconds) * time.Second
			minInterval := time.Duration(c.cfg.HybridMinIntervalSeconds) * time.Second

			if maxInterval > 0 && elapsed >= maxInterval {
				c.trigger("hybrid_max_interval")
				continue
			}
			if elapsed >= minInterval && c.isDirty() {
				latest, err := c.manager.LatestRef()
				if err != nil {
					fmt.Fprintf(os.Stderr, "gencodedoc: autosave: latest snapshot lookup failed: %v\n", err)
					continue
				}
				if latest == "" {
					c.trigger("hybrid_threshold")
					c.clearDirty()
					continue
				}
				diff, err := c.manager.Diff(latest, version.CurrentRef, nil)
				if err != nil {
					fmt.Fprintf(os.Stderr, "gencodedoc: autosave: diff check failed: %v\n", err)
					continue
				}
				if diff.Significance >= c.cfg.HybridThreshold {
					c.trigger("hybrid_threshold")
					c.clearDirty()
				}
			}
		}
	}
}

// trigger creates an autosave snapshot with the given trigger label,
// applies retention, and logs (but does not propagate) failures.
func (c *Controller) trigger(label string) {
	runID := uuid.NewString()
	snap, err := c.manager.CreateSnapshot("", "", nil, nil, true, label)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gencodedoc: autosave[%s]: trigger %s failed: %v\n", runID, label, err)
		return
	}

	c.mu.Lock()
	c.lastSave = time.Now()
	c.mu.Unlock()

	fmt.Fprintf(os.Stderr, "gencodedoc: autosave[%s]: snapshot %d created (%s)\n", runID, snap.ID, label)

	if c.cfg.Retention.MaxAutosaves > 0 {
		if _, err := c.manager.CleanupOldAutosaves(c.cfg.Retention.MaxAutosaves); err != nil {
			fmt.Fprintf(os.Stderr, "gencodedoc: autosave[%s]: retention (max_autosaves) failed: %v\n", runID, err)
		}
	}
	if c.cfg.Retention.DeleteAfterDays > 0 {
		if _, err := c.manager.CleanupExpiredAutosaves(c.cfg.Retention.DeleteAfterDays); err != nil {
			fmt.Fprintf(os.Stderr, "gencodedoc: autosave[%s]: retention (delete_after_days) failed: %v\n", runID, err)
		}
	}
}
