// Package config loads and validates per-project gencodedoc configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// IgnoreConfig mirrors ignore.Rules in the on-disk schema.
type IgnoreConfig struct {
	Dirs       []string `toml:"dirs"`
	Files      []string `toml:"files"`
	Extensions []string `toml:"extensions"`
	Patterns   []string `toml:"patterns"`
}

// TimerConfig configures autosave's timer mode.
type TimerConfig struct {
	IntervalSeconds int `toml:"interval"`
}

// DiffThresholdConfig configures autosave's diff_threshold mode.
type DiffThresholdConfig struct {
	Threshold         float64 `toml:"threshold"`
	CheckIntervalSeconds int  `toml:"check_interval"`
	IgnoreWhitespace  bool    `toml:"ignore_whitespace"`
	IgnoreComments    bool    `toml:"ignore_comments"`
}

// HybridConfig configures autosave's hybrid mode.
type HybridConfig struct {
	MinIntervalSeconds int     `toml:"min_interval"`
	MaxIntervalSeconds int     `toml:"max_interval"`
	Threshold          float64 `toml:"threshold"`
}

// RetentionConfig configures autosave cleanup.
type RetentionConfig struct {
	MaxAutosaves     int  `toml:"max_autosaves"`
	CompressAfterDays int `toml:"compress_after_days"`
	DeleteAfterDays  int  `toml:"delete_after_days"`
	KeepManual       bool `toml:"keep_manual"`
}

// AutosaveConfig configures the AutosaveController.
type AutosaveConfig struct {
	Enabled       bool                `toml:"enabled"`
	Mode          string              `toml:"mode"`
	Timer         TimerConfig         `toml:"timer"`
	DiffThreshold DiffThresholdConfig `toml:"diff_threshold"`
	Hybrid        HybridConfig        `toml:"hybrid"`
	Retention     RetentionConfig     `toml:"retention"`
}

// DiffFormatConfig configures diff rendering defaults.
type DiffFormatConfig struct {
	Default            string `toml:"default"`
	UnifiedContext     int    `toml:"unified_context"`
	JSONIncludeContent bool   `toml:"json_include_content"`
	ASTEnabled         bool   `toml:"ast_enabled"`
}

// Config holds all gencodedoc configuration values for one project.
type Config struct {
	ProjectName string `toml:"project_name"`
	ProjectPath string `toml:"project_path"`
	StoragePath string `toml:"storage_path"`

	Ignore IgnoreConfig `toml:"ignore"`

	Autosave AutosaveConfig `toml:"autosave"`

	DiffFormat DiffFormatConfig `toml:"diff_format"`

	CompressionEnabled bool `toml:"compression_enabled"`
	CompressionLevel   int  `toml:"compression_level"`
}

// DefaultConfig returns a Config with all defaults populated for projectPath.
func DefaultConfig(projectPath string) Config {
	return Config{
		ProjectPath: projectPath,
		StoragePath: ".gencodedoc",
		Ignore: IgnoreConfig{
			Dirs:       []string{".git", "node_modules", ".gencodedoc", "__pycache__", ".venv", "venv"},
			Files:      []string{".DS_Store"},
			Extensions: []string{".pyc", ".o", ".so", ".class"},
		},
		Autosave: AutosaveConfig{
			Enabled: false,
			Mode:    "diff_threshold",
			Timer:   TimerConfig{IntervalSeconds: 300},
			DiffThreshold: DiffThresholdConfig{
				Threshold:            0.15,
				CheckIntervalSeconds: 30,
			},
			Hybrid: HybridConfig{
				MinIntervalSeconds: 120,
				MaxIntervalSeconds: 900,
				Threshold:          0.10,
			},
			Retention: RetentionConfig{
				MaxAutosaves:    20,
				DeleteAfterDays: 30,
				KeepManual:      true,
			},
		},
		DiffFormat: DiffFormatConfig{
			Default:        "unified",
			UnifiedContext: 3,
		},
		CompressionEnabled: true,
		CompressionLevel:   3,
	}
}

// ConfigFilePath returns the path to the project's config file inside
// its storage directory.
func (c Config) ConfigFilePath() string {
	return filepath.Join(c.StorageDir(), "config.toml")
}

// StorageDir returns the absolute storage directory for the project.
func (c Config) StorageDir() string {
	storage := c.StoragePath
	if storage == "" {
		storage = ".gencodedoc"
	}
	if filepath.IsAbs(storage) {
		return storage
	}
	return filepath.Join(c.ProjectPath, storage)
}

// DBPath returns the absolute path of the project's metadata database.
func (c Config) DBPath() string {
	return filepath.Join(c.StorageDir(), "gencodedoc.db")
}

// Load loads configuration for projectPath, falling back to defaults if
// no config file exists yet (first-run case). Warnings are returned for
// unrecognized TOML keys.
func Load(projectPath string) (Config, []string, error) {
	defaults := DefaultConfig(projectPath)
	return LoadFrom(defaults.ConfigFilePath(), defaults)
}

// LoadFrom loads configuration from path, overlaying TOML values onto
// the provided defaults.
func LoadFrom(path string, defaults Config) (Config, []string, error) {
	cfg := defaults

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return defaults, nil, nil
		}
		return Config{}, nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	// project_path is anchored at init time, not overridable from the file.
	cfg.ProjectPath = defaults.ProjectPath

	var warnings []string
	for _, key := range meta.Undecoded() {
		warnings = append(warnings, fmt.Sprintf("unknown config key: %s", key))
	}

	return cfg, warnings, nil
}

// Save writes cfg to its ConfigFilePath atomically (temp file + rename).
func Save(cfg Config) error {
	dir := filepath.Dir(cfg.ConfigFilePath())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.toml")
	if err != nil {
		return fmt.Errorf("creating config temp file: %w", err)
	}
	tmpPath := tmp.Name()
	enc := toml.NewEncoder(tmp)
	if err := enc.Encode(cfg); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing config temp file: %w", err)
	}
	if err := os.Rename(tmpPath, cfg.ConfigFilePath()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming config file: %w", err)
	}
	return nil
}

// EnsureDirs creates the project's storage directory if it does not exist.
func (c Config) EnsureDirs() error {
	if err := os.MkdirAll(c.StorageDir(), 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", c.StorageDir(), err)
	}
	return nil
}
