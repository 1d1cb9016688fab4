// Package config holds all slide2anki pipeline configuration.
// Config is loaded from a YAML file with environment overrides applied
// afterwards, so deployments can inject secrets without editing files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the orchestration core.
type Config struct {
	Workspace string `yaml:"workspace"`

	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Capability CapabilityConfig `yaml:"capability"`
	Store      StoreConfig      `yaml:"store"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// PipelineConfig controls graph execution behaviour.
type PipelineConfig struct {
	// ChunkSize is the target number of pages per extraction chunk.
	ChunkSize int `yaml:"chunk_size"`
	// ChunkOverlap is the fraction of a chunk shared with its neighbor.
	ChunkOverlap float64 `yaml:"chunk_overlap"`
	// MaxConcurrency caps parallel dispatch units per fan-out.
	MaxConcurrency int `yaml:"max_concurrency"`
	// MaxRepairs bounds the verify->repair loop per unit.
	MaxRepairs int `yaml:"max_repairs"`
	// MaxRetries bounds transient-error retries per capability call.
	MaxRetries int `yaml:"max_retries"`
	// FastMode skips image classification and transcription.
	FastMode bool `yaml:"fast_mode"`
	// DetectChapters toggles the chapter detection node.
	DetectChapters bool `yaml:"detect_chapters"`
}

// CapabilityConfig configures the outbound inference layer.
type CapabilityConfig struct {
	Provider string        `yaml:"provider"` // gemini, fake
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

// StoreConfig configures checkpoint persistence.
type StoreConfig struct {
	// Driver selects the checkpoint store: "sqlite" or "memory".
	Driver string `yaml:"driver"`
	// DatabasePath is the SQLite file location (sqlite driver only).
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures the category loggers.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Console  bool   `yaml:"console"`
	Disabled bool   `yaml:"disabled"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Workspace: ".",
		Pipeline: PipelineConfig{
			ChunkSize:      10,
			ChunkOverlap:   0.15,
			MaxConcurrency: 4,
			MaxRepairs:     2,
			MaxRetries:     3,
			DetectChapters: true,
		},
		Capability: CapabilityConfig{
			Provider: "gemini",
			Model:    "gemini-2.5-flash",
			Timeout:  5 * time.Minute,
		},
		Store: StoreConfig{
			Driver:       "sqlite",
			DatabasePath: filepath.Join(".slide2anki", "runs.db"),
		},
		Logging: LoggingConfig{Level: "info", Console: true},
	}
}

// Load reads a YAML config file, fills defaults for anything unset, and
// applies environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	fillDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg, cfg.Validate()
}

func fillDefaults(cfg *Config) {
	def := Default()
	if cfg.Workspace == "" {
		cfg.Workspace = def.Workspace
	}
	if cfg.Pipeline.ChunkSize == 0 {
		cfg.Pipeline.ChunkSize = def.Pipeline.ChunkSize
	}
	if cfg.Pipeline.ChunkOverlap == 0 {
		cfg.Pipeline.ChunkOverlap = def.Pipeline.ChunkOverlap
	}
	if cfg.Pipeline.MaxConcurrency == 0 {
		cfg.Pipeline.MaxConcurrency = def.Pipeline.MaxConcurrency
	}
	if cfg.Pipeline.MaxRepairs == 0 {
		cfg.Pipeline.MaxRepairs = def.Pipeline.MaxRepairs
	}
	if cfg.Pipeline.MaxRetries == 0 {
		cfg.Pipeline.MaxRetries = def.Pipeline.MaxRetries
	}
	if cfg.Capability.Provider == "" {
		cfg.Capability.Provider = def.Capability.Provider
	}
	if cfg.Capability.Model == "" {
		cfg.Capability.Model = def.Capability.Model
	}
	if cfg.Capability.Timeout == 0 {
		cfg.Capability.Timeout = def.Capability.Timeout
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = def.Store.Driver
	}
	if cfg.Store.DatabasePath == "" {
		cfg.Store.DatabasePath = def.Store.DatabasePath
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
}

func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && cfg.Capability.APIKey == "" {
		cfg.Capability.APIKey = key
	}
	if key := os.Getenv("SLIDE2ANKI_API_KEY"); key != "" {
		cfg.Capability.APIKey = key
	}
	if model := os.Getenv("SLIDE2ANKI_MODEL"); model != "" {
		cfg.Capability.Model = model
	}
	if path := os.Getenv("SLIDE2ANKI_DB"); path != "" {
		cfg.Store.DatabasePath = path
	}
	if ws := os.Getenv("SLIDE2ANKI_WORKSPACE"); ws != "" {
		cfg.Workspace = ws
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Pipeline.ChunkSize < 1 {
		return fmt.Errorf("config: chunk_size must be >= 1, got %d", c.Pipeline.ChunkSize)
	}
	if c.Pipeline.ChunkOverlap < 0 || c.Pipeline.ChunkOverlap > 0.5 {
		return fmt.Errorf("config: chunk_overlap must be in [0, 0.5], got %g", c.Pipeline.ChunkOverlap)
	}
	if c.Pipeline.MaxConcurrency < 1 {
		return fmt.Errorf("config: max_concurrency must be >= 1, got %d", c.Pipeline.MaxConcurrency)
	}
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	return nil
}

// Save writes the config back to disk as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
