package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
)

// StoreConfig selects where results are persisted.
type StoreConfig struct {
	Kind        string `json:"kind" yaml:"kind" toml:"kind"`
	Dir         string `json:"dir" yaml:"dir" toml:"dir"`
	DatabaseURL string `json:"database_url" yaml:"database_url" toml:"database_url"`
}

// CORSConfig is opt-in; no CORS middleware is installed when disabled.
type CORSConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
	AllowedMethods []string `json:"allowed_methods" yaml:"allowed_methods" toml:"allowed_methods"`
	AllowedHeaders []string `json:"allowed_headers" yaml:"allowed_headers" toml:"allowed_headers"`
}

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by WithDefaults.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"`
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`

	// MemoryBudgetMB is the admission threshold; 0 derives it from host memory.
	MemoryBudgetMB   int     `json:"memory_budget_mb" yaml:"memory_budget_mb" toml:"memory_budget_mb"`
	HeadroomFraction float64 `json:"headroom_fraction" yaml:"headroom_fraction" toml:"headroom_fraction"`

	Workers          int     `json:"workers" yaml:"workers" toml:"workers"`
	MaxRetries       int     `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	DegradedFraction float64 `json:"degraded_fraction" yaml:"degraded_fraction" toml:"degraded_fraction"`
	FrameTimeoutMs   int     `json:"frame_timeout_ms" yaml:"frame_timeout_ms" toml:"frame_timeout_ms"`
	DrainTimeoutMs   int     `json:"drain_timeout_ms" yaml:"drain_timeout_ms" toml:"drain_timeout_ms"`
	PerfWindow       int     `json:"perf_window" yaml:"perf_window" toml:"perf_window"`

	// EngineCommand is the detector worker executable; empty disables inference.
	EngineCommand string   `json:"engine_command" yaml:"engine_command" toml:"engine_command"`
	EngineArgs    []string `json:"engine_args" yaml:"engine_args" toml:"engine_args"`

	FFmpegPath     string  `json:"ffmpeg_path" yaml:"ffmpeg_path" toml:"ffmpeg_path"`
	FPS            float64 `json:"fps" yaml:"fps" toml:"fps"`
	MaxFrames      int     `json:"max_frames" yaml:"max_frames" toml:"max_frames"`
	MaxDurationSec float64 `json:"max_duration_sec" yaml:"max_duration_sec" toml:"max_duration_sec"`
	FrameWidth     int     `json:"frame_width" yaml:"frame_width" toml:"frame_width"`
	FrameHeight    int     `json:"frame_height" yaml:"frame_height" toml:"frame_height"`

	Store        StoreConfig `json:"store" yaml:"store" toml:"store"`
	CORS         CORSConfig  `json:"cors" yaml:"cors" toml:"cors"`
	MaxBodyBytes int64       `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// WithDefaults fills unspecified fields.
func (c Config) WithDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.ModelsDir == "" {
		c.ModelsDir = "~/models/landmarks"
	}
	if c.HeadroomFraction == 0 {
		c.HeadroomFraction = 0.8
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.DegradedFraction == 0 {
		c.DegradedFraction = 0.25
	}
	if c.DrainTimeoutMs == 0 {
		c.DrainTimeoutMs = 5000
	}
	if c.PerfWindow == 0 {
		c.PerfWindow = 50
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.FPS == 0 {
		c.FPS = 30
	}
	if c.MaxFrames == 0 {
		c.MaxFrames = 300
	}
	if c.MaxDurationSec == 0 {
		c.MaxDurationSec = 10
	}
	if c.Store.Kind == "" {
		c.Store.Kind = StoreMemory
		if c.Store.DatabaseURL != "" {
			c.Store.Kind = StorePostgres
		} else if c.Store.Dir != "" {
			c.Store.Kind = StoreFile
		}
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 1 << 20
	}
	return c
}

// Validate rejects values the service cannot run with.
func (c Config) Validate() error {
	if c.MemoryBudgetMB < 0 {
		return fmt.Errorf("memory_budget_mb must be >= 0")
	}
	if c.HeadroomFraction <= 0 || c.HeadroomFraction > 1 {
		return fmt.Errorf("headroom_fraction must be within (0,1], got %v", c.HeadroomFraction)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	if c.DegradedFraction <= 0 || c.DegradedFraction > 1 {
		return fmt.Errorf("degraded_fraction must be within (0,1], got %v", c.DegradedFraction)
	}
	if c.FrameTimeoutMs < 0 || c.DrainTimeoutMs < 0 {
		return fmt.Errorf("timeouts must be >= 0")
	}
	if c.FPS <= 0 || c.MaxFrames <= 0 || c.MaxDurationSec <= 0 {
		return fmt.Errorf("fps, max_frames and max_duration_sec must be > 0")
	}
	if (c.FrameWidth > 0) != (c.FrameHeight > 0) {
		return fmt.Errorf("frame_width and frame_height must be set together")
	}
	switch c.Store.Kind {
	case StoreMemory:
	case StoreFile:
		if c.Store.Dir == "" {
			return fmt.Errorf("store.dir is required for the file store")
		}
	case StorePostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("store.database_url is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store kind %q (want memory|file|postgres)", c.Store.Kind)
	}
	return nil
}

func (c Config) FrameTimeout() time.Duration {
	return time.Duration(c.FrameTimeoutMs) * time.Millisecond
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMs) * time.Millisecond
}
