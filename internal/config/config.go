// Package config provides configuration management for lore.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// DefaultServerPort is the default HTTP port for the lore service.
	DefaultServerPort = 37711

	// DefaultModel for the LLM analysis backend. Aliases resolve to the
	// backend's latest version.
	DefaultModel = "haiku"

	// DefaultBackend is the analysis tool invoked for LLM batches.
	DefaultBackend = "claude"

	maxConfigFileSize = 1 << 20
)

// Config holds the application configuration.
type Config struct {
	DataDir  string         `koanf:"data_dir"`
	DB       DBConfig       `koanf:"db"`
	Server   ServerConfig   `koanf:"server"`
	Analysis AnalysisConfig `koanf:"analysis"`
	Ingest   IngestConfig   `koanf:"ingest"`
	Scan     ScanConfig     `koanf:"scan"`
	Vector   VectorConfig   `koanf:"vector"`
}

// DBConfig holds database settings.
type DBConfig struct {
	Path     string `koanf:"path"`
	MaxConns int    `koanf:"max_conns"`
}

// ServerConfig holds HTTP service settings.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	RateLimitPerMin int           `koanf:"rate_limit_per_min"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// AnalysisConfig holds queue and backend settings.
type AnalysisConfig struct {
	Backend           string `koanf:"backend"`
	Model             string `koanf:"model"`
	PayloadMode       string `koanf:"payload_mode"`
	ReaperSchedule    string `koanf:"reaper_schedule"`
	RetentionSchedule string `koanf:"retention_schedule"`
	BatchSize         int    `koanf:"batch_size"`
	MaxPayloadBytes   int    `koanf:"max_payload_bytes"`
	MaxAttempts       int    `koanf:"max_attempts"`
	// StaleClaimAfter must stay conservative relative to real backend
	// latency; reclaiming a live worker's item double-processes it.
	StaleClaimAfter time.Duration `koanf:"stale_claim_after"`
	RetainFor       time.Duration `koanf:"retain_for"`
	ClaimInterval   time.Duration `koanf:"claim_interval"`
}

// IngestConfig holds transcript watching settings.
type IngestConfig struct {
	WatchPaths []string      `koanf:"watch_paths"`
	Debounce   time.Duration `koanf:"debounce"`
	Watch      bool          `koanf:"watch"`
}

// ScanConfig holds bulk re-extraction settings.
type ScanConfig struct {
	Workers       int `koanf:"workers"`
	CancelCadence int `koanf:"cancel_cadence"`
}

// VectorConfig holds embedding indexer settings. Provider selects the
// embedding backend: "ollama" (local, default) or "openai".
type VectorConfig struct {
	Path       string `koanf:"path"`
	Collection string `koanf:"collection"`
	Provider   string `koanf:"provider"`
	Model      string `koanf:"model"`
	OllamaURL  string `koanf:"ollama_url"`
	APIKey     string `koanf:"api_key"`
	Enabled    bool   `koanf:"enabled"`
}

// DataDir returns the data directory path (~/.lore).
func DataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".lore")
}

// DBPath returns the database file path.
func DBPath() string {
	return filepath.Join(DataDir(), "lore.db")
}

// ConfigPath returns the YAML config file path.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.yaml")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		DataDir: DataDir(),
		DB: DBConfig{
			Path:     DBPath(),
			MaxConns: 4,
		},
		Server: ServerConfig{
			Port:            DefaultServerPort,
			RateLimitPerMin: 300,
			ShutdownTimeout: 30 * time.Second,
		},
		Analysis: AnalysisConfig{
			Backend:           DefaultBackend,
			Model:             DefaultModel,
			PayloadMode:       "truncated",
			ReaperSchedule:    "*/5 * * * *",
			RetentionSchedule: "0 3 * * *",
			BatchSize:         10,
			MaxPayloadBytes:   256 << 10,
			MaxAttempts:       3,
			StaleClaimAfter:   15 * time.Minute,
			RetainFor:         30 * 24 * time.Hour,
			ClaimInterval:     5 * time.Second,
		},
		Ingest: IngestConfig{
			Watch:    true,
			Debounce: 2 * time.Second,
		},
		Scan: ScanConfig{
			Workers:       4,
			CancelCadence: 25,
		},
		Vector: VectorConfig{
			Enabled:    true,
			Path:       filepath.Join(DataDir(), "vectors"),
			Collection: "lore_conversations",
			Provider:   "ollama",
			Model:      "nomic-embed-text",
			OllamaURL:  "http://localhost:11434",
		},
	}
}

// Load reads configuration from the YAML file, then overrides with LORE_*
// environment variables. A missing file is fine; defaults apply underneath.
//
// Precedence (highest first): env vars, YAML file, defaults.
// Env mapping splits on the first underscore after the prefix:
// LORE_SERVER_PORT -> server.port, LORE_ANALYSIS_STALE_CLAIM_AFTER ->
// analysis.stale_claim_after.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		configPath = ConfigPath()
	}

	if info, err := os.Stat(configPath); err == nil {
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
		}
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		content, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("LORE_", ".", func(s string) string {
		trimmed := strings.ToLower(strings.TrimPrefix(s, "LORE_"))
		parts := strings.SplitN(trimmed, "_", 2)
		if len(parts) == 1 {
			return trimmed
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// applyDefaults fills zero values the unmarshal may have cleared.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.DataDir == "" {
		cfg.DataDir = def.DataDir
	}
	if cfg.DB.Path == "" {
		cfg.DB.Path = filepath.Join(cfg.DataDir, "lore.db")
	}
	if cfg.DB.MaxConns <= 0 {
		cfg.DB.MaxConns = def.DB.MaxConns
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.RateLimitPerMin == 0 {
		cfg.Server.RateLimitPerMin = def.Server.RateLimitPerMin
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Analysis.Backend == "" {
		cfg.Analysis.Backend = def.Analysis.Backend
	}
	if cfg.Analysis.Model == "" {
		cfg.Analysis.Model = def.Analysis.Model
	}
	if cfg.Analysis.PayloadMode == "" {
		cfg.Analysis.PayloadMode = def.Analysis.PayloadMode
	}
	if cfg.Analysis.ReaperSchedule == "" {
		cfg.Analysis.ReaperSchedule = def.Analysis.ReaperSchedule
	}
	if cfg.Analysis.RetentionSchedule == "" {
		cfg.Analysis.RetentionSchedule = def.Analysis.RetentionSchedule
	}
	if cfg.Analysis.BatchSize <= 0 {
		cfg.Analysis.BatchSize = def.Analysis.BatchSize
	}
	if cfg.Analysis.MaxPayloadBytes <= 0 {
		cfg.Analysis.MaxPayloadBytes = def.Analysis.MaxPayloadBytes
	}
	if cfg.Analysis.MaxAttempts <= 0 {
		cfg.Analysis.MaxAttempts = def.Analysis.MaxAttempts
	}
	if cfg.Analysis.StaleClaimAfter <= 0 {
		cfg.Analysis.StaleClaimAfter = def.Analysis.StaleClaimAfter
	}
	if cfg.Analysis.RetainFor <= 0 {
		cfg.Analysis.RetainFor = def.Analysis.RetainFor
	}
	if cfg.Analysis.ClaimInterval <= 0 {
		cfg.Analysis.ClaimInterval = def.Analysis.ClaimInterval
	}
	if cfg.Ingest.Debounce <= 0 {
		cfg.Ingest.Debounce = def.Ingest.Debounce
	}
	if cfg.Scan.Workers <= 0 {
		cfg.Scan.Workers = def.Scan.Workers
	}
	if cfg.Scan.CancelCadence <= 0 {
		cfg.Scan.CancelCadence = def.Scan.CancelCadence
	}
	if cfg.Vector.Path == "" {
		cfg.Vector.Path = filepath.Join(cfg.DataDir, "vectors")
	}
	if cfg.Vector.Collection == "" {
		cfg.Vector.Collection = def.Vector.Collection
	}
	if cfg.Vector.Provider == "" {
		cfg.Vector.Provider = def.Vector.Provider
	}
	if cfg.Vector.Model == "" {
		cfg.Vector.Model = def.Vector.Model
	}
	if cfg.Vector.OllamaURL == "" {
		cfg.Vector.OllamaURL = def.Vector.OllamaURL
	}
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Analysis.PayloadMode {
	case "full", "truncated", "summary":
	default:
		return fmt.Errorf("analysis.payload_mode %q must be full, truncated or summary", c.Analysis.PayloadMode)
	}
	if c.Analysis.StaleClaimAfter < time.Minute {
		return fmt.Errorf("analysis.stale_claim_after %s is below the 1m floor", c.Analysis.StaleClaimAfter)
	}
	return nil
}
