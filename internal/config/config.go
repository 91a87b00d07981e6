// Package config holds the oakci daemon configuration and the persisted
// state layout under <project_root>/.oak/ci. All paths are resolved once
// against a stable project root captured at start; nothing is re-derived
// from the current working directory.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

// Environment variables recognized by the daemon.
const (
	EnvToken       = "OAK_CI_TOKEN"
	EnvBackupDir   = "OAK_CI_BACKUP_DIR"
	EnvProjectRoot = "OAK_CI_PROJECT_ROOT"
)

// Config holds all oakci daemon configuration.
type Config struct {
	// Embedding provider (OpenAI-compatible HTTP, or local Ollama)
	Embedding EmbeddingConfig `json:"embedding"`

	// Summarization provider (OpenAI-compatible HTTP)
	Summarizer SummarizerConfig `json:"summarizer"`

	// Indexer settings
	Indexer IndexerConfig `json:"indexer"`

	// Background pipeline settings
	Pipeline PipelineConfig `json:"pipeline"`

	// Power-state thresholds
	Power PowerConfig `json:"power"`

	// Governance settings
	Governance GovernanceConfig `json:"governance"`

	// Backup settings
	Backup BackupConfig `json:"backup"`

	// Plan capture directories, relative to the project root
	PlanDirs []string `json:"plan_dirs"`

	// Logging (read by internal/logging directly; mirrored here for Save)
	Logging LoggingConfig `json:"logging"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	Provider  string `json:"provider"` // "openai" or "ollama"
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key"`
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
	Timeout   string `json:"timeout"`
}

// SummarizerConfig configures the summarization LLM provider.
type SummarizerConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	Model   string `json:"model"`
	Timeout string `json:"timeout"`
}

// IndexerConfig configures the source tree indexer.
type IndexerConfig struct {
	Enabled          bool     `json:"enabled"`
	MaxChunkLines    int      `json:"max_chunk_lines"`
	ExcludePatterns  []string `json:"exclude_patterns"`
	WatchDebounceMS  int      `json:"watch_debounce_ms"`
	EmbedConcurrency int      `json:"embed_concurrency"`
}

// PipelineConfig configures the background pipeline.
type PipelineConfig struct {
	TickSeconds           int `json:"tick_seconds"`
	StuckBatchMinutes     int `json:"stuck_batch_minutes"`
	StaleSessionMinutes   int `json:"stale_session_minutes"`
	MaxExtractionAttempts int `json:"max_extraction_attempts"`
}

// PowerConfig configures power-state transitions, in minutes of inactivity.
type PowerConfig struct {
	IdleAfterMinutes      int `json:"idle_after_minutes"`
	SleepAfterMinutes     int `json:"sleep_after_minutes"`
	DeepSleepAfterMinutes int `json:"deep_sleep_after_minutes"`
}

// GovernanceConfig configures the governance evaluator.
type GovernanceConfig struct {
	Enabled       bool   `json:"enabled"`
	Mode          string `json:"mode"` // "observe" or "enforce"
	LogAllowed    bool   `json:"log_allowed"`
	RetentionDays int    `json:"retention_days"`
}

// BackupConfig configures deduplicated backups.
type BackupConfig struct {
	AutoBackup        bool   `json:"auto_backup"`
	IntervalMinutes   int    `json:"interval_minutes"`
	IncludeActivities bool   `json:"include_activities"`
	GithubUser        string `json:"github_user"`
}

// LoggingConfig mirrors internal/logging's on-disk shape.
type LoggingConfig struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories,omitempty"`
	Level      string          `json:"level"`
	JSONFormat bool            `json:"json_format"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Embedding: EmbeddingConfig{
			Provider:  "openai",
			BaseURL:   "http://localhost:11434/v1",
			Model:     "nomic-embed-text",
			Dimension: 768,
			Timeout:   "30s",
		},
		Summarizer: SummarizerConfig{
			BaseURL: "http://localhost:11434/v1",
			Model:   "qwen2.5:7b",
			Timeout: "120s",
		},
		Indexer: IndexerConfig{
			Enabled:          true,
			MaxChunkLines:    120,
			WatchDebounceMS:  400,
			EmbedConcurrency: 4,
		},
		Pipeline: PipelineConfig{
			TickSeconds:           60,
			StuckBatchMinutes:     5,
			StaleSessionMinutes:   60,
			MaxExtractionAttempts: 5,
		},
		Power: PowerConfig{
			IdleAfterMinutes:      10,
			SleepAfterMinutes:     60,
			DeepSleepAfterMinutes: 240,
		},
		Governance: GovernanceConfig{
			Enabled:       false,
			Mode:          "observe",
			RetentionDays: 30,
		},
		Backup: BackupConfig{
			AutoBackup:      false,
			IntervalMinutes: 240,
		},
		PlanDirs: []string{"docs/plans", ".oak/plans"},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads config from path, applying defaults for missing fields and
// environment overrides on top. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	// .env is optional; ignore a missing file
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the config to path as indented JSON.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// applyEnvOverrides layers environment variables over file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OAK_CI_EMBEDDING_URL"); v != "" {
		c.Embedding.BaseURL = v
	}
	if v := os.Getenv("OAK_CI_EMBEDDING_KEY"); v != "" {
		c.Embedding.APIKey = v
	}
	if v := os.Getenv("OAK_CI_SUMMARIZER_URL"); v != "" {
		c.Summarizer.BaseURL = v
	}
	if v := os.Getenv("OAK_CI_SUMMARIZER_KEY"); v != "" {
		c.Summarizer.APIKey = v
	}
}

// Validate checks invariants that would otherwise surface deep in a worker.
func (c *Config) Validate() error {
	if c.Pipeline.TickSeconds <= 0 {
		return fmt.Errorf("pipeline.tick_seconds must be positive")
	}
	if c.Governance.Mode != "observe" && c.Governance.Mode != "enforce" {
		return fmt.Errorf("governance.mode must be 'observe' or 'enforce', got %q", c.Governance.Mode)
	}
	if c.Indexer.MaxChunkLines <= 0 {
		return fmt.Errorf("indexer.max_chunk_lines must be positive")
	}
	return nil
}

// EmbeddingTimeout parses the embedding timeout with a 30s fallback.
func (c *Config) EmbeddingTimeout() time.Duration {
	if d, err := time.ParseDuration(c.Embedding.Timeout); err == nil {
		return d
	}
	return 30 * time.Second
}

// SummarizerTimeout parses the summarizer timeout with a 120s fallback.
func (c *Config) SummarizerTimeout() time.Duration {
	if d, err := time.ParseDuration(c.Summarizer.Timeout); err == nil {
		return d
	}
	return 120 * time.Second
}

// Tick returns the pipeline tick interval.
func (c *Config) Tick() time.Duration {
	return time.Duration(c.Pipeline.TickSeconds) * time.Second
}
