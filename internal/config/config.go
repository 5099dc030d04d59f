// Package config layers Numerus's runtime settings: built-in defaults,
// then an optional $NUMERUS_HOME/config.yaml, then environment variable
// overrides consulted at load time (teacher pattern, internal/config/config.go).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the effective, fully-resolved runtime configuration for one
// Numerus process (CLI, worker, or gateway).
type Config struct {
	HomeDir string `yaml:"-"`

	// RunsDir is the root under which every job's working directories live.
	RunsDir string `yaml:"runs_dir"`

	// StorePath is the SQLite task-store file.
	StorePath string `yaml:"store_path"`

	// AgentBin is the code-generation CLI binary the supervisor drives.
	AgentBin string `yaml:"agent_bin"`

	// PoolSize bounds the number of concurrently live PTY sessions.
	PoolSize int `yaml:"pool_size"`

	AnalysisTimeoutSeconds  int `yaml:"analysis_timeout_seconds"`
	ExecutionTimeoutSeconds int `yaml:"execution_timeout_seconds"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	HousekeepingCron    string `yaml:"housekeeping_cron"`
	RetentionRunsDays   int    `yaml:"retention_runs_days"`
	RetentionTasksDays  int    `yaml:"retention_tasks_days"`

	Telegram TelegramConfig `yaml:"telegram"`

	Telemetry TelemetryConfig `yaml:"telemetry"`

	NeedsGenesis bool `yaml:"-"`
}

// TelegramConfig controls the optional job-lifecycle notifier.
type TelegramConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // "stdout" (default), "otlp-http" or "none"
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

func defaultConfig(homeDir string) Config {
	return Config{
		HomeDir:                 homeDir,
		RunsDir:                 filepath.Join(homeDir, "runs"),
		StorePath:               filepath.Join(homeDir, "store", "tasks.db"),
		AgentBin:                "codex",
		PoolSize:                4,
		AnalysisTimeoutSeconds:  120,
		ExecutionTimeoutSeconds: 600,
		BindAddr:                "127.0.0.1:18790",
		LogLevel:                "info",
		HousekeepingCron:        "0 */6 * * *",
		RetentionRunsDays:       14,
		RetentionTasksDays:      30,
		Telemetry: TelemetryConfig{
			Exporter:    "stdout",
			ServiceName: "numerus",
			SampleRate:  1.0,
		},
	}
}

// Home resolves $NUMERUS_HOME, defaulting to ~/.numerus.
func Home() string {
	if override := os.Getenv("NUMERUS_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".numerus")
}

// ConfigPath returns the path to config.yaml within homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load resolves the three-layer configuration: defaults, config.yaml (if
// present), then environment overrides.
func Load() (Config, error) {
	homeDir := Home()
	cfg := defaultConfig(homeDir)

	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("config: create home dir: %w", err)
	}

	path := ConfigPath(homeDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("config: read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse config.yaml: %w", err)
		}
		cfg.HomeDir = homeDir
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NUMERUS_RUNS_DIR"); v != "" {
		cfg.RunsDir = v
	}
	if v := os.Getenv("NUMERUS_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("NUMERUS_AGENT_BIN"); v != "" {
		cfg.AgentBin = v
	}
	if v := os.Getenv("NUMERUS_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("NUMERUS_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("NUMERUS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
		cfg.Telegram.Enabled = true
	}
}

func normalize(cfg *Config) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.AnalysisTimeoutSeconds <= 0 {
		cfg.AnalysisTimeoutSeconds = int((2 * time.Minute).Seconds())
	}
	if cfg.ExecutionTimeoutSeconds <= 0 {
		cfg.ExecutionTimeoutSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.AgentBin == "" {
		cfg.AgentBin = "codex"
	}
}

// AnalysisTimeout returns the configured claim-phase timeout as a duration.
func (c Config) AnalysisTimeout() time.Duration {
	return time.Duration(c.AnalysisTimeoutSeconds) * time.Second
}

// ExecutionTimeout returns the configured execute-phase timeout as a duration.
func (c Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.ExecutionTimeoutSeconds) * time.Second
}
