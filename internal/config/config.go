// Package config loads researchd settings from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kittclouds/researchstate/internal/store"
)

// Config holds all researchd configuration.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Analysis   AnalysisConfig   `yaml:"analysis"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path         string `yaml:"path"`
	BusyTimeout  string `yaml:"busy_timeout"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxRetries   int    `yaml:"max_retries"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ReadTimeout     string `yaml:"read_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level       string `yaml:"level"`  // debug, info, warn, error
	Format      string `yaml:"format"` // json, console
	Development bool   `yaml:"development"`
}

// AnalysisConfig tunes thought-graph scoring.
type AnalysisConfig struct {
	// StopWords are domain words that should not count as novel keywords.
	StopWords []string `yaml:"stop_words,omitempty"`
}

// SupervisorConfig holds the thresholds for background sweeps.
type SupervisorConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Interval     string `yaml:"interval"`
	AgentTimeout string `yaml:"agent_timeout"`
	Workers      int    `yaml:"workers"`

	// AutoBreak executes circuit breaks instead of only logging them.
	AutoBreak        bool    `yaml:"auto_break"`
	BreakConsecutive int     `yaml:"break_consecutive"`
	BreakThreshold   float64 `yaml:"break_threshold"`

	// KeepBest prunes every parent down to this many children. Zero disables.
	KeepBest int `yaml:"keep_best"`

	ConflictPolicy string `yaml:"conflict_policy"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:         "data/research.db",
			BusyTimeout:  "5s",
			MaxOpenConns: 16,
			MaxRetries:   5,
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8420",
			ReadTimeout:     "30s",
			ShutdownTimeout: "10s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Supervisor: SupervisorConfig{
			Enabled:          true,
			Interval:         "30s",
			AgentTimeout:     "5m",
			Workers:          4,
			BreakConsecutive: 3,
			BreakThreshold:   4.0,
			ConflictPolicy:   string(store.PolicyManual),
		},
	}
}

// Load reads the config at path. A missing file yields the defaults.
// Environment overrides apply in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the config as YAML, creating the directory if needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("RESEARCHD_DB"); path != "" {
		c.Database.Path = path
	}
	if addr := os.Getenv("RESEARCHD_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if level := os.Getenv("RESEARCHD_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if policy := os.Getenv("RESEARCHD_CONFLICT_POLICY"); policy != "" {
		c.Supervisor.ConflictPolicy = policy
	}
	if v := os.Getenv("RESEARCHD_SUPERVISOR"); v != "" {
		if on, err := strconv.ParseBool(v); err == nil {
			c.Supervisor.Enabled = on
		}
	}
}

// Validate checks values that would otherwise fail at first use.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return fmt.Errorf("database path is empty")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q (valid: debug, info, warn, error)", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format: %q (valid: json, console)", c.Logging.Format)
	}
	for name, d := range map[string]string{
		"database.busy_timeout":    c.Database.BusyTimeout,
		"server.read_timeout":      c.Server.ReadTimeout,
		"server.shutdown_timeout":  c.Server.ShutdownTimeout,
		"supervisor.interval":      c.Supervisor.Interval,
		"supervisor.agent_timeout": c.Supervisor.AgentTimeout,
	} {
		if d == "" {
			continue
		}
		if v, err := time.ParseDuration(d); err != nil || v <= 0 {
			return fmt.Errorf("invalid duration for %s: %q", name, d)
		}
	}
	sup := c.Supervisor
	if sup.BreakConsecutive < 1 {
		return fmt.Errorf("supervisor.break_consecutive must be >= 1, got %d", sup.BreakConsecutive)
	}
	if sup.BreakThreshold < 0 || sup.BreakThreshold > 10 {
		return fmt.Errorf("supervisor.break_threshold must be within [0, 10], got %g", sup.BreakThreshold)
	}
	if sup.KeepBest < 0 {
		return fmt.Errorf("supervisor.keep_best must be >= 0, got %d", sup.KeepBest)
	}
	if _, err := store.ParseConflictPolicy(sup.ConflictPolicy); err != nil {
		return err
	}
	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetBusyTimeout returns the SQLite busy timeout.
func (c *Config) GetBusyTimeout() time.Duration {
	return parseDuration(c.Database.BusyTimeout, 5*time.Second)
}

// GetReadTimeout returns the HTTP read timeout.
func (c *Config) GetReadTimeout() time.Duration {
	return parseDuration(c.Server.ReadTimeout, 30*time.Second)
}

// GetShutdownTimeout returns how long the server drains on shutdown.
func (c *Config) GetShutdownTimeout() time.Duration {
	return parseDuration(c.Server.ShutdownTimeout, 10*time.Second)
}

// GetSweepInterval returns the supervisor tick.
func (c *Config) GetSweepInterval() time.Duration {
	return parseDuration(c.Supervisor.Interval, 30*time.Second)
}

// GetAgentTimeout returns how long an agent may go without a heartbeat.
func (c *Config) GetAgentTimeout() time.Duration {
	return parseDuration(c.Supervisor.AgentTimeout, 5*time.Minute)
}

// StoreOptions converts the database section into store options.
func (c *Config) StoreOptions(log *zap.Logger) store.Options {
	return store.Options{
		Path:         c.Database.Path,
		BusyTimeout:  c.GetBusyTimeout(),
		MaxOpenConns: c.Database.MaxOpenConns,
		MaxRetries:   c.Database.MaxRetries,
		Logger:       log,
		StopWords:    c.Analysis.StopWords,
	}
}
