package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the warehouse. Values come from an optional
// YAML file (CONFIG_FILE) with environment variables taking precedence.
type Config struct {
	DataDir string `yaml:"data_dir"`
	DBPath  string `yaml:"db_path"`
	APIPort int    `yaml:"api_port"`

	EngineInterval   time.Duration `yaml:"-"`
	FilesPerCycle    int           `yaml:"files_per_cycle"`
	CycleTimeout     time.Duration `yaml:"-"`
	GapCheckInterval int           `yaml:"gap_check_interval"`
	GapThreshold     time.Duration `yaml:"-"`
	AutoRecoverGaps  bool          `yaml:"auto_recover_gaps"`

	TemplateIndexWorkers     int  `yaml:"template_index_workers"`
	TemplateIndexConcurrency int  `yaml:"template_index_concurrency"`
	VoteIndexBuildOnStartup  bool `yaml:"vote_index_build_on_startup"`

	AdminJWTSecret string `yaml:"admin_jwt_secret"`
	LogLevel       string `yaml:"log_level"`

	// YAML mirrors for the duration fields (milliseconds).
	EngineIntervalMs int `yaml:"engine_interval_ms"`
	CycleTimeoutMs   int `yaml:"cycle_timeout_ms"`
	GapThresholdMs   int `yaml:"gap_threshold_ms"`
}

// Load builds the effective configuration: defaults, then the YAML file if
// CONFIG_FILE is set, then environment variable overrides.
func Load() (*Config, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyYAMLDurations()
	cfg.applyEnv()

	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "warehouse.duckdb")
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		APIPort:                  8080,
		EngineInterval:           30 * time.Second,
		FilesPerCycle:            3,
		CycleTimeout:             5 * time.Minute,
		GapCheckInterval:         10,
		GapThreshold:             2 * time.Minute,
		AutoRecoverGaps:          true,
		TemplateIndexWorkers:     DefaultTemplateIndexWorkers(),
		TemplateIndexConcurrency: 6,
		VoteIndexBuildOnStartup:  true,
		LogLevel:                 "info",
	}
}

// DefaultTemplateIndexWorkers sizes the decode pool off the machine:
// min(8, max(2, cores-1)).
func DefaultTemplateIndexWorkers() int {
	n := runtime.NumCPU() - 1
	if n < 2 {
		n = 2
	}
	if n > 8 {
		n = 8
	}
	return n
}

func (c *Config) applyYAMLDurations() {
	if c.EngineIntervalMs > 0 {
		c.EngineInterval = time.Duration(c.EngineIntervalMs) * time.Millisecond
	}
	if c.CycleTimeoutMs > 0 {
		c.CycleTimeout = time.Duration(c.CycleTimeoutMs) * time.Millisecond
	}
	if c.GapThresholdMs > 0 {
		c.GapThreshold = time.Duration(c.GapThresholdMs) * time.Millisecond
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		c.DBPath = v
	}
	c.APIPort = envInt("PORT", c.APIPort)
	c.EngineInterval = envMs("ENGINE_INTERVAL_MS", c.EngineInterval)
	c.FilesPerCycle = envInt("ENGINE_FILES_PER_CYCLE", c.FilesPerCycle)
	c.CycleTimeout = envMs("ENGINE_CYCLE_TIMEOUT_MS", c.CycleTimeout)
	c.GapCheckInterval = envInt("GAP_CHECK_INTERVAL", c.GapCheckInterval)
	c.GapThreshold = envMs("GAP_THRESHOLD_MS", c.GapThreshold)
	c.AutoRecoverGaps = envBool("AUTO_RECOVER_GAPS", c.AutoRecoverGaps)
	c.TemplateIndexWorkers = envInt("TEMPLATE_INDEX_WORKERS", c.TemplateIndexWorkers)
	c.TemplateIndexConcurrency = envInt("TEMPLATE_INDEX_CONCURRENCY", c.TemplateIndexConcurrency)
	c.VoteIndexBuildOnStartup = envBool("VOTE_INDEX_BUILD_ON_STARTUP", c.VoteIndexBuildOnStartup)
	if v := os.Getenv("ADMIN_JWT_SECRET"); v != "" {
		c.AdminJWTSecret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// RawDir is the scanned input tree: <data>/raw.
func (c *Config) RawDir() string { return filepath.Join(c.DataDir, "raw") }

// LockDir holds the cross-process lock files: <data>/.locks.
func (c *Config) LockDir() string { return filepath.Join(c.DataDir, ".locks") }

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".ledger-warehouse")
	}
	return "./data"
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envMs(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}
