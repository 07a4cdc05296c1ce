// Package config holds runtime configuration for the memvault pipeline.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects which artifacts a memory with an overlay produces.
type Mode string

const (
	// ModeKeepBoth stores the raw asset and the merged asset side by side.
	ModeKeepBoth Mode = "keep-both"
	// ModeOptimized stores only the merged asset when merging succeeds.
	ModeOptimized Mode = "optimized"
	// ModeRawOnly never merges and stores only raw assets.
	ModeRawOnly Mode = "raw-only"
)

// ParseMode accepts mode names and the historical 1-3 menu shortcuts.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "keep-both", "keepboth", "both":
		return ModeKeepBoth, nil
	case "2", "optimized":
		return ModeOptimized, nil
	case "3", "raw-only", "rawonly", "raw":
		return ModeRawOnly, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Merges reports whether the mode composites overlays at all.
func (m Mode) Merges() bool {
	return m == ModeKeepBoth || m == ModeOptimized
}

// Config holds all configuration values.
type Config struct {
	// Artifact placement
	OutputDir  string
	StagingDir string
	LedgerPath string

	// Pipeline behavior
	Workers      int
	Mode         Mode
	SkipExisting bool

	// Fetching
	FetchTimeout time.Duration
	// UserAgent overrides the fetch client's browser default when set.
	UserAgent string

	// Merging
	UseGPU       bool
	MergeTimeout time.Duration

	// Metadata
	WriteMetadata   bool
	MetadataTimeout time.Duration

	// Logging
	LogFile  string
	LogLevel slog.Level
}

func defaults() Config {
	return Config{
		OutputDir:       "memories",
		Workers:         0, // resolved by Normalize
		Mode:            "",
		SkipExisting:    true,
		FetchTimeout:    45 * time.Second,
		UseGPU:          false,
		MergeTimeout:    300 * time.Second,
		WriteMetadata:   true,
		MetadataTimeout: 10 * time.Second,
		LogLevel:        slog.LevelInfo,
	}
}

// Load builds the configuration in precedence order: defaults, then the
// YAML config file, then environment variables. Command flags are applied
// on top by the CLI layer. An explicit configPath must exist; the default
// path is optional.
func Load(configPath string) (Config, error) {
	cfg := defaults()

	path := configPath
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			if explicit || !os.IsNotExist(err) {
				return Config{}, err
			}
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// DefaultConfigPath returns ~/.config/memvault/config.yaml, or "" when
// the home directory cannot be resolved.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "memvault", "config.yaml")
}

// Normalize resolves derived values once every layer (including flags)
// has been applied.
func (c *Config) Normalize() error {
	if c.OutputDir == "" {
		return fmt.Errorf("output directory must not be empty")
	}
	if c.Workers <= 0 {
		c.Workers = AutoWorkers()
	}
	if c.StagingDir == "" {
		c.StagingDir = filepath.Join(c.OutputDir, "staging")
	}
	if c.LedgerPath == "" {
		c.LedgerPath = filepath.Join(c.OutputDir, "memvault.db")
	}
	if c.LogFile == "" {
		c.LogFile = filepath.Join(c.OutputDir, "memvault.log")
	}
	return nil
}

// AutoWorkers picks a pool size for mixed network and disk work.
func AutoWorkers() int {
	n := runtime.NumCPU() + 4
	if n > 20 {
		n = 20
	}
	return n
}

// fileConfig mirrors the YAML config file. Pointers distinguish an
// omitted key from an explicit zero value.
type fileConfig struct {
	OutputDir       *string `yaml:"output_dir"`
	Ledger          *string `yaml:"ledger"`
	Workers         *int    `yaml:"workers"`
	Mode            *string `yaml:"mode"`
	SkipExisting    *bool   `yaml:"skip_existing"`
	FetchTimeout    *string `yaml:"fetch_timeout"`
	UserAgent       *string `yaml:"user_agent"`
	GPU             *bool   `yaml:"gpu"`
	MergeTimeout    *string `yaml:"merge_timeout"`
	Metadata        *bool   `yaml:"metadata"`
	MetadataTimeout *string `yaml:"metadata_timeout"`
	LogFile         *string `yaml:"log_file"`
	LogLevel        *string `yaml:"log_level"`
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.OutputDir != nil {
		cfg.OutputDir = *fc.OutputDir
	}
	if fc.Ledger != nil {
		cfg.LedgerPath = *fc.Ledger
	}
	if fc.Workers != nil {
		cfg.Workers = *fc.Workers
	}
	if fc.Mode != nil {
		if mode, err := ParseMode(*fc.Mode); err == nil {
			cfg.Mode = mode
		}
	}
	if fc.SkipExisting != nil {
		cfg.SkipExisting = *fc.SkipExisting
	}
	if fc.FetchTimeout != nil {
		if d, err := time.ParseDuration(*fc.FetchTimeout); err == nil {
			cfg.FetchTimeout = d
		}
	}
	if fc.UserAgent != nil {
		cfg.UserAgent = *fc.UserAgent
	}
	if fc.GPU != nil {
		cfg.UseGPU = *fc.GPU
	}
	if fc.MergeTimeout != nil {
		if d, err := time.ParseDuration(*fc.MergeTimeout); err == nil {
			cfg.MergeTimeout = d
		}
	}
	if fc.Metadata != nil {
		cfg.WriteMetadata = *fc.Metadata
	}
	if fc.MetadataTimeout != nil {
		if d, err := time.ParseDuration(*fc.MetadataTimeout); err == nil {
			cfg.MetadataTimeout = d
		}
	}
	if fc.LogFile != nil {
		cfg.LogFile = *fc.LogFile
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = parseLogLevel(*fc.LogLevel)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.OutputDir = getEnv("MEMVAULT_OUTPUT_DIR", cfg.OutputDir)
	cfg.LedgerPath = getEnv("MEMVAULT_LEDGER", cfg.LedgerPath)
	cfg.Workers = getEnvInt("MEMVAULT_WORKERS", cfg.Workers)
	if v := os.Getenv("MEMVAULT_MODE"); v != "" {
		if mode, err := ParseMode(v); err == nil {
			cfg.Mode = mode
		}
	}
	cfg.SkipExisting = getEnvBool("MEMVAULT_SKIP_EXISTING", cfg.SkipExisting)
	cfg.FetchTimeout = getEnvDuration("MEMVAULT_FETCH_TIMEOUT", cfg.FetchTimeout)
	cfg.UserAgent = getEnv("MEMVAULT_USER_AGENT", cfg.UserAgent)
	cfg.UseGPU = getEnvBool("MEMVAULT_GPU", cfg.UseGPU)
	cfg.MergeTimeout = getEnvDuration("MEMVAULT_MERGE_TIMEOUT", cfg.MergeTimeout)
	cfg.WriteMetadata = getEnvBool("MEMVAULT_METADATA", cfg.WriteMetadata)
	cfg.MetadataTimeout = getEnvDuration("MEMVAULT_METADATA_TIMEOUT", cfg.MetadataTimeout)
	cfg.LogFile = getEnv("MEMVAULT_LOG_FILE", cfg.LogFile)
	if v := os.Getenv("MEMVAULT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
