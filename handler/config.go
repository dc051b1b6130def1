package handler

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/goccy/go-yaml"
)

// Config holds all configuration for the indexer
type Config struct {
	CachePath     string
	HashAlgorithm string
	Workers       int  // hashing goroutines
	UseMmap       bool // read files through mmap when hashing
	Excludes      []string

	// Duplicate detection
	MinDuplicateSize int64 // files below this size are ignored
	VerifyBytes      bool  // confirm hash groups byte by byte

	// Read-only commands re-index the given path when the cache is older
	// than this. 0 disables the refresh.
	RefreshOlderThan time.Duration

	LogLevel  string
	LogFormat string
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.CachePath == "" {
		return newValidationError("validate_config", "", errors.New("cache path cannot be empty"))
	}
	if _, ok := hashFactories[c.HashAlgorithm]; !ok {
		return newValidationError("validate_config", "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, c.HashAlgorithm))
	}
	if c.Workers < 1 {
		return newValidationError("validate_config", "", errors.New("workers must be at least 1"))
	}
	if c.MinDuplicateSize < 0 {
		return newValidationError("validate_config", "", errors.New("minimum duplicate size cannot be negative"))
	}
	if c.RefreshOlderThan < 0 {
		return newValidationError("validate_config", "", errors.New("refresh age cannot be negative"))
	}
	if _, err := NewScanner(c.Excludes); err != nil {
		return err
	}
	return nil
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		CachePath:        DefaultCachePath(),
		HashAlgorithm:    DefaultHashAlgorithm,
		Workers:          runtime.NumCPU(),
		UseMmap:          false,
		MinDuplicateSize: 0,
		VerifyBytes:      false,
		RefreshOlderThan: 0,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// fileConfig is the YAML layout of a configuration file
type fileConfig struct {
	CachePath        string   `yaml:"cache_path"`
	HashAlgorithm    string   `yaml:"hash_algorithm"`
	Workers          int      `yaml:"workers"`
	Mmap             *bool    `yaml:"mmap"`
	Excludes         []string `yaml:"excludes"`
	MinDuplicateSize string   `yaml:"min_duplicate_size"` // human size
	Verify           *bool    `yaml:"verify"`
	RefreshOlderThan string   `yaml:"refresh_older_than"` // Go duration
	LogLevel         string   `yaml:"log_level"`
	LogFormat        string   `yaml:"log_format"`
}

// LoadConfigFile applies the settings found in the YAML file at path over
// cfg. Keys absent from the file leave cfg unchanged.
func LoadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return newFSError("load_config", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return newValidationError("load_config", path, err)
	}

	if fc.CachePath != "" {
		cfg.CachePath = fc.CachePath
	}
	if fc.HashAlgorithm != "" {
		cfg.HashAlgorithm = fc.HashAlgorithm
	}
	if fc.Workers != 0 {
		cfg.Workers = fc.Workers
	}
	if fc.Mmap != nil {
		cfg.UseMmap = *fc.Mmap
	}
	if len(fc.Excludes) > 0 {
		cfg.Excludes = fc.Excludes
	}
	if fc.MinDuplicateSize != "" {
		n, err := ParseSize(fc.MinDuplicateSize)
		if err != nil {
			return newValidationError("load_config", path, fmt.Errorf("min_duplicate_size: %w", err))
		}
		cfg.MinDuplicateSize = n
	}
	if fc.Verify != nil {
		cfg.VerifyBytes = *fc.Verify
	}
	if fc.RefreshOlderThan != "" {
		d, err := time.ParseDuration(fc.RefreshOlderThan)
		if err != nil {
			return newValidationError("load_config", path, fmt.Errorf("refresh_older_than: %w", err))
		}
		cfg.RefreshOlderThan = d
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.LogFormat != "" {
		cfg.LogFormat = fc.LogFormat
	}
	return nil
}
