// Package config handles configuration loading and validation for filekeep.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/filekeep/filekeep/internal/backup"
	"github.com/filekeep/filekeep/internal/retention"
	"github.com/filekeep/filekeep/pkg/bytesize"
)

// RetentionConfig holds the working-directory retention policy.
type RetentionConfig struct {
	MaxAge      string `yaml:"max_age"`      // duration string, e.g. "720h"; empty = no limit
	MaxFiles    int    `yaml:"max_files"`    // 0 = no limit
	KeepBackups bool   `yaml:"keep_backups"` // keep a fallback version per document
}

// BackupConfig holds the backup store location and its own retention tier.
type BackupConfig struct {
	Dir          string `yaml:"dir"`            // default {artifact_dir}/backups
	MaxPerFile   int    `yaml:"max_per_file"`   // newest-first rank cap, 0 = no limit
	MaxAge       string `yaml:"max_age"`        // duration string, empty = no limit
	MaxTotalSize string `yaml:"max_total_size"` // size string, e.g. "1GB"; empty = no limit
}

// ScheduleConfig holds the reconcile schedule for watch mode.
type ScheduleConfig struct {
	Cron string `yaml:"cron"` // standard cron expression, e.g. "0 3 * * *"
}

// MetricsConfig holds the Prometheus exposition settings for watch mode.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // e.g. "127.0.0.1:9290"; empty disables the endpoint
}

// Config is the root filekeep configuration.
type Config struct {
	ArtifactDir string          `yaml:"artifact_dir"`
	Retention   RetentionConfig `yaml:"retention"`
	Backups     BackupConfig    `yaml:"backups"`
	Schedule    ScheduleConfig  `yaml:"schedule"`
	Metrics     MetricsConfig   `yaml:"metrics"`
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.ArtifactDir = expandHome(c.ArtifactDir)
	c.Backups.Dir = expandHome(c.Backups.Dir)
	if c.Backups.Dir == "" && c.ArtifactDir != "" {
		c.Backups.Dir = filepath.Join(c.ArtifactDir, "backups")
	}
	if c.Backups.MaxPerFile == 0 {
		c.Backups.MaxPerFile = 10
	}
	if c.Backups.MaxAge == "" {
		c.Backups.MaxAge = "720h" // 30 days
	}
	if c.Schedule.Cron == "" {
		c.Schedule.Cron = "0 3 * * *"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.ArtifactDir == "" {
		return fmt.Errorf("artifact_dir is required")
	}
	if c.Retention.MaxAge != "" {
		if _, err := time.ParseDuration(c.Retention.MaxAge); err != nil {
			return fmt.Errorf("invalid retention.max_age %q: %w", c.Retention.MaxAge, err)
		}
	}
	if c.Backups.MaxAge != "" {
		if _, err := time.ParseDuration(c.Backups.MaxAge); err != nil {
			return fmt.Errorf("invalid backups.max_age %q: %w", c.Backups.MaxAge, err)
		}
	}
	if c.Backups.MaxTotalSize != "" {
		if _, err := bytesize.Parse(c.Backups.MaxTotalSize); err != nil {
			return fmt.Errorf("invalid backups.max_total_size %q: %w", c.Backups.MaxTotalSize, err)
		}
	}
	if c.Retention.MaxFiles < 0 {
		return fmt.Errorf("retention.max_files must not be negative")
	}
	if c.Backups.MaxPerFile < 0 {
		return fmt.Errorf("backups.max_per_file must not be negative")
	}
	return nil
}

// RetentionPolicy builds the scanner policy from the config.
func (c *Config) RetentionPolicy() retention.Policy {
	policy := retention.Policy{
		MaxFiles:    c.Retention.MaxFiles,
		KeepBackups: c.Retention.KeepBackups,
	}
	if c.Retention.MaxAge != "" {
		policy.MaxAge, _ = time.ParseDuration(c.Retention.MaxAge)
	}
	return policy
}

// BackupPolicy builds the backup store policy from the config.
func (c *Config) BackupPolicy() backup.Policy {
	policy := backup.Policy{MaxPerFile: c.Backups.MaxPerFile}
	if c.Backups.MaxAge != "" {
		policy.MaxAge, _ = time.ParseDuration(c.Backups.MaxAge)
	}
	if c.Backups.MaxTotalSize != "" {
		policy.MaxTotalSize, _ = bytesize.Parse(c.Backups.MaxTotalSize)
	}
	return policy
}

// expandHome expands a leading ~/ to the user's home directory.
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
