// Package config holds the cache engine configuration: storage paths, the
// quota budget, and the per-write defaults. Values come from an optional
// YAML file with environment variables taking precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
)

// Defaults per the engine's contract.
const (
	DefaultTTL        = time.Hour
	DefaultTypeTag    = "generic"
	DefaultQuotaBytes = 50 << 20 // 50 MiB
)

// Config is the engine configuration.
type Config struct {
	// DataDir holds the cache database, the sync queue, and the key file.
	DataDir string `yaml:"data_dir"`

	// QuotaBytes is the storage budget for cached records. The sync queue
	// is not counted against it.
	QuotaBytes int64 `yaml:"quota_bytes"`

	// DefaultTTLMS applies to writes that do not set a TTL.
	DefaultTTLMS int64 `yaml:"default_ttl_ms"`

	// Compress and Encrypt are the per-write codec defaults.
	Compress bool `yaml:"compress"`
	Encrypt  bool `yaml:"encrypt"`

	// TypeTag is the default categorization tag for writes.
	TypeTag string `yaml:"type_tag"`
}

// DefaultTTLDuration returns the default TTL as a duration.
func (c Config) DefaultTTLDuration() time.Duration {
	return time.Duration(c.DefaultTTLMS) * time.Millisecond
}

// CachePath returns the path of the cache database file.
func (c Config) CachePath() string {
	return filepath.Join(c.DataDir, "aircache.db")
}

// Default returns the built-in configuration rooted under the user home.
func Default() Config {
	dataDir := ".aircache"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".aircache")
	}
	return Config{
		DataDir:      dataDir,
		QuotaBytes:   DefaultQuotaBytes,
		DefaultTTLMS: DefaultTTL.Milliseconds(),
		Compress:     true,
		Encrypt:      true,
		TypeTag:      DefaultTypeTag,
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then AIRCACHE_* environment variables on top.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("AIRCACHE_DATA"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("AIRCACHE_QUOTA_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid AIRCACHE_QUOTA_BYTES %q: %w", v, err)
		}
		c.QuotaBytes = n
	}
	if v := os.Getenv("AIRCACHE_TTL_MS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid AIRCACHE_TTL_MS %q: %w", v, err)
		}
		c.DefaultTTLMS = n
	}
	if v := os.Getenv("AIRCACHE_COMPRESS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid AIRCACHE_COMPRESS %q: %w", v, err)
		}
		c.Compress = b
	}
	if v := os.Getenv("AIRCACHE_ENCRYPT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid AIRCACHE_ENCRYPT %q: %w", v, err)
		}
		c.Encrypt = b
	}
	if v := os.Getenv("AIRCACHE_TYPE_TAG"); v != "" {
		c.TypeTag = v
	}
	return nil
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.QuotaBytes <= 0 {
		return fmt.Errorf("quota_bytes must be positive, got %d", c.QuotaBytes)
	}
	if c.DefaultTTLMS <= 0 {
		return fmt.Errorf("default_ttl_ms must be positive, got %d", c.DefaultTTLMS)
	}
	if c.TypeTag == "" {
		c.TypeTag = DefaultTypeTag
	}
	return nil
}
