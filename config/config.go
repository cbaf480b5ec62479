// Package config loads the storetrace configuration from YAML with
// environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STORETRACE"

// Store types understood by backends.Open.
const (
	StoreMemory   = "memory"
	StoreDisk     = "disk"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreNATS     = "nats"
	StoreS3       = "s3"
)

// LogConfig holds the logging configuration details.
type LogConfig struct {
	Level string `yaml:"level"`
}

// DiskConfig holds the local directory store details.
type DiskConfig struct {
	Dir     string `yaml:"dir"`
	LockDir string `yaml:"lock_dir"`
}

// SQLConfig holds the database connection details.
type SQLConfig struct {
	DSN string `yaml:"dsn"`
}

// NATSConfig holds the JetStream key-value store details.
type NATSConfig struct {
	URL        string        `yaml:"url"`
	Bucket     string        `yaml:"bucket"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// S3Config holds the object store details.
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	LockDir  string `yaml:"lock_dir"`
}

// StoreConfig selects and configures the key-value store.
type StoreConfig struct {
	Type         string     `yaml:"type"`
	FlushOnStart bool       `yaml:"flush_on_start"`
	Debug        bool       `yaml:"debug"`
	Timed        bool       `yaml:"timed"`
	Disk         DiskConfig `yaml:"disk"`
	SQL          SQLConfig  `yaml:"sql"`
	NATS         NATSConfig `yaml:"nats"`
	S3           S3Config   `yaml:"s3"`
}

// MemoConfig holds the memoizer details.
type MemoConfig struct {
	TTL            time.Duration `yaml:"ttl"`
	LockDir        string        `yaml:"lock_dir"`
	CollapseMisses bool          `yaml:"collapse_misses"`
}

// Config holds the complete storetrace configuration.
type Config struct {
	Log   LogConfig   `yaml:"log"`
	Store StoreConfig `yaml:"store"`
	Memo  MemoConfig  `yaml:"memo"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Store: StoreConfig{
			Type:  StoreMemory,
			Timed: true,
			Disk:  DiskConfig{Dir: filepath.Join(os.TempDir(), "storetrace")},
			SQL:   SQLConfig{DSN: "file:storetrace.db"},
			NATS: NATSConfig{
				URL:        "nats://127.0.0.1:4222",
				Bucket:     "storetrace",
				Timeout:    5 * time.Second,
				MaxRetries: 10,
			},
			S3: S3Config{
				Prefix: "storetrace/",
				Region: "us-east-1",
			},
		},
		Memo: MemoConfig{TTL: 10 * time.Second, CollapseMisses: true},
	}
}

// LoadConfig loads the configuration from the YAML file at path on top of
// the defaults, applies environment overrides and validates the result.
// An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides values from STORETRACE_* variables.
func (c *Config) applyEnv(getenv func(string) string) error {
	if val := getenv(EnvPrefix + "_LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
	if val := getenv(EnvPrefix + "_STORE_TYPE"); val != "" {
		c.Store.Type = val
	}
	if val := getenv(EnvPrefix + "_FLUSH_ON_START"); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid %s_FLUSH_ON_START: %w", EnvPrefix, err)
		}
		c.Store.FlushOnStart = b
	}
	if val := getenv(EnvPrefix + "_DISK_DIR"); val != "" {
		c.Store.Disk.Dir = val
	}
	if val := getenv(EnvPrefix + "_SQL_DSN"); val != "" {
		c.Store.SQL.DSN = val
	}
	if val := getenv(EnvPrefix + "_NATS_URL"); val != "" {
		c.Store.NATS.URL = val
	}
	if val := getenv(EnvPrefix + "_S3_BUCKET"); val != "" {
		c.Store.S3.Bucket = val
	}
	if val := getenv(EnvPrefix + "_S3_ENDPOINT"); val != "" {
		c.Store.S3.Endpoint = val
	}
	if val := getenv(EnvPrefix + "_MEMO_TTL"); val != "" {
		ttl, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid %s_MEMO_TTL: %w", EnvPrefix, err)
		}
		c.Memo.TTL = ttl
	}
	return nil
}

// Validate checks that the selected store has what it needs.
func (c *Config) Validate() error {
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if c.Memo.TTL <= 0 {
		return fmt.Errorf("memo.ttl must be positive, got %s", c.Memo.TTL)
	}

	switch c.Store.Type {
	case StoreMemory:
	case StoreDisk:
		if c.Store.Disk.Dir == "" {
			return errors.New("store.disk.dir is required for the disk store")
		}
	case StoreSQLite, StorePostgres:
		if c.Store.SQL.DSN == "" {
			return fmt.Errorf("store.sql.dsn is required for the %s store", c.Store.Type)
		}
	case StoreNATS:
		if c.Store.NATS.URL == "" || c.Store.NATS.Bucket == "" {
			return errors.New("store.nats.url and store.nats.bucket are required for the nats store")
		}
		if c.Store.NATS.MaxRetries < 0 {
			return errors.New("store.nats.max_retries must not be negative")
		}
	case StoreS3:
		if c.Store.S3.Bucket == "" {
			return errors.New("store.s3.bucket is required for the s3 store")
		}
	default:
		return fmt.Errorf("unknown store type %q", c.Store.Type)
	}
	return nil
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}
	return level, nil
}
