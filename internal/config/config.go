// Package config loads entitycore configuration: defaults, then an optional
// YAML file, then ENTITYCORE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
	DriverBlob     = "blob"
	DriverNATS     = "nats"
)

// Config is the complete configuration.
type Config struct {
	Storage       StorageConfig       `yaml:"storage"`
	Concurrency   ConcurrencyConfig   `yaml:"concurrency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// StorageConfig selects the MapEntityStore backend. Only the section named by
// Driver is used.
type StorageConfig struct {
	Driver   string         `yaml:"driver" validate:"oneof=memory sqlite postgres badger blob nats"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
	Badger   BadgerConfig   `yaml:"badger"`
	Blob     BlobConfig     `yaml:"blob"`
	NATS     NATSConfig     `yaml:"nats"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type BadgerConfig struct {
	Path       string        `yaml:"path"`
	InMemory   bool          `yaml:"in_memory"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval" validate:"gte=0"`
}

// BlobConfig configures the blob-backed store. Driver is the blob driver
// (fs, s3 or memory), not the storage driver.
type BlobConfig struct {
	Driver string   `yaml:"driver" validate:"omitempty,oneof=fs s3 memory"`
	FSRoot string   `yaml:"fs_root"`
	Prefix string   `yaml:"prefix"`
	S3     S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	PathStyle       bool   `yaml:"path_style"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Bucket  string `yaml:"bucket"`
	History uint8  `yaml:"history" validate:"lte=64"`
}

// ConcurrencyConfig controls how units of work are retried after an
// optimistic concurrency conflict.
type ConcurrencyConfig struct {
	MaxRetries int           `yaml:"max_retries" validate:"gte=0"`
	Backoff    time.Duration `yaml:"backoff" validate:"gte=0"`
}

type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level" validate:"oneof=debug info warn error"`
	Metrics   string `yaml:"metrics" validate:"oneof=none expvar prometheus"`
	Tracing   string `yaml:"tracing" validate:"oneof=none json otel"`
	Namespace string `yaml:"namespace"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver: DriverSQLite,
			SQLite: SQLiteConfig{Path: "entitycore.db"},
			Badger: BadgerConfig{SyncWrites: true, GCInterval: 5 * time.Minute},
			Blob:   BlobConfig{Driver: "fs", FSRoot: "./blobdata", Prefix: "entities/"},
			NATS:   NATSConfig{URL: "nats://127.0.0.1:4222", Bucket: "ENTITYCORE_ENTITIES", History: 1},
		},
		Concurrency: ConcurrencyConfig{
			MaxRetries: 3,
			Backoff:    10 * time.Millisecond,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			Metrics:   "none",
			Tracing:   "none",
			Namespace: "entitycore",
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and the settings required by the selected
// driver.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s: %q fails %s", fe.Namespace(), fmt.Sprint(fe.Value()), fe.Tag())
		}
		return err
	}
	s := c.Storage
	switch s.Driver {
	case DriverSQLite:
		if s.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required")
		}
	case DriverPostgres:
		if s.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required")
		}
	case DriverBadger:
		if !s.Badger.InMemory && s.Badger.Path == "" {
			return fmt.Errorf("storage.badger.path is required unless in_memory is set")
		}
	case DriverBlob:
		if s.Blob.Driver == "s3" && s.Blob.S3.Bucket == "" {
			return fmt.Errorf("storage.blob.s3.bucket is required for the s3 blob driver")
		}
	case DriverNATS:
		if s.NATS.URL == "" || s.NATS.Bucket == "" {
			return fmt.Errorf("storage.nats.url and storage.nats.bucket are required")
		}
	}
	if c.Observability.Metrics == "prometheus" && c.Observability.Namespace == "" {
		return fmt.Errorf("observability.namespace is required for prometheus metrics")
	}
	return nil
}

// SlogLevel maps LogLevel onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch c.Observability.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LoadFromFile reads a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Load builds the effective configuration. path may be empty, in which case
// only defaults and the environment apply. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from ENTITYCORE_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	str("ENTITYCORE_STORAGE_DRIVER", &c.Storage.Driver)
	str("ENTITYCORE_SQLITE_PATH", &c.Storage.SQLite.Path)
	str("ENTITYCORE_POSTGRES_DSN", &c.Storage.Postgres.DSN)
	str("ENTITYCORE_BADGER_PATH", &c.Storage.Badger.Path)
	str("ENTITYCORE_BLOB_DRIVER", &c.Storage.Blob.Driver)
	str("ENTITYCORE_BLOB_FS_ROOT", &c.Storage.Blob.FSRoot)
	str("ENTITYCORE_BLOB_PREFIX", &c.Storage.Blob.Prefix)
	str("ENTITYCORE_BLOB_S3_BUCKET", &c.Storage.Blob.S3.Bucket)
	str("ENTITYCORE_BLOB_S3_REGION", &c.Storage.Blob.S3.Region)
	str("ENTITYCORE_BLOB_S3_ENDPOINT", &c.Storage.Blob.S3.Endpoint)
	str("ENTITYCORE_NATS_URL", &c.Storage.NATS.URL)
	str("ENTITYCORE_NATS_BUCKET", &c.Storage.NATS.Bucket)
	str("ENTITYCORE_LOG_LEVEL", &c.Observability.LogLevel)
	str("ENTITYCORE_METRICS", &c.Observability.Metrics)
	str("ENTITYCORE_TRACING", &c.Observability.Tracing)

	if v, ok := lookup("ENTITYCORE_BLOB_S3_PATH_STYLE"); ok && v != "" {
		c.Storage.Blob.S3.PathStyle = strings.EqualFold(v, "true")
	}
	if v, ok := lookup("ENTITYCORE_MAX_RETRIES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ENTITYCORE_MAX_RETRIES: %w", err)
		}
		c.Concurrency.MaxRetries = n
	}
	if v, ok := lookup("ENTITYCORE_RETRY_BACKOFF"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ENTITYCORE_RETRY_BACKOFF: %w", err)
		}
		c.Concurrency.Backoff = d
	}
	return nil
}

// SaveToFile writes the configuration as YAML, creating parent directories.
func (c *Config) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
