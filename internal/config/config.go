// Package config provides configuration for the segvault service and tools.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration of a segvault service.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Recording configuration
	Recording RecordingConfig `json:"recording" yaml:"recording"`

	// Ingest pipeline configuration
	Ingest IngestConfig `json:"ingest" yaml:"ingest"`

	// Catalog configuration
	Catalog CatalogConfig `json:"catalog" yaml:"catalog"`

	// Reconcile configuration
	Reconcile ReconcileConfig `json:"reconcile" yaml:"reconcile"`

	// Query configuration
	Query QueryConfig `json:"query" yaml:"query"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Archive configuration
	Archive ArchiveConfig `json:"archive" yaml:"archive"`

	// Log configuration
	Log LogConfig `json:"log" yaml:"log"`
}

// RecordingConfig describes the recording being acquired.
type RecordingConfig struct {
	// Name prefixes every segment file name
	Name string `json:"name" yaml:"name"`

	// Root is the recording directory (default: <data_dir>/<name>)
	Root string `json:"root" yaml:"root"`

	// TimezoneOffset is the fixed offset of the recording's local time, in
	// seconds east of UTC
	TimezoneOffset int32 `json:"timezone_offset" yaml:"timezone_offset"`

	// Channels is the expected channel count; 0 accepts any
	Channels int `json:"channels" yaml:"channels"`

	// SampleRate is the nominal sample rate in Hz
	SampleRate float64 `json:"sample_rate" yaml:"sample_rate"`

	// FileExtension is the segment file extension (default: seg)
	FileExtension string `json:"file_extension" yaml:"file_extension"`
}

// IngestConfig holds ingestion pipeline configuration.
type IngestConfig struct {
	// QueueSize is the number of items buffered ahead of the writer
	QueueSize int `json:"queue_size" yaml:"queue_size"`

	// MaxSegmentSamples rotates segments before they exceed this many
	// samples; 0 disables the bound
	MaxSegmentSamples int64 `json:"max_segment_samples" yaml:"max_segment_samples"`

	// GrowChunkSamples is the number of rows storage grows by
	GrowChunkSamples int `json:"grow_chunk_samples" yaml:"grow_chunk_samples"`
}

// CatalogConfig holds catalog and catalog updater configuration.
type CatalogConfig struct {
	// Path is the catalog database (default: <recording root>/catalog.db)
	Path string `json:"path" yaml:"path"`

	// QueueSize is the updater queue capacity
	QueueSize int `json:"queue_size" yaml:"queue_size"`

	// BatchSize is the maximum number of updates applied per transaction
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// MaxRetries is the number of retries of a failed batch
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// RetryBackoff is the wait before retrying a failed batch
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"retry_backoff"`
}

// ReconcileConfig controls catalog reconciliation.
type ReconcileConfig struct {
	// OnStartup runs a pass before ingestion starts
	OnStartup bool `json:"on_startup" yaml:"on_startup"`

	// Interval runs periodic passes (and archive syncs); 0 disables them
	Interval time.Duration `json:"interval" yaml:"interval"`
}

// QueryConfig holds query configuration.
type QueryConfig struct {
	// Concurrency is the number of segments read in parallel per query
	Concurrency int `json:"concurrency" yaml:"concurrency"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP listen address
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// ArchiveConfig holds archive configuration.
type ArchiveConfig struct {
	// Enabled turns on archiving of closed segments
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local archive path (for local type)
	Path string `json:"path" yaml:"path"`

	// Codec is the compression codec: snappy, zstd, lz4, none
	Codec string `json:"codec" yaml:"codec"`

	// Concurrency bounds parallel restores
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Prefix is prepended to object keys (default: recording name)
	Prefix string `json:"prefix" yaml:"prefix"`

	// UsePathStyle enables path-style addressing
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `json:"level" yaml:"level"`

	// Format is text or json
	Format string `json:"format" yaml:"format"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/segvault",
		Recording: RecordingConfig{
			Name:          "recording",
			SampleRate:    512,
			FileExtension: "seg",
		},
		Ingest: IngestConfig{
			QueueSize:        256,
			GrowChunkSamples: 4096,
		},
		Catalog: CatalogConfig{
			QueueSize:    1024,
			BatchSize:    64,
			MaxRetries:   1,
			RetryBackoff: 50 * time.Millisecond,
		},
		Reconcile: ReconcileConfig{
			OnStartup: true,
		},
		Query: QueryConfig{
			Concurrency: 4,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Archive: ArchiveConfig{
			Type:        "local",
			Codec:       "snappy",
			Concurrency: 4,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/segvault"
	}
	if c.Recording.Name == "" {
		c.Recording.Name = "recording"
	}
	if c.Recording.Root == "" {
		c.Recording.Root = filepath.Join(c.DataDir, c.Recording.Name)
	}
	if c.Catalog.Path == "" {
		c.Catalog.Path = filepath.Join(c.Recording.Root, "catalog.db")
	}
	if c.Archive.Path == "" {
		c.Archive.Path = filepath.Join(c.DataDir, "archive", c.Recording.Name)
	}
	if c.Archive.S3.Prefix == "" {
		c.Archive.S3.Prefix = c.Recording.Name
	}
}

// TempDir returns the directory used for archive staging files.
func (c *Config) TempDir() string {
	return filepath.Join(c.DataDir, "tmp")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Recording.Name == "" || strings.ContainsAny(c.Recording.Name, `/\`) {
		return fmt.Errorf("recording.name must be a plain file name, got %q", c.Recording.Name)
	}
	if off := c.Recording.TimezoneOffset; off < -14*3600 || off > 14*3600 {
		return fmt.Errorf("recording.timezone_offset must be within ±14h, got %ds", off)
	}
	if c.Recording.Channels < 0 {
		return fmt.Errorf("recording.channels must not be negative")
	}
	if c.Recording.SampleRate < 0 {
		return fmt.Errorf("recording.sample_rate must not be negative")
	}
	if c.Ingest.QueueSize < 1 {
		return fmt.Errorf("ingest.queue_size must be positive, got %d", c.Ingest.QueueSize)
	}
	if c.Ingest.MaxSegmentSamples < 0 {
		return fmt.Errorf("ingest.max_segment_samples must not be negative")
	}
	if c.Catalog.BatchSize < 1 {
		return fmt.Errorf("catalog.batch_size must be positive, got %d", c.Catalog.BatchSize)
	}
	if c.Archive.Enabled {
		switch c.Archive.Type {
		case "local":
		case "s3":
			if c.Archive.S3.Bucket == "" {
				return fmt.Errorf("archive.s3.bucket is required when archive type is s3")
			}
		default:
			return fmt.Errorf("invalid archive type: %s (must be local or s3)", c.Archive.Type)
		}
		switch strings.ToLower(c.Archive.Codec) {
		case "", "snappy", "zstd", "lz4", "none":
		default:
			return fmt.Errorf("invalid archive codec: %s (must be snappy, zstd, lz4 or none)", c.Archive.Codec)
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Log.Format)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the SEGVAULT_ prefix.
func LoadFromEnv(cfg *Config) {
	setString(&cfg.DataDir, "SEGVAULT_DATA_DIR")

	// Recording configuration
	setString(&cfg.Recording.Name, "SEGVAULT_RECORDING_NAME")
	setString(&cfg.Recording.Root, "SEGVAULT_RECORDING_ROOT")
	if v := os.Getenv("SEGVAULT_RECORDING_TIMEZONE_OFFSET"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			cfg.Recording.TimezoneOffset = int32(n)
		}
	}
	setInt(&cfg.Recording.Channels, "SEGVAULT_RECORDING_CHANNELS")
	if v := os.Getenv("SEGVAULT_RECORDING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Recording.SampleRate = f
		}
	}
	setString(&cfg.Recording.FileExtension, "SEGVAULT_RECORDING_FILE_EXTENSION")

	// Ingest configuration
	setInt(&cfg.Ingest.QueueSize, "SEGVAULT_INGEST_QUEUE_SIZE")
	if v := os.Getenv("SEGVAULT_INGEST_MAX_SEGMENT_SAMPLES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Ingest.MaxSegmentSamples = n
		}
	}
	setInt(&cfg.Ingest.GrowChunkSamples, "SEGVAULT_INGEST_GROW_CHUNK_SAMPLES")

	// Catalog configuration
	setString(&cfg.Catalog.Path, "SEGVAULT_CATALOG_PATH")
	setInt(&cfg.Catalog.BatchSize, "SEGVAULT_CATALOG_BATCH_SIZE")
	setInt(&cfg.Catalog.MaxRetries, "SEGVAULT_CATALOG_MAX_RETRIES")
	setDuration(&cfg.Catalog.RetryBackoff, "SEGVAULT_CATALOG_RETRY_BACKOFF")

	// Reconcile configuration
	setBool(&cfg.Reconcile.OnStartup, "SEGVAULT_RECONCILE_ON_STARTUP")
	setDuration(&cfg.Reconcile.Interval, "SEGVAULT_RECONCILE_INTERVAL")

	setInt(&cfg.Query.Concurrency, "SEGVAULT_QUERY_CONCURRENCY")

	// HTTP configuration
	setString(&cfg.HTTP.Addr, "SEGVAULT_HTTP_ADDR")
	setDuration(&cfg.HTTP.ReadTimeout, "SEGVAULT_HTTP_READ_TIMEOUT")
	setDuration(&cfg.HTTP.WriteTimeout, "SEGVAULT_HTTP_WRITE_TIMEOUT")

	// Archive configuration
	setBool(&cfg.Archive.Enabled, "SEGVAULT_ARCHIVE_ENABLED")
	setString(&cfg.Archive.Type, "SEGVAULT_ARCHIVE_TYPE")
	setString(&cfg.Archive.Path, "SEGVAULT_ARCHIVE_PATH")
	setString(&cfg.Archive.Codec, "SEGVAULT_ARCHIVE_CODEC")
	setString(&cfg.Archive.S3.Bucket, "SEGVAULT_S3_BUCKET")
	setString(&cfg.Archive.S3.Region, "SEGVAULT_S3_REGION")
	setString(&cfg.Archive.S3.Endpoint, "SEGVAULT_S3_ENDPOINT")
	setString(&cfg.Archive.S3.Prefix, "SEGVAULT_S3_PREFIX")

	// Log configuration
	setString(&cfg.Log.Level, "SEGVAULT_LOG_LEVEL")
	setString(&cfg.Log.Format, "SEGVAULT_LOG_FORMAT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Recording.Root,
		filepath.Dir(c.Catalog.Path),
		c.TempDir(),
	}
	if c.Archive.Enabled && c.Archive.Type == "local" {
		dirs = append(dirs, c.Archive.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
