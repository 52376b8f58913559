// Package loader handles daemon configuration loading and validation.
//
// This package is responsible for:
//   - Loading YAML configuration files
//   - Expanding environment variables
//   - Applying defaults for unset fields
//   - Validating backend selection
package loader

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/packrat/config"
)

// Structured backend names accepted in the configuration.
const (
	BackendDuckDB  = "duckdb"
	BackendParquet = "parquet"
	BackendMemory  = "memory"
)

// Duration wraps time.Duration so YAML accepts both "30s" strings and
// bare integers (interpreted as seconds).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var i int
		if err := unmarshal(&i); err != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the wrapped time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Config is the packratd configuration.
type Config struct {
	// Listen is the record channel listen address.
	Listen string `yaml:"listen"`

	// RecordQueueSize is the inbound record buffer capacity.
	RecordQueueSize int `yaml:"record_queue_size"`

	Log struct {
		// Level is one of debug, info, warn, error.
		Level string `yaml:"level"`
		// JSON selects JSON log output instead of text.
		JSON bool `yaml:"json"`
	} `yaml:"log"`

	Structured struct {
		// Backend selects the structured provider: duckdb, parquet, memory.
		Backend string `yaml:"backend"`

		// FlushBatchSize triggers an implicit provider flush.
		FlushBatchSize int `yaml:"flush_batch_size"`

		DuckDB struct {
			// Path is the database file. Empty means in-memory.
			Path string `yaml:"path"`
		} `yaml:"duckdb"`

		Parquet struct {
			// DataDir is the root directory for part files.
			DataDir string `yaml:"data_dir"`
		} `yaml:"parquet"`
	} `yaml:"structured"`

	Unstructured struct {
		// Enabled turns content storage on. When false, page_content
		// records are logged and dropped.
		Enabled bool `yaml:"enabled"`

		// DataDir is the blob store root directory.
		DataDir string `yaml:"data_dir"`
	} `yaml:"unstructured"`

	Controller struct {
		StatusInterval     Duration `yaml:"status_interval"`
		BatchCommitTimeout Duration `yaml:"batch_commit_timeout"`
		PollInterval       Duration `yaml:"poll_interval"`
		WriteConcurrency   int64    `yaml:"write_concurrency"`
	} `yaml:"controller"`
}

// DefaultConfig returns a Config with every field at its default.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Listen = config.DefaultListenAddress
	cfg.RecordQueueSize = config.DefaultRecordQueueSize
	cfg.Log.Level = "info"
	cfg.Structured.Backend = BackendDuckDB
	cfg.Structured.FlushBatchSize = config.DefaultFlushBatchSize
	cfg.Structured.DuckDB.Path = "packrat.duckdb"
	cfg.Structured.Parquet.DataDir = "data/structured"
	cfg.Unstructured.DataDir = "data/blobs"
	cfg.Controller.StatusInterval = Duration(config.DefaultStatusInterval)
	cfg.Controller.BatchCommitTimeout = Duration(config.DefaultBatchCommitTimeout)
	cfg.Controller.PollInterval = Duration(config.DefaultPollInterval)
	cfg.Controller.WriteConcurrency = config.DefaultWriteConcurrency
	return cfg
}

// Load loads configuration from a YAML file. Environment variables in the
// file are expanded before parsing. Fields left unset keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks backend selection and required paths.
func (c *Config) Validate() error {
	switch c.Structured.Backend {
	case BackendDuckDB, BackendMemory:
	case BackendParquet:
		if c.Structured.Parquet.DataDir == "" {
			return fmt.Errorf("structured.parquet.data_dir is required for the parquet backend")
		}
	default:
		return fmt.Errorf("unknown structured backend %q", c.Structured.Backend)
	}

	if c.Unstructured.Enabled && c.Unstructured.DataDir == "" {
		return fmt.Errorf("unstructured.data_dir is required when unstructured storage is enabled")
	}
	return nil
}
