package ingestion

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mr-Dark-debug/calltrace/internal/calltrace"
)

// Config holds configuration for the ingestion daemon.
type Config struct {
	// ListenAddr is the unix socket path (TCP address on Windows) for the
	// length-prefixed wire protocol. Empty disables the socket endpoint.
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`

	// ReportAddr is the HTTP address the instrumented runtime POSTs
	// finished trees to. Empty disables the report endpoint.
	ReportAddr string `yaml:"report_addr" json:"report_addr"`

	// DBPath is the path to the SQLite database file.
	DBPath string `yaml:"db_path" json:"db_path"`

	// MetricsAddr is the HTTP address for Prometheus metrics.
	// Empty string disables the metrics server.
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`

	// BatchSize is the maximum number of traces to batch before flushing.
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// FlushInterval is the maximum time between batch flushes.
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`

	// TimestampUnit is the unit of call_ts/return_ts/dump_ts in reports:
	// "us" (default), "ns", "ms" or "s".
	TimestampUnit string `yaml:"timestamp_unit" json:"timestamp_unit"`

	// MaxDepth rejects reports nested deeper than this. 0 = unbounded.
	// encoding/json stops at 10000 nesting levels, two per record, so
	// values above 4999 never trigger on decoded reports.
	MaxDepth int `yaml:"max_depth" json:"max_depth"`

	// MaxPayloadBytes caps a single report body.
	MaxPayloadBytes int64 `yaml:"max_payload_bytes" json:"max_payload_bytes"`
}

// DefaultConfig returns sensible defaults for the ingestion daemon.
func DefaultConfig() Config {
	listenAddr := "127.0.0.1:9124"
	if runtime.GOOS != "windows" {
		listenAddr = "/tmp/calltrace.sock"
	}

	homeDir, _ := os.UserHomeDir()
	dbPath := filepath.Join(homeDir, ".calltrace", "calltrace.db")

	return Config{
		ListenAddr:      listenAddr,
		ReportAddr:      "127.0.0.1:9123",
		DBPath:          dbPath,
		MetricsAddr:     "127.0.0.1:9125",
		BatchSize:       256,
		FlushInterval:   500 * time.Millisecond,
		TimestampUnit:   "us",
		MaxDepth:        4096,
		MaxPayloadBytes: 10 * 1024 * 1024,
	}
}

// LoadConfig reads a YAML config file on top of DefaultConfig. Keys the
// file does not set keep their defaults; unknown keys are an error.
func LoadConfig(path string) (Config, error) {
	conf := DefaultConfig()

	file, err := os.Open(path)
	if err != nil {
		return conf, fmt.Errorf("opening config %s: %w", path, err)
	}
	defer file.Close()

	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&conf); err != nil {
		return conf, fmt.Errorf("decoding config %s: %w", path, err)
	}

	if err := conf.Validate(); err != nil {
		return conf, fmt.Errorf("config %s: %w", path, err)
	}
	return conf, nil
}

// Validate checks values a YAML file or flag could have broken.
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive, got %s", c.FlushInterval)
	}
	if c.MaxDepth < 0 {
		return fmt.Errorf("max_depth must not be negative, got %d", c.MaxDepth)
	}
	if c.MaxPayloadBytes <= 0 {
		return fmt.Errorf("max_payload_bytes must be positive, got %d", c.MaxPayloadBytes)
	}
	if _, err := calltrace.ParseUnit(c.TimestampUnit); err != nil {
		return err
	}
	return nil
}

// BuildOptions translates the config into strict builder options.
func (c Config) BuildOptions() (calltrace.Options, error) {
	unit, err := calltrace.ParseUnit(c.TimestampUnit)
	if err != nil {
		return calltrace.Options{}, err
	}
	return calltrace.Options{Unit: unit, MaxDepth: c.MaxDepth}, nil
}
