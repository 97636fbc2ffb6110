// Package config handles configuration loading and validation for bucketdb.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tunnelmesh/bucketdb/pkg/bytesize"
	"gopkg.in/yaml.v3"
)

// Database engines.
const (
	EngineBTree  = "btree"
	EngineSorted = "sorted"
)

// DatabaseConfig selects and sizes a bucket database.
type DatabaseConfig struct {
	Name     string        `yaml:"name"`      // Label used in logs and metrics (default: "default")
	Engine   string        `yaml:"engine"`    // "btree" or "sorted" (default: "btree")
	FreeList bytesize.Size `yaml:"free_list"` // Budget for recycled tree nodes (default: 4MB, "0" uses the default)
}

// MetricsConfig controls the Prometheus endpoint of the CLI.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // host:port (default: "127.0.0.1:9464")
}

// StressConfig describes a concurrent read/write workload.
type StressConfig struct {
	Duration    string  `yaml:"duration"`      // Duration string, e.g. "10s"
	Readers     int     `yaml:"readers"`       // Reader goroutines (default: 4)
	WriteRate   float64 `yaml:"write_rate"`    // Writer ops/sec, 0 = unlimited
	Buckets     int     `yaml:"buckets"`       // Distinct buckets touched (default: 50000)
	MinUsedBits int     `yaml:"min_used_bits"` // default: 8
	MaxUsedBits int     `yaml:"max_used_bits"` // default: 24
	Nodes       int     `yaml:"nodes"`         // Storage nodes replicas are placed on (default: 6)
	Seed        int64   `yaml:"seed"`          // 0 picks a random seed

	// TraceFile receives a runtime trace of the moments before the first
	// consistency violation. Empty disables tracing.
	TraceFile   string        `yaml:"trace_file"`
	TraceBuffer bytesize.Size `yaml:"trace_buffer"` // Flight recorder ring buffer (default: 10MB)
}

// Config is the top-level bucketdb configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Stress   StressConfig   `yaml:"stress"`
	Entries  string         `yaml:"entries"` // Optional entries file loaded by the query command
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()

	// Relative entries paths are resolved against the config file.
	if cfg.Entries != "" && !filepath.IsAbs(cfg.Entries) {
		cfg.Entries = filepath.Join(filepath.Dir(path), cfg.Entries)
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Name == "" {
		c.Database.Name = "default"
	}
	if c.Database.Engine == "" {
		c.Database.Engine = EngineBTree
	}
	if c.Database.FreeList == 0 {
		c.Database.FreeList = bytesize.Size(4 * bytesize.MB)
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9464"
	}
	if c.Stress.Duration == "" {
		c.Stress.Duration = "10s"
	}
	if c.Stress.Readers == 0 {
		c.Stress.Readers = 4
	}
	if c.Stress.Buckets == 0 {
		c.Stress.Buckets = 50000
	}
	if c.Stress.MinUsedBits == 0 {
		c.Stress.MinUsedBits = 8
	}
	if c.Stress.MaxUsedBits == 0 {
		c.Stress.MaxUsedBits = 24
	}
	if c.Stress.Nodes == 0 {
		c.Stress.Nodes = 6
	}
	if c.Stress.TraceBuffer == 0 {
		c.Stress.TraceBuffer = bytesize.Size(10 * bytesize.MB)
	}

	// Expand home directory in file paths
	c.Entries = expandHome(c.Entries)
	c.Stress.TraceFile = expandHome(c.Stress.TraceFile)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Database.Engine {
	case EngineBTree, EngineSorted:
	default:
		return fmt.Errorf("database.engine must be %q or %q, got %q", EngineBTree, EngineSorted, c.Database.Engine)
	}
	if c.Database.FreeList < 0 {
		return fmt.Errorf("database.free_list must not be negative")
	}
	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("invalid metrics.listen: %w", err)
		}
	}
	return c.Stress.Validate()
}

// Validate checks the workload parameters.
func (s *StressConfig) Validate() error {
	if _, err := s.DurationValue(); err != nil {
		return err
	}
	if s.Readers < 0 {
		return fmt.Errorf("stress.readers must not be negative")
	}
	if s.WriteRate < 0 {
		return fmt.Errorf("stress.write_rate must not be negative")
	}
	if s.Buckets <= 0 {
		return fmt.Errorf("stress.buckets must be positive")
	}
	if s.MinUsedBits < 1 || s.MaxUsedBits > 58 || s.MinUsedBits > s.MaxUsedBits {
		return fmt.Errorf("stress used bits must satisfy 1 <= min_used_bits <= max_used_bits <= 58")
	}
	if s.Nodes <= 0 || s.Nodes > 65535 {
		return fmt.Errorf("stress.nodes must be between 1 and 65535")
	}
	return nil
}

// DurationValue parses Duration.
func (s *StressConfig) DurationValue() (time.Duration, error) {
	d, err := time.ParseDuration(s.Duration)
	if err != nil {
		return 0, fmt.Errorf("invalid stress.duration: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("stress.duration must be positive")
	}
	return d, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}
