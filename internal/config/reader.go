package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/ld06/internal/serialmux"
)

// DefaultConfigPath is the path to the canonical reader defaults file.
const DefaultConfigPath = "config/reader.defaults.json"

// ReaderConfig is the on-disk configuration of the LD06 reader. Every field
// is optional: the Get* methods fall back to the built-in defaults, so
// partial files are safe.
type ReaderConfig struct {
	// Serial port
	Port     *string `json:"port,omitempty"`
	BaudRate *int    `json:"baud_rate,omitempty"`
	DataBits *int    `json:"data_bits,omitempty"`
	StopBits *int    `json:"stop_bits,omitempty"`
	Parity   *string `json:"parity,omitempty"`

	// Read loop
	ReadTimeout     *string `json:"read_timeout,omitempty"` // duration string like "1s"
	ReadChunkSize   *int    `json:"read_chunk_size,omitempty"`
	ChunkQueueDepth *int    `json:"chunk_queue_depth,omitempty"`

	// Reporting
	StatsInterval *string `json:"stats_interval,omitempty"` // duration string like "30s"
	DBPath        *string `json:"db_path,omitempty"`
	Listen        *string `json:"listen,omitempty"`
}

// EmptyReaderConfig returns a ReaderConfig with all fields set to nil.
func EmptyReaderConfig() *ReaderConfig {
	return &ReaderConfig{}
}

// LoadReaderConfig loads a ReaderConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
func LoadReaderConfig(path string) (*ReaderConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyReaderConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical reader defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *ReaderConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
	}
	for _, path := range candidates {
		if cfg, err := LoadReaderConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *ReaderConfig) Validate() error {
	if _, err := c.PortOptions().Normalise(); err != nil {
		return err
	}

	for name, v := range map[string]*string{
		"read_timeout":   c.ReadTimeout,
		"stats_interval": c.StatsInterval,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, d)
		}
	}

	if c.ReadChunkSize != nil && *c.ReadChunkSize < 0 {
		return fmt.Errorf("read_chunk_size must be non-negative, got %d", *c.ReadChunkSize)
	}
	if c.ChunkQueueDepth != nil && *c.ChunkQueueDepth < 0 {
		return fmt.Errorf("chunk_queue_depth must be non-negative, got %d", *c.ChunkQueueDepth)
	}

	return nil
}

// GetPort returns the serial device path or the default.
func (c *ReaderConfig) GetPort() string {
	if c.Port == nil || *c.Port == "" {
		return "/dev/ttyUSB0"
	}
	return *c.Port
}

// GetReadTimeout parses and returns the ReadTimeout as a time.Duration.
func (c *ReaderConfig) GetReadTimeout() time.Duration {
	return parseDurationOr(c.ReadTimeout, time.Second)
}

// GetStatsInterval parses and returns the StatsInterval as a time.Duration.
// Zero disables periodic stats.
func (c *ReaderConfig) GetStatsInterval() time.Duration {
	return parseDurationOr(c.StatsInterval, 30*time.Second)
}

// GetDBPath returns the session database path or the default.
func (c *ReaderConfig) GetDBPath() string {
	if c.DBPath == nil {
		return "ld06.db"
	}
	return *c.DBPath
}

// GetListen returns the admin HTTP listen address or the default.
func (c *ReaderConfig) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return "localhost:8082"
	}
	return *c.Listen
}

// PortOptions returns the serial line settings; unset fields are left zero
// for serialmux to default.
func (c *ReaderConfig) PortOptions() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.BaudRate != nil {
		opts.BaudRate = *c.BaudRate
	}
	if c.DataBits != nil {
		opts.DataBits = *c.DataBits
	}
	if c.StopBits != nil {
		opts.StopBits = *c.StopBits
	}
	if c.Parity != nil {
		opts.Parity = *c.Parity
	}
	return opts
}

// MonitorOptions returns the read loop settings.
func (c *ReaderConfig) MonitorOptions() serialmux.MonitorOptions {
	opts := serialmux.MonitorOptions{ReadTimeout: c.GetReadTimeout()}
	if c.ReadChunkSize != nil {
		opts.ChunkSize = *c.ReadChunkSize
	}
	if c.ChunkQueueDepth != nil {
		opts.QueueDepth = *c.ChunkQueueDepth
	}
	return opts
}

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}
