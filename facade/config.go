// File: facade/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Loop configuration, its defaults and YAML loading.

package facade

import (
	"fmt"
	"time"

	"github.com/momentics/hioload-bridge/control"
	"github.com/momentics/hioload-bridge/protocol"
)

// Config holds the loop parameters. The running values are also published
// through Control; only the buffer sizes change on Loop.Reload.
type Config struct {
	ListenAddr      string        `yaml:"listen"`            // TCP address for CreateServer callers
	NumWorkers      int           `yaml:"workers"`           // Reactor pool size; <= 0 selects NumCPU
	ReadBufferSize  int           `yaml:"read_buffer_size"`  // Bytes per read syscall and chunk
	HighWaterMark   int           `yaml:"high_water_mark"`   // Outbound wire buffer limit per connection
	DialAttempts    int           `yaml:"dial_attempts"`     // CreateConnection tries before giving up
	DialTimeout     time.Duration `yaml:"dial_timeout"`      // Per-attempt connect timeout
	DialBackoffMin  time.Duration `yaml:"dial_backoff_min"`  // First retry delay
	DialBackoffMax  time.Duration `yaml:"dial_backoff_max"`  // Retry delay ceiling
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`  // Graceful close budget in Stop
	EnableMetrics   bool          `yaml:"enable_metrics"`    // Publish transport counters via Control
	EnableDebug     bool          `yaml:"enable_debug"`      // Register executor/loop debug probes
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      "127.0.0.1:8080",
		NumWorkers:      0,
		ReadBufferSize:  protocol.DefaultReadBufferSize,
		HighWaterMark:   protocol.DefaultHighWaterMark,
		DialAttempts:    5,
		DialTimeout:     5 * time.Second,
		DialBackoffMin:  100 * time.Millisecond,
		DialBackoffMax:  2 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		EnableMetrics:   true,
		EnableDebug:     true,
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := control.LoadYAML(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.ReadBufferSize < 0 {
		return fmt.Errorf("read_buffer_size must not be negative")
	}
	if c.HighWaterMark < 0 {
		return fmt.Errorf("high_water_mark must not be negative")
	}
	if c.DialAttempts < 1 {
		return fmt.Errorf("dial_attempts must be at least 1")
	}
	if c.DialBackoffMax < c.DialBackoffMin {
		return fmt.Errorf("dial_backoff_max is below dial_backoff_min")
	}
	return nil
}

func (c *Config) framed() protocol.FramedConfig {
	return protocol.FramedConfig{
		ReadBufferSize: c.ReadBufferSize,
		HighWaterMark:  c.HighWaterMark,
	}
}

// snapshot is the form published through Control.
func (c *Config) snapshot() map[string]any {
	return map[string]any{
		"listen_addr":      c.ListenAddr,
		"num_workers":      c.NumWorkers,
		"read_buffer_size": c.ReadBufferSize,
		"high_water_mark":  c.HighWaterMark,
		"dial_attempts":    c.DialAttempts,
		"shutdown_timeout": c.ShutdownTimeout.String(),
	}
}
