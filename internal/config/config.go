package config

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/23skdu/longbow-quiver/internal/tensor"
)

type Config struct {
	ListenAddr string
	FlightAddr string
	ServerAddr string
	Dataset    string

	// MaxConcurrentElements bounds the fp16 elements being quantized at once.
	MaxConcurrentElements int64
	TileWorkers           int
	DefaultLayout         string

	LogLevel   string
	LogFormat  string
	EnableOTel bool

	BreakerMaxFailures int
}

func Default() Config {
	return Config{
		Dataset:               "quiver_dataset",
		MaxConcurrentElements: 64 << 20,
		TileWorkers:           runtime.NumCPU(),
		DefaultLayout:         "nchw",
		LogLevel:              "info",
		LogFormat:             "console",
		BreakerMaxFailures:    5,
	}
}

func (c *Config) Validate() error {
	if c.MaxConcurrentElements <= 0 {
		return fmt.Errorf("invalid max_concurrent_elements: %d (must be positive)", c.MaxConcurrentElements)
	}
	if c.TileWorkers <= 0 {
		return fmt.Errorf("invalid tile_workers: %d (must be positive)", c.TileWorkers)
	}
	if _, err := tensor.ParseLayout(c.DefaultLayout); err != nil {
		return fmt.Errorf("invalid default_layout: %w", err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log_format: %q (want console or json)", c.LogFormat)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %q", c.LogLevel)
	}
	if c.ServerAddr != "" && c.Dataset == "" {
		return fmt.Errorf("dataset is required when forwarding to %s", c.ServerAddr)
	}
	if c.BreakerMaxFailures <= 0 {
		return fmt.Errorf("invalid breaker_max_failures: %d (must be positive)", c.BreakerMaxFailures)
	}
	return nil
}

// IsServer reports whether any listener is configured.
func (c *Config) IsServer() bool {
	return c.ListenAddr != "" || c.FlightAddr != ""
}
