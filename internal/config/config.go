// Package config loads gclock-stress settings from defaults, an optional
// YAML file, GCLOCK_ environment variables and command line overrides, in
// increasing priority.
//
// Keys are single words per level so that environment names map back
// unambiguously: GCLOCK_LOCK_SLOWBARRIER sets lock.slowbarrier.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the environment variable prefix.
const EnvPrefix = "GCLOCK_"

// Workload modes.
const (
	ModeSync  = "sync"
	ModeDefer = "defer"
)

// Config is the full tool configuration.
type Config struct {
	Lock     LockConfig     `koanf:"lock"`
	Workload WorkloadConfig `koanf:"workload"`
	Log      LogConfig      `koanf:"log"`
	Metrics  MetricsConfig  `koanf:"metrics"`
}

// LockConfig selects and sizes the lock under test.
type LockConfig struct {
	Capacity int `koanf:"capacity"`
	// Seed is the starting epoch. Values near the wrap points exercise the
	// cyclic comparison.
	Seed uint32 `koanf:"seed"`
	// Shared runs against a named shared memory lock instead of an
	// in-process one.
	Shared      bool          `koanf:"shared"`
	Name        string        `koanf:"name"`
	SlowBarrier time.Duration `koanf:"slowbarrier"`
}

// WorkloadConfig shapes the stress run.
type WorkloadConfig struct {
	Mode     string        `koanf:"mode"`
	Readers  int           `koanf:"readers"`
	Writers  int           `koanf:"writers"`
	Spinners int           `koanf:"spinners"`
	Blocks   int           `koanf:"blocks"`
	Duration time.Duration `koanf:"duration"`
}

// LogConfig configures internal/logging.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

func defaults() map[string]any {
	return map[string]any{
		"lock": map[string]any{
			"capacity":    1024,
			"seed":        0,
			"shared":      false,
			"name":        "stress",
			"slowbarrier": time.Second,
		},
		"workload": map[string]any{
			"mode":     ModeSync,
			"readers":  4,
			"writers":  2,
			"spinners": 0,
			"blocks":   2,
			"duration": 2 * time.Second,
		},
		"log": map[string]any{
			"level":  "info",
			"format": "text",
		},
		"metrics": map[string]any{
			"addr": "",
		},
	}
}

// mapProvider serves an in-memory map to koanf.
type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("config: map provider does not support ReadBytes")
}

func (m mapProvider) Read() (map[string]any, error) {
	return m, nil
}

// Load builds a Config. path may be empty. overrides maps dotted keys such
// as "workload.mode" to values and wins over every other source.
func Load(path string, overrides map[string]any) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(mapProvider(defaults()), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	transform := func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".")
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", transform), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}
	for key, v := range overrides {
		if err := k.Set(key, v); err != nil {
			return Config{}, fmt.Errorf("set %s: %w", key, err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Lock.Capacity <= 0:
		return fmt.Errorf("config: lock.capacity must be positive, got %d", c.Lock.Capacity)
	case c.Lock.Shared && c.Lock.Name == "":
		return errors.New("config: lock.name is required for a shared lock")
	case c.Workload.Mode != ModeSync && c.Workload.Mode != ModeDefer:
		return fmt.Errorf("config: workload.mode must be %q or %q, got %q", ModeSync, ModeDefer, c.Workload.Mode)
	case c.Workload.Readers < 0 || c.Workload.Writers < 0 || c.Workload.Spinners < 0:
		return errors.New("config: goroutine counts must not be negative")
	case c.Workload.Blocks <= 0:
		return fmt.Errorf("config: workload.blocks must be positive, got %d", c.Workload.Blocks)
	case c.Workload.Duration <= 0:
		return fmt.Errorf("config: workload.duration must be positive, got %v", c.Workload.Duration)
	}
	need := c.Workload.Readers + c.Workload.Writers
	if need > c.Lock.Capacity {
		return fmt.Errorf("config: workload needs %d entries, lock.capacity is %d", need, c.Lock.Capacity)
	}
	return nil
}
