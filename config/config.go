// Package config loads and validates the subsystem's deployment
// configuration: quota specs, the optional shared store, cache tuning and the
// risk-scoring service. Quota numbers live here, never in code.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Risk gate degradation modes accepted in configuration.
const (
	ModeFailOpen   = "fail_open"
	ModeFailClosed = "fail_closed"
)

// Environment overrides applied after loading the file. Secrets never need
// to live in the YAML document.
const (
	EnvRedisAddr  = "SHIELD_REDIS_ADDR"
	EnvRiskSecret = "SHIELD_RISK_SECRET"
)

// LimitConfig declares one named quota.
type LimitConfig struct {
	Name     string `yaml:"name"`
	Max      int64  `yaml:"max"`
	WindowMs int64  `yaml:"window_ms"`
}

// Window returns the window duration.
func (l LimitConfig) Window() time.Duration {
	return time.Duration(l.WindowMs) * time.Millisecond
}

// RedisConfig describes the shared store connection. An empty Addr selects
// the in-process backend, which is nominal single-instance operation rather
// than a degraded state.
type RedisConfig struct {
	Addr           string `yaml:"addr"`
	Password       string `yaml:"password"`
	DB             int    `yaml:"db"`
	DialTimeoutMs  int    `yaml:"dial_timeout_ms"`
	ReadTimeoutMs  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMs int    `yaml:"write_timeout_ms"`
	MaxRetries     int    `yaml:"max_retries"`
	OpTimeoutMs    int    `yaml:"op_timeout_ms"`
}

// CacheConfig tunes the cache layer.
type CacheConfig struct {
	DefaultTTLMs        int64   `yaml:"default_ttl_ms"`
	InvalidationChannel string  `yaml:"invalidation_channel"`
	ScanBatch           int64   `yaml:"scan_batch"`
	ScanRatePerSec      float64 `yaml:"scan_rate_per_sec"`
}

// RiskConfig describes the external risk-scoring service. An empty Endpoint
// disables the gate entirely.
type RiskConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Secret    string `yaml:"secret"`
	TimeoutMs int    `yaml:"timeout_ms"`
	Mode      string `yaml:"mode"`
	// MinScore is a pointer so an explicit zero threshold is distinguishable
	// from an omitted one, which defaults to 0.5.
	MinScore   *float64           `yaml:"min_score"`
	Thresholds map[string]float64 `yaml:"thresholds"`
	Fallback   LimitConfig        `yaml:"fallback"`
}

// Config is the full subsystem configuration.
type Config struct {
	Redis           RedisConfig   `yaml:"redis"`
	Limits          []LimitConfig `yaml:"limits"`
	Cache           CacheConfig   `yaml:"cache"`
	Risk            RiskConfig    `yaml:"risk"`
	SweepIntervalMs int           `yaml:"sweep_interval_ms"`
}

// SweepInterval returns the memory-backend janitor interval.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}

// Load reads the YAML file at path, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.ValidateAndPrepare(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if addr := os.Getenv(EnvRedisAddr); addr != "" {
		c.Redis.Addr = addr
	}
	if secret := os.Getenv(EnvRiskSecret); secret != "" {
		c.Risk.Secret = secret
	}
}

// ValidateAndPrepare checks the raw config and fills defaults. It must be
// called before the config is handed to the runtime.
func (c *Config) ValidateAndPrepare() error {
	if len(c.Limits) == 0 {
		log.Warn().Msg("no quota specs configured, only the risk fallback quota will exist")
	}
	seen := make(map[string]bool, len(c.Limits))
	for _, lim := range c.Limits {
		if err := validateLimit(lim); err != nil {
			return err
		}
		if seen[lim.Name] {
			return fmt.Errorf("config: duplicate limit name %q", lim.Name)
		}
		seen[lim.Name] = true
	}

	if c.SweepIntervalMs <= 0 {
		c.SweepIntervalMs = 60_000
	}
	if c.Cache.DefaultTTLMs <= 0 {
		c.Cache.DefaultTTLMs = 300_000
	}

	if c.Risk.Endpoint != "" {
		if c.Risk.Mode == "" {
			c.Risk.Mode = ModeFailOpen
		}
		if c.Risk.Mode != ModeFailOpen && c.Risk.Mode != ModeFailClosed {
			return fmt.Errorf("config: invalid risk mode %q, must be %q or %q", c.Risk.Mode, ModeFailOpen, ModeFailClosed)
		}
		if c.Risk.MinScore == nil {
			def := 0.5
			c.Risk.MinScore = &def
		} else if *c.Risk.MinScore < 0 || *c.Risk.MinScore > 1 {
			return fmt.Errorf("config: risk min_score %f outside [0,1]", *c.Risk.MinScore)
		}
		for action, t := range c.Risk.Thresholds {
			if t < 0 || t > 1 {
				return fmt.Errorf("config: risk threshold for %q is %f, outside [0,1]", action, t)
			}
		}
		if c.Risk.TimeoutMs <= 0 {
			c.Risk.TimeoutMs = 2_000
		}
		if c.Risk.Fallback.Name == "" {
			c.Risk.Fallback.Name = "risk-fallback"
		}
		if c.Risk.Fallback.Max <= 0 {
			c.Risk.Fallback.Max = 3
		}
		if c.Risk.Fallback.WindowMs <= 0 {
			c.Risk.Fallback.WindowMs = 3_600_000
		}
		if err := validateLimit(c.Risk.Fallback); err != nil {
			return err
		}
		if seen[c.Risk.Fallback.Name] {
			return fmt.Errorf("config: risk fallback name %q collides with a limit", c.Risk.Fallback.Name)
		}
	}

	if c.Redis.Addr != "" {
		if c.Redis.DialTimeoutMs <= 0 {
			c.Redis.DialTimeoutMs = 800
		}
		if c.Redis.ReadTimeoutMs <= 0 {
			c.Redis.ReadTimeoutMs = 800
		}
		if c.Redis.WriteTimeoutMs <= 0 {
			c.Redis.WriteTimeoutMs = 800
		}
		if c.Redis.MaxRetries <= 0 {
			c.Redis.MaxRetries = 2
		}
		if c.Redis.OpTimeoutMs <= 0 {
			c.Redis.OpTimeoutMs = 150
		}
	}
	return nil
}

func validateLimit(l LimitConfig) error {
	if l.Name == "" {
		return fmt.Errorf("config: limit with empty name")
	}
	if l.Max <= 0 {
		return fmt.Errorf("config: limit %q has invalid max %d, must be positive", l.Name, l.Max)
	}
	if l.WindowMs <= 0 {
		return fmt.Errorf("config: limit %q has invalid window %dms, must be positive", l.Name, l.WindowMs)
	}
	return nil
}
