package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dyluth/lodge/internal/logging"
	"github.com/dyluth/lodge/internal/registry"
	"github.com/dyluth/lodge/internal/scheduler"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = envPrefixName + "_"

const envPrefixName = "LODGE"

// LodgeConfig represents the top-level lodge.yml configuration
type LodgeConfig struct {
	Version   string            `yaml:"version"`
	Instance  string            `yaml:"instance"`
	Scheduler SchedulerConfig   `yaml:"scheduler"`
	Agents    AgentsConfig      `yaml:"agents"`
	Bus       BusConfig         `yaml:"bus"`
	Redis     *RedisConfig      `yaml:"redis,omitempty"`
	Health    HealthConfig      `yaml:"health"`
	Logging   LoggingConfig     `yaml:"logging"`
	Workers   map[string]Worker `yaml:"workers,omitempty"`
}

// SchedulerConfig controls task validation, retries and deadlines
type SchedulerConfig struct {
	PriorityMin     *int          `yaml:"priority_min,omitempty"`
	PriorityMax     *int          `yaml:"priority_max,omitempty"`
	MaxRetries      int           `yaml:"max_retries,omitempty"`       // Failures before a task is terminally failed (default 3)
	DefaultDeadline time.Duration `yaml:"default_deadline,omitempty"`  // Per-assignment deadline (default 5m)
	MaxPayloadBytes int           `yaml:"max_payload_bytes,omitempty"` // Default 1 MiB
	RetryBackoff    *RetryBackoff `yaml:"retry_backoff,omitempty"`
}

// RetryBackoff selects the retry delay policy
type RetryBackoff struct {
	Policy  string        `yaml:"policy"`            // "immediate" or "exponential"
	Initial time.Duration `yaml:"initial,omitempty"` // First delay for exponential
	Max     time.Duration `yaml:"max,omitempty"`     // Delay ceiling for exponential
}

// AgentsConfig holds agent liveness thresholds
type AgentsConfig struct {
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout,omitempty"`
	UnresponsiveGrace time.Duration `yaml:"unresponsive_grace,omitempty"`
	SweepInterval     time.Duration `yaml:"sweep_interval,omitempty"`
}

// BusConfig sizes the event bus buffers
type BusConfig struct {
	BufferCapacity int `yaml:"buffer_capacity,omitempty"` // Per-subscriber buffer (default 256)
	HistorySize    int `yaml:"history_size,omitempty"`    // Retained events (default 10000)
}

// RedisConfig enables the event relay and remote workers
type RedisConfig struct {
	URL string `yaml:"url"`
}

// HealthConfig configures the diagnostics HTTP server
type HealthConfig struct {
	Addr string `yaml:"addr,omitempty"` // Default ":8080"
}

// LoggingConfig configures logrus
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn, error
	Format string `yaml:"format,omitempty"` // text or json
}

// Worker is an agent started by `lodge serve`
type Worker struct {
	Capabilities  []string          `yaml:"capabilities,omitempty"`
	MaxConcurrent int               `yaml:"max_concurrent,omitempty"` // Default: 1
	Command       []string          `yaml:"command,omitempty"`        // Required unless remote
	Environment   []string          `yaml:"environment,omitempty"`
	Remote        bool              `yaml:"remote,omitempty"` // Executed by a `lodge worker` process over Redis
	Labels        map[string]string `yaml:"labels,omitempty"`
}

// Default returns a configuration with every default applied.
func Default() *LodgeConfig {
	cfg := &LodgeConfig{Version: "1.0"}
	cfg.applyDefaults()
	return cfg
}

func (c *LodgeConfig) applyDefaults() {
	if c.Instance == "" {
		c.Instance = "default"
	}
	if c.Scheduler.PriorityMin == nil {
		v := 0
		c.Scheduler.PriorityMin = &v
	}
	if c.Scheduler.PriorityMax == nil {
		v := scheduler.DefaultPriorityMax
		c.Scheduler.PriorityMax = &v
	}
	if c.Scheduler.MaxRetries == 0 {
		c.Scheduler.MaxRetries = scheduler.DefaultMaxRetries
	}
	if c.Scheduler.DefaultDeadline == 0 {
		c.Scheduler.DefaultDeadline = scheduler.DefaultDeadline
	}
	if c.Scheduler.MaxPayloadBytes == 0 {
		c.Scheduler.MaxPayloadBytes = scheduler.DefaultMaxPayloadBytes
	}
	if c.Scheduler.RetryBackoff == nil {
		c.Scheduler.RetryBackoff = &RetryBackoff{Policy: "immediate"}
	}
	if c.Scheduler.RetryBackoff.Policy == "" {
		c.Scheduler.RetryBackoff.Policy = "immediate"
	}
	if c.Scheduler.RetryBackoff.Policy == "exponential" {
		if c.Scheduler.RetryBackoff.Initial == 0 {
			c.Scheduler.RetryBackoff.Initial = time.Second
		}
		if c.Scheduler.RetryBackoff.Max == 0 {
			c.Scheduler.RetryBackoff.Max = time.Minute
		}
	}
	if c.Agents.HeartbeatTimeout == 0 {
		c.Agents.HeartbeatTimeout = scheduler.DefaultHeartbeatTimeout
	}
	if c.Agents.UnresponsiveGrace == 0 {
		c.Agents.UnresponsiveGrace = scheduler.DefaultUnresponsiveGrace
	}
	if c.Agents.SweepInterval == 0 {
		c.Agents.SweepInterval = scheduler.DefaultSweepInterval
	}
	if c.Bus.BufferCapacity == 0 {
		c.Bus.BufferCapacity = 256
	}
	if c.Bus.HistorySize == 0 {
		c.Bus.HistorySize = 10000
	}
	if c.Health.Addr == "" {
		c.Health.Addr = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	for name, w := range c.Workers {
		if w.MaxConcurrent == 0 {
			w.MaxConcurrent = 1
			c.Workers[name] = w
		}
	}
}

// Validate applies defaults and performs strict validation on the configuration
func (c *LodgeConfig) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	c.applyDefaults()

	s := c.Scheduler
	if *s.PriorityMin > *s.PriorityMax {
		return fmt.Errorf("scheduler.priority_min (%d) must not exceed scheduler.priority_max (%d)", *s.PriorityMin, *s.PriorityMax)
	}
	if s.MaxRetries < 1 {
		return fmt.Errorf("scheduler.max_retries must be >= 1, got %d", s.MaxRetries)
	}
	if s.DefaultDeadline < 0 {
		return fmt.Errorf("scheduler.default_deadline must be positive, got %s", s.DefaultDeadline)
	}
	if s.MaxPayloadBytes < 1 {
		return fmt.Errorf("scheduler.max_payload_bytes must be >= 1, got %d", s.MaxPayloadBytes)
	}
	switch s.RetryBackoff.Policy {
	case "immediate":
	case "exponential":
		if s.RetryBackoff.Initial < 0 || s.RetryBackoff.Max < s.RetryBackoff.Initial {
			return fmt.Errorf("scheduler.retry_backoff: initial (%s) must be positive and not exceed max (%s)",
				s.RetryBackoff.Initial, s.RetryBackoff.Max)
		}
	default:
		return fmt.Errorf("invalid scheduler.retry_backoff.policy: %s (must be 'immediate' or 'exponential')", s.RetryBackoff.Policy)
	}

	if c.Agents.HeartbeatTimeout < 0 || c.Agents.UnresponsiveGrace < 0 || c.Agents.SweepInterval < 0 {
		return fmt.Errorf("agents: durations must be positive")
	}
	if c.Bus.BufferCapacity < 1 {
		return fmt.Errorf("bus.buffer_capacity must be >= 1, got %d", c.Bus.BufferCapacity)
	}

	if !contains(logging.ValidLevels, c.Logging.Level) {
		return fmt.Errorf("invalid logging.level: %s (must be one of %v)", c.Logging.Level, logging.ValidLevels)
	}
	if !contains(logging.ValidFormats, c.Logging.Format) {
		return fmt.Errorf("invalid logging.format: %s (must be one of %v)", c.Logging.Format, logging.ValidFormats)
	}

	if c.Redis != nil && c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required when redis is configured")
	}

	for name, w := range c.Workers {
		if err := w.Validate(name, c.Redis != nil); err != nil {
			return err
		}
	}

	return nil
}

// Validate performs validation on a single worker configuration
func (w *Worker) Validate(name string, redisConfigured bool) error {
	if w.MaxConcurrent < 1 {
		return fmt.Errorf("worker '%s': max_concurrent must be >= 1", name)
	}
	for i, tag := range w.Capabilities {
		if tag == "" {
			return fmt.Errorf("worker '%s': capability at index %d is empty", name, i)
		}
	}
	if w.Remote {
		if !redisConfigured {
			return fmt.Errorf("worker '%s': remote workers require a redis section", name)
		}
		if len(w.Command) > 0 {
			return fmt.Errorf("worker '%s': command is not allowed for remote workers", name)
		}
		return nil
	}
	if len(w.Command) == 0 {
		return fmt.Errorf("worker '%s': command is required", name)
	}
	return nil
}

// Descriptor converts the worker entry into a registry descriptor.
func (w Worker) Descriptor(name string) registry.Descriptor {
	return registry.Descriptor{
		Name:          name,
		Capabilities:  w.Capabilities,
		MaxConcurrent: w.MaxConcurrent,
		Labels:        w.Labels,
	}
}

// SchedulerOptions converts the configuration into scheduler settings.
// Clock and logger are left for the caller.
func (c *LodgeConfig) SchedulerOptions() scheduler.Config {
	var retry scheduler.RetryPolicy = scheduler.ImmediateRetry{}
	if c.Scheduler.RetryBackoff != nil && c.Scheduler.RetryBackoff.Policy == "exponential" {
		retry = scheduler.ExponentialRetry{Initial: c.Scheduler.RetryBackoff.Initial, Max: c.Scheduler.RetryBackoff.Max}
	}
	return scheduler.Config{
		PriorityMin:       *c.Scheduler.PriorityMin,
		PriorityMax:       *c.Scheduler.PriorityMax,
		PriorityRangeSet:  true,
		MaxRetries:        c.Scheduler.MaxRetries,
		DefaultDeadline:   c.Scheduler.DefaultDeadline,
		MaxPayloadBytes:   c.Scheduler.MaxPayloadBytes,
		HeartbeatTimeout:  c.Agents.HeartbeatTimeout,
		UnresponsiveGrace: c.Agents.UnresponsiveGrace,
		SweepInterval:     c.Agents.SweepInterval,
		Retry:             retry,
	}
}

// envOverrides holds the LODGE_* variables. Nil fields were not set.
type envOverrides struct {
	Instance          *string        `envconfig:"INSTANCE"`
	HealthAddr        *string        `envconfig:"HEALTH_ADDR"`
	LogLevel          *string        `envconfig:"LOG_LEVEL"`
	LogFormat         *string        `envconfig:"LOG_FORMAT"`
	RedisURL          *string        `envconfig:"REDIS_URL"`
	MaxRetries        *int           `envconfig:"MAX_RETRIES"`
	MaxPayloadBytes   *int           `envconfig:"MAX_PAYLOAD_BYTES"`
	BufferCapacity    *int           `envconfig:"BUFFER_CAPACITY"`
	HistorySize       *int           `envconfig:"HISTORY_SIZE"`
	DefaultDeadline   *time.Duration `envconfig:"DEFAULT_DEADLINE"`
	HeartbeatTimeout  *time.Duration `envconfig:"HEARTBEAT_TIMEOUT"`
	UnresponsiveGrace *time.Duration `envconfig:"UNRESPONSIVE_GRACE"`
}

// ApplyEnv overrides configuration values from LODGE_* environment variables.
// Empty string variables are ignored.
func (c *LodgeConfig) ApplyEnv() error {
	var ov envOverrides
	if err := envconfig.Process(envPrefixName, &ov); err != nil {
		var perr *envconfig.ParseError
		if errors.As(err, &perr) {
			return fmt.Errorf("invalid %s: %w", perr.KeyName, perr.Err)
		}
		return fmt.Errorf("failed to read environment: %w", err)
	}

	str := func(v *string, dst *string) {
		if v != nil && *v != "" {
			*dst = *v
		}
	}
	str(ov.Instance, &c.Instance)
	str(ov.HealthAddr, &c.Health.Addr)
	str(ov.LogLevel, &c.Logging.Level)
	str(ov.LogFormat, &c.Logging.Format)

	if ov.RedisURL != nil && *ov.RedisURL != "" {
		c.Redis = &RedisConfig{URL: *ov.RedisURL}
	}

	for _, f := range []struct {
		v   *int
		dst *int
	}{
		{ov.MaxRetries, &c.Scheduler.MaxRetries},
		{ov.MaxPayloadBytes, &c.Scheduler.MaxPayloadBytes},
		{ov.BufferCapacity, &c.Bus.BufferCapacity},
		{ov.HistorySize, &c.Bus.HistorySize},
	} {
		if f.v != nil {
			*f.dst = *f.v
		}
	}

	for _, f := range []struct {
		v   *time.Duration
		dst *time.Duration
	}{
		{ov.DefaultDeadline, &c.Scheduler.DefaultDeadline},
		{ov.HeartbeatTimeout, &c.Agents.HeartbeatTimeout},
		{ov.UnresponsiveGrace, &c.Agents.UnresponsiveGrace},
	} {
		if f.v != nil {
			*f.dst = *f.v
		}
	}
	return nil
}

// Load reads lodge.yml from the specified path, applies LODGE_* overrides and validates it
func Load(path string) (*LodgeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config LodgeConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func contains(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}
