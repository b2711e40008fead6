package unstable

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML form of a handle and breaker configuration.
//
// Example:
//
//	query:
//	  resource_id: content://contacts/people
//	  projection: [id, display_name]
//	  sort_order: display_name ASC
//	retry:
//	  max_attempts: 5
//	  delay: 300ms
//	  jitter: 50ms
//	breaker:
//	  enabled: true
//	  consecutive_failures: 3
//	  timeout: 10s
type FileConfig struct {
	Query   QuerySpec         `yaml:"query"`
	Retry   RetryFileConfig   `yaml:"retry"`
	Breaker BreakerFileConfig `yaml:"breaker"`
}

// RetryFileConfig is the retry section of FileConfig. Zero values keep the defaults.
type RetryFileConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Delay       time.Duration `yaml:"delay"`
	Jitter      time.Duration `yaml:"jitter"`
}

// BreakerFileConfig is the breaker section of FileConfig. Zero values keep the defaults.
type BreakerFileConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Name                string        `yaml:"name"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	MaxRequests         uint32        `yaml:"max_requests"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
}

// LoadConfigFile reads and validates a YAML configuration file.
func LoadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is supplied by the operator
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig parses and validates YAML configuration.
func ParseConfig(data []byte) (*FileConfig, error) {
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the handle cannot run with.
func (c *FileConfig) Validate() error {
	var errs []error
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.Delay < 0 {
		errs = append(errs, fmt.Errorf("retry.delay must not be negative, got %s", c.Retry.Delay))
	}
	if c.Retry.Jitter < 0 {
		errs = append(errs, fmt.Errorf("retry.jitter must not be negative, got %s", c.Retry.Jitter))
	}
	if c.Breaker.Interval < 0 || c.Breaker.Timeout < 0 {
		errs = append(errs, errors.New("breaker durations must not be negative"))
	}
	return errors.Join(errs...)
}

// Options converts the file configuration into handle options.
func (c *FileConfig) Options() []Option {
	opts := []Option{WithQuerySpec(c.Query)}
	if c.Retry.MaxAttempts > 0 {
		opts = append(opts, WithMaxAttempts(c.Retry.MaxAttempts))
	}
	if c.Retry.Delay > 0 {
		opts = append(opts, WithRetryDelay(c.Retry.Delay))
	}
	if c.Retry.Jitter > 0 {
		opts = append(opts, WithJitter(c.Retry.Jitter))
	}
	return opts
}

// BreakerOptions converts the breaker section into breaker options.
func (c *FileConfig) BreakerOptions() []BreakerOption {
	var opts []BreakerOption
	if c.Breaker.Name != "" {
		opts = append(opts, WithBreakerName(c.Breaker.Name))
	}
	if c.Breaker.ConsecutiveFailures > 0 {
		opts = append(opts, WithConsecutiveFailures(c.Breaker.ConsecutiveFailures))
	}
	if c.Breaker.MaxRequests > 0 {
		opts = append(opts, WithBreakerMaxRequests(c.Breaker.MaxRequests))
	}
	if c.Breaker.Interval > 0 {
		opts = append(opts, WithBreakerInterval(c.Breaker.Interval))
	}
	if c.Breaker.Timeout > 0 {
		opts = append(opts, WithBreakerTimeout(c.Breaker.Timeout))
	}
	return opts
}

// Factory wraps factory in a BreakerFactory when the breaker is enabled, and returns it
// unchanged otherwise.
func (c *FileConfig) Factory(factory EndpointFactory) EndpointFactory {
	if !c.Breaker.Enabled {
		return factory
	}
	return NewBreakerFactory(factory, c.BreakerOptions()...)
}
