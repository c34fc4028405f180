package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// APIConfig describes the backend the bootstrap fetches from.
type APIConfig struct {
	BaseURL        string   `json:"base_url" yaml:"base_url"`               // e.g. "https://ops.example.com/api"
	Token          string   `json:"token,omitempty" yaml:"token,omitempty"` // Sent as "Authorization: Bearer <token>"
	RequestTimeout Duration `json:"request_timeout" yaml:"request_timeout"` // Per request, not per task
}

// RetryConfig configures exponential backoff around a single fetch.
type RetryConfig struct {
	InitialInterval     Duration `json:"initial_interval" yaml:"initial_interval"`
	MaxInterval         Duration `json:"max_interval" yaml:"max_interval"`
	MaxElapsedTime      Duration `json:"max_elapsed_time" yaml:"max_elapsed_time"`
	Multiplier          float64  `json:"multiplier" yaml:"multiplier"`
	RandomizationFactor float64  `json:"randomization_factor" yaml:"randomization_factor"`
}

// BreakerConfig configures the per-host circuit breaker.
type BreakerConfig struct {
	ConsecutiveFailures uint32   `json:"consecutive_failures" yaml:"consecutive_failures"` // Failures before the breaker opens
	OpenTimeout         Duration `json:"open_timeout" yaml:"open_timeout"`                 // Time spent open before probing
	HalfOpenRequests    uint32   `json:"half_open_requests" yaml:"half_open_requests"`     // Probes allowed while half-open
}

// TaskConfig declares one bootstrap task.
type TaskConfig struct {
	ID        string   `json:"id" yaml:"id"`
	Label     string   `json:"label,omitempty" yaml:"label,omitempty"`
	Priority  int      `json:"priority,omitempty" yaml:"priority,omitempty"`
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Endpoint  string   `json:"endpoint" yaml:"endpoint"` // Path relative to api.base_url
	Disabled  bool     `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// Config is the top-level configuration.
type Config struct {
	API              APIConfig     `json:"api" yaml:"api"`
	Concurrency      int           `json:"concurrency" yaml:"concurrency"`
	BootstrapTimeout Duration      `json:"bootstrap_timeout" yaml:"bootstrap_timeout"` // 0 waits for every task
	Retry            RetryConfig   `json:"retry" yaml:"retry"`
	Breaker          BreakerConfig `json:"breaker" yaml:"breaker"`
	Tasks            []TaskConfig  `json:"tasks" yaml:"tasks"`
}

// Plan returns the enabled tasks in declaration order.
func (c *Config) Plan() []TaskConfig {
	plan := make([]TaskConfig, 0, len(c.Tasks))
	for _, task := range c.Tasks {
		if !task.Disabled {
			plan = append(plan, task)
		}
	}
	return plan
}

// Validate reports every problem it finds, joined.
func (c *Config) Validate() error {
	var errs []error

	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("api.base_url is required"))
	} else if u, err := url.Parse(c.API.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("api.base_url: %w", err))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, fmt.Errorf("api.base_url: unsupported scheme %q", u.Scheme))
	}
	if c.API.RequestTimeout < 0 {
		errs = append(errs, errors.New("api.request_timeout must not be negative"))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	if c.BootstrapTimeout < 0 {
		errs = append(errs, errors.New("bootstrap_timeout must not be negative"))
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier must be >= 1, got %g", c.Retry.Multiplier))
	}
	if c.Retry.RandomizationFactor < 0 || c.Retry.RandomizationFactor > 1 {
		errs = append(errs, fmt.Errorf("retry.randomization_factor must be within [0, 1], got %g", c.Retry.RandomizationFactor))
	}

	seen := make(map[string]bool)
	for i, task := range c.Tasks {
		switch {
		case strings.TrimSpace(task.ID) == "":
			errs = append(errs, fmt.Errorf("tasks[%d]: id is required", i))
			continue
		case seen[task.ID]:
			errs = append(errs, fmt.Errorf("tasks[%d]: duplicate id %q", i, task.ID))
		}
		seen[task.ID] = true
		if !task.Disabled && task.Endpoint == "" {
			errs = append(errs, fmt.Errorf("task %q: endpoint is required", task.ID))
		}
	}

	enabled := make(map[string]bool)
	for _, task := range c.Plan() {
		enabled[task.ID] = true
	}
	for _, task := range c.Plan() {
		for _, dep := range task.DependsOn {
			if !enabled[dep] {
				errs = append(errs, fmt.Errorf("task %q depends on %q, which is not an enabled task", task.ID, dep))
			}
		}
	}

	return errors.Join(errs...)
}
