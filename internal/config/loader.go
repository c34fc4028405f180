package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileConfig is what a single config file may set. Pointers distinguish
// "absent" from an explicit zero.
type fileConfig struct {
	API              APIConfig     `json:"api" yaml:"api"`
	Concurrency      *int          `json:"concurrency" yaml:"concurrency"`
	BootstrapTimeout *Duration     `json:"bootstrap_timeout" yaml:"bootstrap_timeout"`
	Retry            RetryConfig   `json:"retry" yaml:"retry"`
	Breaker          BreakerConfig `json:"breaker" yaml:"breaker"`
	Tasks            []TaskConfig  `json:"tasks" yaml:"tasks"`
}

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed files return an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath, false); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath, false); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// LoadFile merges a single file over the defaults. Unlike Load, a missing
// file is an error.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := mergeConfigFile(cfg, path, true); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.preloader/config.{yaml,yml,json}
// Project: .preloader/config.{yaml,yml,json} (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	return Load(findConfig(filepath.Join(homeDir, ".preloader")), findConfig(".preloader"))
}

// DefaultPath returns the project config path Save should write to.
func DefaultPath() string {
	if path := findConfig(".preloader"); path != "" {
		return path
	}
	return filepath.Join(".preloader", "config.yaml")
}

// findConfig returns the first config file present in dir, or "".
func findConfig(dir string) string {
	for _, name := range []string{"config.yaml", "config.yml", "config.json"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// isYAML reports whether path should be read and written as YAML.
func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// mergeConfigFile reads a config file and merges it into base.
func mergeConfigFile(base *Config, path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded fileConfig
	if isYAML(path) {
		err = yaml.Unmarshal(data, &loaded)
	} else {
		err = json.Unmarshal(data, &loaded)
	}
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	merge(base, &loaded)
	return nil
}

func merge(base *Config, loaded *fileConfig) {
	if loaded.API.BaseURL != "" {
		base.API.BaseURL = loaded.API.BaseURL
	}
	if loaded.API.Token != "" {
		base.API.Token = loaded.API.Token
	}
	if loaded.API.RequestTimeout != 0 {
		base.API.RequestTimeout = loaded.API.RequestTimeout
	}

	if loaded.Concurrency != nil {
		base.Concurrency = *loaded.Concurrency
	}
	if loaded.BootstrapTimeout != nil {
		base.BootstrapTimeout = *loaded.BootstrapTimeout
	}

	if r := loaded.Retry; r != (RetryConfig{}) {
		if r.InitialInterval != 0 {
			base.Retry.InitialInterval = r.InitialInterval
		}
		if r.MaxInterval != 0 {
			base.Retry.MaxInterval = r.MaxInterval
		}
		if r.MaxElapsedTime != 0 {
			base.Retry.MaxElapsedTime = r.MaxElapsedTime
		}
		if r.Multiplier != 0 {
			base.Retry.Multiplier = r.Multiplier
		}
		if r.RandomizationFactor != 0 {
			base.Retry.RandomizationFactor = r.RandomizationFactor
		}
	}

	if loaded.Breaker.ConsecutiveFailures != 0 {
		base.Breaker.ConsecutiveFailures = loaded.Breaker.ConsecutiveFailures
	}
	if loaded.Breaker.OpenTimeout != 0 {
		base.Breaker.OpenTimeout = loaded.Breaker.OpenTimeout
	}
	if loaded.Breaker.HalfOpenRequests != 0 {
		base.Breaker.HalfOpenRequests = loaded.Breaker.HalfOpenRequests
	}

	// Tasks replace same-id entries in place; new ids append in file order.
	index := make(map[string]int, len(base.Tasks))
	for i, task := range base.Tasks {
		index[task.ID] = i
	}
	for _, task := range loaded.Tasks {
		if i, ok := index[task.ID]; ok {
			base.Tasks[i] = task
			continue
		}
		index[task.ID] = len(base.Tasks)
		base.Tasks = append(base.Tasks, task)
	}
}
