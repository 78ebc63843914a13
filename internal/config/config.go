package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvSecret is the hex-encoded token signing secret. Set in the environment,
// never in the config file.
const EnvSecret = "TASKGATE_TOKEN_SECRET"

// Config models taskgate.yml.
type Config struct {
	Dispatch struct {
		Concurrency int    `yaml:"concurrency"`
		TaskTimeout string `yaml:"task_timeout"`
		RetryMax    int    `yaml:"retry_max"`
	} `yaml:"dispatch"`
	Isolation struct {
		Mode string `yaml:"mode"`
		Root string `yaml:"root"`
	} `yaml:"isolation"`
	Harnesses map[string]HarnessConfig `yaml:"harnesses"`
	Server    struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
}

// HarnessConfig declares an additional exec-backed harness.
type HarnessConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Load reads and validates config from workspace, falling back to defaults
// when the file does not exist.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Dispatch.Concurrency < 0 {
		return fmt.Errorf("config.dispatch.concurrency must be >= 0")
	}
	if c.Dispatch.RetryMax < 0 {
		return fmt.Errorf("config.dispatch.retry_max must be >= 0")
	}
	if c.Dispatch.TaskTimeout != "" {
		if _, err := time.ParseDuration(c.Dispatch.TaskTimeout); err != nil {
			return fmt.Errorf("config.dispatch.task_timeout: %w", err)
		}
	}
	switch c.Isolation.Mode {
	case "", "dir", "container":
	default:
		return fmt.Errorf("config.isolation.mode must be dir or container")
	}
	for name, h := range c.Harnesses {
		if name == "" {
			return fmt.Errorf("config.harnesses contains an empty name")
		}
		if h.Command == "" {
			return fmt.Errorf("harness %s has no command", name)
		}
	}
	return nil
}

// TaskTimeout returns the parsed per-task timeout.
func (c *Config) TaskTimeout() time.Duration {
	if c.Dispatch.TaskTimeout == "" {
		return 30 * time.Minute
	}
	d, err := time.ParseDuration(c.Dispatch.TaskTimeout)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskgate.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Dispatch.Concurrency = 2
	cfg.Dispatch.TaskTimeout = "30m"
	cfg.Dispatch.RetryMax = 2
	cfg.Isolation.Mode = "dir"
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SecretHex returns the signing secret from the environment.
func SecretHex() string {
	return os.Getenv(EnvSecret)
}
