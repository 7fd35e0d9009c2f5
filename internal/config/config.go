package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process configuration, loaded from a YAML file
type Config struct {
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`

	Handlers struct {
		Dir string `yaml:"dir"`
	} `yaml:"handlers"`

	Artifacts struct {
		Dir string `yaml:"dir"`
	} `yaml:"artifacts"`

	Worker struct {
		PollInterval      time.Duration `yaml:"poll_interval"`
		LockRetryInterval time.Duration `yaml:"lock_retry_interval"`
		// HandlerTimeout bounds a single handler execution; zero means
		// no deadline
		HandlerTimeout time.Duration `yaml:"handler_timeout"`
	} `yaml:"worker"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	API struct {
		Port int `yaml:"port"`
		// MaxSubmissionsPerMinute bounds job creation per topic; zero
		// disables the limit
		MaxSubmissionsPerMinute int `yaml:"max_submissions_per_minute"`
	} `yaml:"api"`
}

// Default returns the built-in configuration
func Default() *Config {
	cfg := &Config{}
	cfg.Store.Path = "jobpipe.db"
	cfg.Handlers.Dir = "topics"
	cfg.Artifacts.Dir = "job_data"
	cfg.Worker.PollInterval = time.Second
	cfg.Worker.LockRetryInterval = 30 * time.Second
	cfg.Metrics.Port = 9090
	cfg.API.Port = 8080
	return cfg
}

// Load reads a YAML config file over the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}
