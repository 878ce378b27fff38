// cmd/lact/config.go
package main

import (
	"fmt"
	"os"

	"github.com/lumix-ai/lact/internal/model"
	"github.com/lumix-ai/lact/internal/monitoring"
	"github.com/lumix-ai/lact/internal/pipeline"
	"github.com/lumix-ai/lact/internal/store"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Logging  LoggingConfig     `yaml:"logging"`
	Model    model.Config      `yaml:"model"`
	Pipeline pipeline.Config   `yaml:"pipeline"`
	Store    StoreConfig       `yaml:"store"`
	Metrics  monitoring.Config `yaml:"metrics"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

type StoreConfig struct {
	store.Config `yaml:",inline"`

	Enabled bool `yaml:"enabled"`
}

func defaultConfig() Config {
	return Config{
		Logging:  LoggingConfig{Level: "info", Format: "console"},
		Model:    model.DefaultConfig(),
		Pipeline: pipeline.DefaultConfig(),
		Store:    StoreConfig{Enabled: true, Config: store.DefaultConfig()},
		Metrics:  monitoring.DefaultConfig(),
	}
}

// loadConfig reads path over the defaults. An empty path returns the
// defaults.
func loadConfig(path string) (*Config, error) {
	config := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func validateConfig(config *Config) error {
	if err := config.Model.Validate(); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	if err := config.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if config.Pipeline.Constraints.ChunkSize > config.Model.MaxSeqLength {
		return fmt.Errorf("pipeline: chunk_size %d exceeds model max_seq_length %d",
			config.Pipeline.Constraints.ChunkSize, config.Model.MaxSeqLength)
	}
	if config.Store.Enabled && config.Store.Path == "" {
		return fmt.Errorf("store: path is required when enabled")
	}
	switch config.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging: unknown format %q", config.Logging.Format)
	}
	return nil
}
