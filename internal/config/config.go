package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for disclink.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Discord   DiscordConfig   `yaml:"discord"`
	State     StateConfig     `yaml:"state"`
	Queue     QueueConfig     `yaml:"queue"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// ListenConfig configures the client-facing websocket listener.
type ListenConfig struct {
	Host string `yaml:"host" env:"DISCLINK_HOST"`
	Port int    `yaml:"port" env:"DISCLINK_PORT"`
	Path string `yaml:"path"`
}

// DiscordConfig holds the upstream credential.
type DiscordConfig struct {
	Token string `yaml:"token" env:"DISCLINK_TOKEN"`
}

// StateConfig configures the persisted state file.
type StateConfig struct {
	Path    string `yaml:"path" env:"DISCLINK_STATE"`
	FlushMs int    `yaml:"flushMs"`
}

// QueueConfig configures outbound retry behaviour.
type QueueConfig struct {
	MaxRetries    int `yaml:"maxRetries"`
	BackoffBaseMs int `yaml:"backoffBaseMs"`
	BackoffCapMs  int `yaml:"backoffCapMs"`
	ProcessedCap  int `yaml:"processedCap"`
}

// PipelineConfig configures inbound event normalization.
type PipelineConfig struct {
	IgnoreBots     bool `yaml:"ignoreBots"`
	DedupeWindowMs int  `yaml:"dedupeWindowMs"`
}

// HeartbeatConfig configures dead-connection detection.
type HeartbeatConfig struct {
	IntervalSeconds int `yaml:"intervalSeconds"`
	TimeoutSeconds  int `yaml:"timeoutSeconds"`
}

// MetricsConfig toggles the /metrics endpoint on the listener.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"DISCLINK_LOG_LEVEL"`
}

// DefaultConfigDir returns ~/.disclink.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".disclink"
	}
	return filepath.Join(home, ".disclink")
}

// DefaultConfigPath returns ~/.disclink/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Load reads a YAML config file, fills gaps with defaults and applies
// DISCLINK_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	return cfg, nil
}

// FromEnv returns defaults plus environment overrides, for running without
// a config file.
func FromEnv() (*Config, error) {
	cfg := Defaults()
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	return cfg, nil
}

// Save writes the config as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks the fields serve cannot run without.
func (c *Config) Validate() error {
	if c.Discord.Token == "" {
		return fmt.Errorf("discord token is required (config discord.token or DISCLINK_TOKEN)")
	}
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("invalid listen port %d", c.Listen.Port)
	}
	return nil
}
