package config

import "path/filepath"

func Defaults() *Config {
	return &Config{
		Listen: ListenConfig{
			Host: "127.0.0.1",
			Port: 8765,
			Path: "/ws",
		},
		State: StateConfig{
			Path:    filepath.Join(DefaultConfigDir(), "state.json"),
			FlushMs: 800,
		},
		Queue: QueueConfig{
			MaxRetries:    5,
			BackoffBaseMs: 400,
			BackoffCapMs:  25000,
			ProcessedCap:  4096,
		},
		Pipeline: PipelineConfig{
			IgnoreBots:     true,
			DedupeWindowMs: 1500,
		},
		Heartbeat: HeartbeatConfig{
			IntervalSeconds: 30,
			TimeoutSeconds:  75,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
