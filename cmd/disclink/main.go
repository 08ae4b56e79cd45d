package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fries-git/disclink/internal/bridge"
	"github.com/fries-git/disclink/internal/config"
	"github.com/fries-git/disclink/internal/metrics"
	"github.com/fries-git/disclink/internal/store"
	"github.com/fries-git/disclink/internal/upstream"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "disclink",
		Short:   "disclink: Discord to websocket relay",
		Long:    "disclink bridges one Discord identity to local websocket clients with an idempotent outbound queue and a persisted server directory.",
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ~/.disclink/config.yaml)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig reads the config file, falling back to defaults plus
// environment overrides when no file exists.
func loadConfig() (*config.Config, error) {
	path := resolveConfigPath()
	if _, err := os.Stat(path); err != nil {
		logger.Warn("config file not found, using defaults and environment", "path", path)
		return config.FromEnv()
	}
	return config.Load(path)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath()
			if err := os.MkdirAll(config.DefaultConfigDir(), 0o755); err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s", path)
			}
			if err := config.Save(path, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", path)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to Discord and serve websocket clients",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.Log.Level),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	up, err := upstream.New(upstream.Config{Token: cfg.Discord.Token, Logger: logger})
	if err != nil {
		return err
	}

	b := bridge.New(ctx, bridge.Config{
		Upstream: up,
		Conf:     cfg,
		Logger:   logger,
		Metrics:  metrics.NewBridge(),
	})

	up.OnConnect = b.HandleUpstreamConnect
	up.OnDisconnect = b.HandleUpstreamDisconnect
	up.OnReady = b.HandleUpstreamReady
	up.OnMessage = b.HandleInbound

	// A bad credential must stop the process here.
	if err := up.Open(); err != nil {
		return fmt.Errorf("upstream auth: %w", err)
	}
	defer up.Close()

	logger.Info("disclink serving", "version", version, "port", cfg.Listen.Port)
	return b.Run()
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize the persisted state file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st := store.New(store.Config{Path: cfg.State.Path, Logger: logger}).Load()

			channels := 0
			for _, g := range st.Servers {
				channels += len(g.Channels)
			}
			logger.Info("state",
				"path", cfg.State.Path,
				"ready", st.Ready,
				"guilds", len(st.Servers),
				"channels", channels,
				"processed_refs", len(st.ProcessedRefs),
				"pending_sends", len(st.Queue),
			)
			return nil
		},
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
