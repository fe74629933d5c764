// Package main provides the docpipe binary entry point.
// Docpipe runs document generation pipelines (design document, PRD,
// prototype) for tasks against a configured LLM provider.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	// Register LLM providers via init()
	_ "github.com/c360studio/docpipe/llm/providers"

	"github.com/c360studio/docpipe/config"
)

const (
	Version = "0.1.0"
	appName = "docpipe"
)

func main() {
	// .env is optional; ignore a missing file
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		natsURL    string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Document generation pipeline runner",
		Long: `Docpipe runs a three-stage document generation pipeline for a task:
design document, product requirements document, and prototype.

Each stage calls the project's configured LLM provider (OpenAI, Gemini,
LM Studio, or the Claude Code CLI) with automatic retry on transient
failures. Pipeline state persists in NATS JetStream KV so runs can be
paused, resumed, cancelled, and retried.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&natsURL, "nats", "", "NATS server URL (overrides config)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	loadCfg := func() (*config.Config, error) {
		cfg := config.DefaultConfig()
		if configPath != "" {
			fileCfg, err := config.LoadFromFile(configPath)
			if err != nil {
				return nil, err
			}
			cfg = fileCfg
		}
		if envURL := os.Getenv("DOCPIPE_NATS_URL"); envURL != "" && cfg.NATS.URL == "" {
			cfg.NATS.URL = envURL
		}
		if natsURL != "" {
			cfg.NATS.URL = natsURL
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		setupLogging(cfg)
		return cfg, nil
	}

	cmd.AddCommand(
		newRunCmd(loadCfg),
		newStatusCmd(loadCfg),
		newListCmd(loadCfg),
		newPauseCmd(loadCfg),
		newResumeCmd(loadCfg),
		newCancelCmd(loadCfg),
		newRetryCmd(loadCfg),
		newProvidersCmd(loadCfg),
		versionCmd(),
	)

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, Version)
		},
	}
}

func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	}
	slog.SetDefault(slog.New(handler))
}
