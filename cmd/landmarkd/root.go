package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"landmarkd/internal/config"
	"landmarkd/internal/logging"
)

// Version is the application version.
const Version = "0.1.0"

// rootOptions are the flags shared by every subcommand. Zero values mean
// "not given" so the config file and environment can fill them.
type rootOptions struct {
	ConfigPath     string
	LogLevel       string
	LogFormat      string
	ModelsDir      string
	MemoryBudgetMB int
	Workers        int
	EngineCommand  string
	FFmpegPath     string
}

var rootOpts rootOptions

var rootCmd = &cobra.Command{
	Use:           "landmarkd",
	Short:         "Landmark model lifecycle and batch inference service",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&rootOpts.ConfigPath, "config", "c", "", "Config file (.yaml, .yml, .json or .toml)")
	f.StringVar(&rootOpts.LogLevel, "log-level", "", "Log level: debug|info|warn|error (default info)")
	f.StringVar(&rootOpts.LogFormat, "log-format", "", "Log format: console|json (default console)")
	f.StringVar(&rootOpts.ModelsDir, "models-dir", "", "Directory to scan for model assets (default ~/models/landmarks)")
	f.IntVar(&rootOpts.MemoryBudgetMB, "memory-budget-mb", 0, "Admission threshold in MB (0 derives it from host memory)")
	f.IntVar(&rootOpts.Workers, "workers", 0, "Execution contexts per batch (default 4)")
	f.StringVar(&rootOpts.EngineCommand, "engine", "", "Detector worker executable")
	f.StringVar(&rootOpts.FFmpegPath, "ffmpeg", "", "ffmpeg binary used for frame extraction")
}

// resolveConfig layers the config file, environment and flags, in that
// order of increasing precedence, then applies defaults.
func resolveConfig(opts rootOptions, getenv func(string) string) (config.Config, error) {
	var cfg config.Config
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return cfg, fmt.Errorf("load config %s: %w", opts.ConfigPath, err)
		}
		cfg = loaded
	}
	if v := getenv("LANDMARKD_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := getenv("LANDMARKD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("LANDMARKD_DB_URL"); v != "" {
		cfg.Store.DatabaseURL = v
		cfg.Store.Kind = config.StorePostgres
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.LogFormat = opts.LogFormat
	}
	if opts.ModelsDir != "" {
		cfg.ModelsDir = opts.ModelsDir
	}
	if opts.MemoryBudgetMB > 0 {
		cfg.MemoryBudgetMB = opts.MemoryBudgetMB
	}
	if opts.Workers > 0 {
		cfg.Workers = opts.Workers
	}
	if opts.EngineCommand != "" {
		cfg.EngineCommand = opts.EngineCommand
	}
	if opts.FFmpegPath != "" {
		cfg.FFmpegPath = opts.FFmpegPath
	}
	cfg = cfg.WithDefaults()
	return cfg, cfg.Validate()
}

// setup resolves the configuration and builds the process logger.
func setup() (config.Config, zerolog.Logger, error) {
	cfg, err := resolveConfig(rootOpts, os.Getenv)
	if err != nil {
		return cfg, zerolog.Nop(), err
	}
	return cfg, logging.New(cfg.LogLevel, cfg.LogFormat), nil
}
