// Package main implements the segvault service binary. It ingests one
// recording over HTTP, serves range queries and optionally archives closed
// segments to object storage.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/arkilian/segvault/internal/app"
	"github.com/arkilian/segvault/internal/config"
	"github.com/arkilian/segvault/internal/observability"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		name        string
		httpAddr    string
		logLevel    string
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&name, "name", "", "Recording name")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP listen address")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "segvault - segmented storage for continuous multichannel recordings\n\n")
		fmt.Fprintf(os.Stderr, "Usage: segvault [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  segvault --data-dir /data/segvault --name icu-bed-4\n")
		fmt.Fprintf(os.Stderr, "  segvault --config /etc/segvault/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables (a .env file in the working directory is loaded first):\n")
		fmt.Fprintf(os.Stderr, "  SEGVAULT_DATA_DIR                  Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  SEGVAULT_RECORDING_NAME            Recording name\n")
		fmt.Fprintf(os.Stderr, "  SEGVAULT_RECORDING_TIMEZONE_OFFSET Local offset in seconds east of UTC\n")
		fmt.Fprintf(os.Stderr, "  SEGVAULT_HTTP_ADDR                 HTTP listen address\n")
		fmt.Fprintf(os.Stderr, "  SEGVAULT_ARCHIVE_ENABLED           Archive closed segments (true/false)\n")
		fmt.Fprintf(os.Stderr, "  SEGVAULT_ARCHIVE_TYPE              Archive storage type (local, s3)\n")
		fmt.Fprintf(os.Stderr, "  SEGVAULT_S3_BUCKET                 S3 bucket for the archive\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if showVersion {
		fmt.Printf("segvault version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	_ = godotenv.Load()

	cfg, err := loadConfig(configFile, dataDir, name, httpAddr, logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log configuration: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create application", "error", err)
		os.Exit(1)
	}
	printBanner(logger, cfg)

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		logger.Error("failed to start application", "error", err)
		os.Exit(1)
	}

	if err := application.WaitForShutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, dataDir, name, httpAddr, logLevel string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	// Flags take precedence.
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if name != "" {
		cfg.Recording.Name = name
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	return cfg, nil
}

// printBanner logs the startup banner with a configuration summary.
func printBanner(logger *slog.Logger, cfg *config.Config) {
	fmt.Fprintln(os.Stderr, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(os.Stderr, "║                      SEGVAULT                             ║")
	fmt.Fprintln(os.Stderr, "║   Segmented Storage For Continuous Recordings             ║")
	fmt.Fprintln(os.Stderr, "╚═══════════════════════════════════════════════════════════╝")

	logger.Info("configuration",
		"version", version,
		"data_dir", cfg.DataDir,
		"recording", cfg.Recording.Name,
		"root", cfg.Recording.Root,
		"timezone_offset", cfg.Recording.TimezoneOffset,
		"sample_rate", cfg.Recording.SampleRate,
		"max_segment_samples", cfg.Ingest.MaxSegmentSamples,
		"http", cfg.HTTP.Addr)
	if cfg.Archive.Enabled {
		logger.Info("archive", "type", cfg.Archive.Type, "codec", cfg.Archive.Codec)
	}
}
