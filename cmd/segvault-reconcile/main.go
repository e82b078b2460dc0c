// Package main implements the segvault-reconcile tool. It compares a
// recording's catalog with the segment files on disk, repairs the catalog
// and prints the reconciliation report. Run it while the service is stopped.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/arkilian/segvault/internal/app"
	"github.com/arkilian/segvault/internal/catalog"
	"github.com/arkilian/segvault/internal/config"
	"github.com/arkilian/segvault/internal/observability"
	"github.com/arkilian/segvault/internal/storage"
)

func main() {
	var (
		configFile string
		dataDir    string
		name       string
		restore    bool
	)
	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&name, "name", "", "Recording name")
	flag.BoolVar(&restore, "restore", false, "Restore missing segment files from the archive before reconciling")
	flag.Parse()

	_ = godotenv.Load()

	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		if cfg, err = config.LoadFromFile(configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
	}
	config.LoadFromEnv(cfg)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if name != "" {
		cfg.Recording.Name = name
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log configuration: %v\n", err)
		os.Exit(1)
	}

	report, err := run(context.Background(), cfg, restore, os.Stdout, logger)
	if err != nil {
		logger.Error("reconciliation failed", "error", err)
		os.Exit(1)
	}
	if report.HasIssues() {
		os.Exit(2)
	}
}

// run restores missing files when asked, reconciles the catalog and writes
// the report to out as JSON.
func run(ctx context.Context, cfg *config.Config, restore bool, out io.Writer, logger *slog.Logger) (*catalog.ReconciliationReport, error) {
	if _, err := os.Stat(cfg.Catalog.Path); err != nil {
		return nil, fmt.Errorf("no catalog at %s: %w", cfg.Catalog.Path, err)
	}
	cat, err := catalog.NewCatalog(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}
	defer cat.Close()

	files, err := storage.NewLocalStorage(cfg.Recording.Root)
	if err != nil {
		return nil, err
	}

	if restore {
		if err := restoreMissing(ctx, cfg, cat, files, logger); err != nil {
			return nil, err
		}
	}

	report, err := catalog.Reconcile(ctx, cat, files, catalog.ReconcileOptions{
		Ext:    cfg.Recording.FileExtension,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("reconciliation complete",
		"rows", report.TotalRows,
		"files", report.TotalFiles,
		"updated", len(report.Updated),
		"inserted", len(report.Inserted),
		"removed_rows", len(report.RemovedRows),
		"deleted_files", len(report.DeletedFiles),
		"invalid_unregistered", len(report.InvalidUnregistered),
		"duration", report.Duration)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return report, enc.Encode(report)
}

func restoreMissing(ctx context.Context, cfg *config.Config, cat catalog.Catalog, files *storage.LocalStorage, logger *slog.Logger) error {
	rows, err := cat.All(ctx)
	if err != nil {
		return err
	}
	var missing []string
	for _, row := range rows {
		if _, err := os.Stat(files.LocalPath(row.Path)); errors.Is(err, os.ErrNotExist) {
			missing = append(missing, row.Path)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	arch, err := app.OpenArchive(ctx, cfg, files, logger)
	if err != nil {
		return err
	}
	report, err := arch.Restore(ctx, missing)
	if err != nil {
		return err
	}
	for p, err := range report.Errors {
		logger.Warn("failed to restore segment", "path", p, "error", err)
	}
	logger.Info("restore complete", "missing", len(missing), "restored", len(report.Restored), "not_archived", len(report.Missing))
	return nil
}
