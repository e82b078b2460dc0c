// Package app provides the application lifecycle of a segvault service: one
// recording, its HTTP API, periodic reconciliation and optional archiving.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	httpapi "github.com/arkilian/segvault/internal/api/http"
	"github.com/arkilian/segvault/internal/archive"
	"github.com/arkilian/segvault/internal/config"
	"github.com/arkilian/segvault/internal/recording"
	"github.com/arkilian/segvault/internal/router"
	"github.com/arkilian/segvault/internal/server"
	"github.com/arkilian/segvault/internal/storage"
)

// App manages the lifecycle of a segvault service.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	rec        *recording.Recording
	archiver   *archive.Archiver
	archiveSub *router.Subscriber
	shutdown   *server.ShutdownManager
	httpServer *server.GracefulHTTPServer
	listener   net.Listener

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	started time.Time
}

// New creates a new App with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}, nil
}

// RecordingOptions maps the configuration onto recording options.
func RecordingOptions(cfg *config.Config, logger *slog.Logger) recording.Options {
	return recording.Options{
		Root:                cfg.Recording.Root,
		Name:                cfg.Recording.Name,
		Ext:                 cfg.Recording.FileExtension,
		TimezoneOffset:      cfg.Recording.TimezoneOffset,
		SampleRate:          cfg.Recording.SampleRate,
		QueueSize:           cfg.Ingest.QueueSize,
		MaxSegmentSamples:   cfg.Ingest.MaxSegmentSamples,
		GrowChunk:           cfg.Ingest.GrowChunkSamples,
		CatalogPath:         cfg.Catalog.Path,
		UpdaterQueueSize:    cfg.Catalog.QueueSize,
		UpdaterBatchSize:    cfg.Catalog.BatchSize,
		UpdaterMaxRetries:   cfg.Catalog.MaxRetries,
		UpdaterRetryBackoff: cfg.Catalog.RetryBackoff,
		ReconcileOnStartup:  cfg.Reconcile.OnStartup,
		QueryConcurrency:    cfg.Query.Concurrency,
		Logger:              logger,
	}
}

// OpenArchive builds the archiver for the configured archive storage.
func OpenArchive(ctx context.Context, cfg *config.Config, tree archive.Tree, logger *slog.Logger) (*archive.Archiver, error) {
	var store storage.ObjectStorage
	switch cfg.Archive.Type {
	case "s3":
		s3cfg := storage.DefaultS3Config()
		s3cfg.Endpoint = cfg.Archive.S3.Endpoint
		s3cfg.UsePathStyle = cfg.Archive.S3.UsePathStyle
		s3cfg.Prefix = cfg.Archive.S3.Prefix
		if cfg.Archive.S3.Region != "" {
			s3cfg.Region = cfg.Archive.S3.Region
		}
		s3, err := storage.NewS3Storage(ctx, cfg.Archive.S3.Bucket, s3cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 archive: %w", err)
		}
		store = s3
		logger.Info("archive storage initialized", "type", "s3", "bucket", cfg.Archive.S3.Bucket,
			"region", s3cfg.Region, "endpoint", s3cfg.Endpoint, "prefix", s3cfg.Prefix)
	default:
		local, err := storage.NewLocalStorage(cfg.Archive.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize local archive: %w", err)
		}
		store = local
		logger.Info("archive storage initialized", "type", "local", "path", cfg.Archive.Path)
	}

	codec, err := archive.CodecByName(cfg.Archive.Codec)
	if err != nil {
		return nil, err
	}
	return archive.New(archive.Config{
		Storage:     store,
		Codec:       codec,
		Tree:        tree,
		TempDir:     cfg.TempDir(),
		Concurrency: cfg.Archive.Concurrency,
		Logger:      logger,
	})
}

// Start opens the recording and starts ingestion, the HTTP server and the
// background loops.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("app is already running")
	}

	rec, err := recording.Open(ctx, RecordingOptions(a.cfg, a.logger))
	if err != nil {
		return fmt.Errorf("failed to open recording: %w", err)
	}
	a.rec = rec

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	a.cancel = cancel
	a.group = g
	a.shutdown = server.NewShutdownManager(server.ShutdownConfig{
		ShutdownTimeout: a.cfg.HTTP.ShutdownTimeout,
		Logger:          a.logger,
	})

	// Closers run in reverse: HTTP first, then the recording drains and
	// announces its last closed segment, then the archiver finishes.
	if a.cfg.Archive.Enabled {
		if err := a.startArchiver(ctx, gctx, g); err != nil {
			rec.Close()
			cancel()
			return err
		}
	}
	a.shutdown.RegisterCloser("recording", a.rec)

	rec.Start(gctx)
	g.Go(func() error { return a.watchIngest(gctx) })
	if a.cfg.Reconcile.Interval > 0 {
		g.Go(func() error { return a.reconcileLoop(gctx) })
	}

	ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		a.shutdown.Shutdown(ctx, "listen failed")
		cancel()
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.HTTP.Addr, err)
	}
	a.listener = ln
	var arch httpapi.Archive
	if a.archiver != nil {
		arch = archiveAPI{a}
	}
	handler := httpapi.NewRouter(rec, arch, a.cfg.Recording.Channels, a.logger, server.ShutdownMiddleware(a.shutdown))
	a.httpServer = server.NewGracefulHTTPServer(&http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      handler,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}, a.shutdown, a.cfg.HTTP.ShutdownTimeout)
	g.Go(func() error { return a.httpServer.Serve(ln) })

	a.running = true
	a.started = time.Now()
	meta := rec.Meta()
	a.logger.Info("segvault started",
		"recording", meta.Name,
		"id", meta.ID,
		"root", a.cfg.Recording.Root,
		"http", ln.Addr().String(),
		"archive", a.cfg.Archive.Enabled)
	return nil
}

func (a *App) startArchiver(ctx, gctx context.Context, g *errgroup.Group) error {
	arch, err := OpenArchive(ctx, a.cfg, a.rec.Files(), a.logger)
	if err != nil {
		return err
	}
	a.archiver = arch
	a.archiveSub = a.rec.Notifier().Subscribe("archiver", []router.NotificationType{router.SegmentClosed})

	done := make(chan struct{})
	g.Go(func() error {
		defer close(done)
		return arch.Run(gctx, a.archiveSub)
	})
	// Segments closed before the previous shutdown may never have made it.
	g.Go(func() error {
		if _, err := a.syncArchive(gctx); err != nil && gctx.Err() == nil {
			a.logger.Warn("initial archive sync failed", "error", err)
		}
		return nil
	})
	a.shutdown.RegisterCloser("archiver", server.CloserFunc(func() error {
		a.rec.Notifier().Unsubscribe(a.archiveSub.ID)
		<-done
		return nil
	}))
	return nil
}

// watchIngest stops the service when ingestion stops on its own.
func (a *App) watchIngest(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-a.rec.Done():
	}
	if a.shutdown.IsShuttingDown() {
		return nil
	}
	a.logger.Error("ingestion stopped unexpectedly")
	go a.shutdown.Shutdown(context.Background(), "ingestion stopped")
	return errors.New("ingestion stopped")
}

func (a *App) reconcileLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Reconcile.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		report, err := a.rec.Reconcile(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.logger.Error("periodic reconciliation failed", "error", err)
			continue
		}
		a.logger.Debug("periodic reconciliation complete", "rows", report.TotalRows, "files", report.TotalFiles, "duration", report.Duration)
		if a.archiver != nil {
			if _, err := a.syncArchive(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("archive sync failed", "error", err)
			}
		}
	}
}

func (a *App) syncArchive(ctx context.Context) (archive.SyncReport, error) {
	return a.archiver.Sync(ctx, a.rec.ClosedPaths())
}

// archiveAPI exposes the archiver to the HTTP API.
type archiveAPI struct{ a *App }

func (x archiveAPI) Sync(ctx context.Context) (archive.SyncReport, error) {
	return x.a.syncArchive(ctx)
}

func (x archiveAPI) Stats() archive.Stats { return x.a.archiver.Stats() }

// Addr returns the HTTP listen address.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Recording returns the served recording.
func (a *App) Recording() *recording.Recording { return a.rec }

// Stop shuts the service down gracefully and waits for every background
// goroutine.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	err := a.shutdown.Shutdown(ctx, "stop requested")
	a.cancel()
	if werr := a.group.Wait(); werr != nil && err == nil {
		err = werr
	}
	a.logger.Info("segvault stopped", "uptime", time.Since(a.started))
	return err
}

// WaitForShutdown blocks until SIGINT/SIGTERM, ctx cancellation or an
// ingestion failure, then stops the app.
func (a *App) WaitForShutdown(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		a.logger.Info("shutdown signal received")
	case <-a.shutdown.ShutdownCh():
	}
	return a.Stop(context.Background())
}
