// Package server assembles the image scraper from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-image-scraper/internal/api"
	"github.com/JakeFAU/realtime-image-scraper/internal/clock/system"
	"github.com/JakeFAU/realtime-image-scraper/internal/config"
	"github.com/JakeFAU/realtime-image-scraper/internal/hash/sha256"
	"github.com/JakeFAU/realtime-image-scraper/internal/id/uuid"
	"github.com/JakeFAU/realtime-image-scraper/internal/images"
	"github.com/JakeFAU/realtime-image-scraper/internal/logging"
	"github.com/JakeFAU/realtime-image-scraper/internal/metrics"
	"github.com/JakeFAU/realtime-image-scraper/internal/orchestrator"
	"github.com/JakeFAU/realtime-image-scraper/internal/processor"
	gcppublisher "github.com/JakeFAU/realtime-image-scraper/internal/publisher/pubsub"
	"github.com/JakeFAU/realtime-image-scraper/internal/search/bing"
	gcsstorage "github.com/JakeFAU/realtime-image-scraper/internal/storage/gcs"
	localstorage "github.com/JakeFAU/realtime-image-scraper/internal/storage/local"
	memorystorage "github.com/JakeFAU/realtime-image-scraper/internal/storage/memory"
	pgstore "github.com/JakeFAU/realtime-image-scraper/internal/storage/postgres"
	redisstore "github.com/JakeFAU/realtime-image-scraper/internal/storage/redis"
	"github.com/JakeFAU/realtime-image-scraper/internal/telemetry"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

// fileDigestLength is the number of hex digest characters in hosted file names.
const fileDigestLength = 12

// App contains the application's dependencies.
type App struct {
	cfg            *config.Config
	logger         *zap.Logger
	apiServer      *api.Server
	store          images.Store
	publisher      *gcppublisher.Publisher
	storage        *storage.Client
	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, logging.Options{
		Level: cfg.Logging.Level,
		File:  cfg.Logging.File,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger)
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("version", Version),
	)
	metrics.Init()

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Tracing.ServiceName,
		Version:     Version,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	clock := system.New()
	app.store, err = setupStore(ctx, app, clock)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	blobStore, err := setupBlobStore(ctx, app)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	searcher := bing.New(bing.Config{
		BaseURL:    cfg.Search.BaseURL,
		UserAgent:  cfg.Search.UserAgent,
		Timeout:    time.Duration(cfg.Search.TimeoutSeconds) * time.Second,
		MaxResults: cfg.Search.MaxResults,
	}, logger.Named("search"))

	hasher, err := sha256.NewTruncated(fileDigestLength)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, fmt.Errorf("hasher init failed: %w", err)
	}
	proc, err := processor.New(processor.Config{
		SaveDir:         cfg.Processor.SaveDir,
		PublicURL:       cfg.Processor.PublicURL,
		WatermarkPath:   cfg.Processor.WatermarkPath,
		DownloadTimeout: time.Duration(cfg.Processor.DownloadTimeoutSeconds) * time.Second,
		Quality:         float32(cfg.Processor.Quality),
		MaxBytes:        cfg.Processor.MaxBytes,
		UserAgent:       cfg.Search.UserAgent,
		RatePerHost:     cfg.Processor.RatePerHost,
	}, blobStore, hasher, logger.Named("processor"))
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, fmt.Errorf("processor init failed: %w", err)
	}

	orch := orchestrator.New(
		app.store,
		searcher,
		proc,
		publisher,
		uuid.New(),
		clock,
		images.NewSampler(),
		orchestrator.Config{
			MaxParallel: cfg.Processor.MaxParallel,
			Topic:       cfg.PubSub.TopicName,
		},
		logger.Named("orchestrator"),
	)

	app.apiServer = api.NewServer(orch, app.store, *cfg, logger.Named("api"))
	return app, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the HTTP server and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.ShutdownTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.Close(shutdownCtx); err != nil {
		return err
	}

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	a.closeObservability(ctx)
	return nil
}

func (a *App) closeInfrastructure(_ context.Context) {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
		a.publisher = nil
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.storage = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("keyword store close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerShutdown = nil
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

func setupStore(ctx context.Context, app *App, clock images.Clock) (images.Store, error) {
	cfg := app.cfg
	switch cfg.Store.Backend {
	case "postgres":
		store, err := pgstore.NewKeywordStore(ctx, pgstore.Config{
			DSN:           cfg.DB.ConnString(),
			Table:         cfg.DB.Table,
			MaxConns:      cfg.DB.MaxConns,
			MinConns:      cfg.DB.MinConns,
			RunMigrations: cfg.DB.RunMigrations,
		}, app.logger.Named("postgres"))
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		app.logger.Info("using postgres keyword store", zap.String("table", cfg.DB.Table))
		return store, nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			MaxRetries: cfg.Redis.MaxRetries,
		})
		store, err := redisstore.NewKeywordStore(client, redisstore.Config{
			KeyPrefix:  cfg.Redis.KeyPrefix,
			LockExpiry: time.Duration(cfg.Redis.LockExpirySeconds) * time.Second,
			LockWait:   time.Duration(cfg.Redis.LockWaitSeconds) * time.Second,
		}, clock)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis store init failed: %w", err)
		}
		if err := store.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis store init failed: %w", err)
		}
		app.logger.Info("using redis keyword store", zap.String("addr", cfg.Redis.Addr))
		return store, nil
	default:
		app.logger.Warn("using in-memory keyword store; served state is lost on restart")
		return memorystorage.NewKeywordStore(clock), nil
	}
}

func setupBlobStore(ctx context.Context, app *App) (images.BlobStore, error) {
	cfg := app.cfg.Storage
	switch cfg.Backend {
	case "gcs":
		var err error
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err := gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket:       cfg.GCSBucket,
			Prefix:       cfg.GCSPrefix,
			CacheControl: cfg.CacheControl,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("using GCS storage backend", zap.String("bucket", cfg.GCSBucket))
		return blobStore, nil
	case "local":
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local storage backend", zap.String("path", cfg.LocalDir))
		return blobStore, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (images.Publisher, error) {
	cfg := app.cfg.PubSub
	if cfg.TopicName == "" || cfg.ProjectID == "" {
		app.logger.Info("no Pub/Sub topic configured, serve events disabled")
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.publisher = gcppublisher.New(client)
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", cfg.ProjectID),
		zap.String("topic", cfg.TopicName),
	)
	return app.publisher, nil
}
