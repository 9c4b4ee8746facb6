// Package main wires together the sitegrade scan service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcspubsub "cloud.google.com/go/pubsub"
	gcsstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sitegrade/sitegrade/internal/analyzer"
	"github.com/sitegrade/sitegrade/internal/api"
	"github.com/sitegrade/sitegrade/internal/browser"
	clocksystem "github.com/sitegrade/sitegrade/internal/clock/system"
	"github.com/sitegrade/sitegrade/internal/config"
	"github.com/sitegrade/sitegrade/internal/crawl"
	"github.com/sitegrade/sitegrade/internal/hash/sha256"
	"github.com/sitegrade/sitegrade/internal/id/uuid"
	"github.com/sitegrade/sitegrade/internal/logging"
	"github.com/sitegrade/sitegrade/internal/progress"
	"github.com/sitegrade/sitegrade/internal/progress/sinks"
	memorypublisher "github.com/sitegrade/sitegrade/internal/publisher/memory"
	pubsubpublisher "github.com/sitegrade/sitegrade/internal/publisher/pubsub"
	"github.com/sitegrade/sitegrade/internal/queue"
	"github.com/sitegrade/sitegrade/internal/scan"
	gcsblobs "github.com/sitegrade/sitegrade/internal/storage/gcs"
	localblobs "github.com/sitegrade/sitegrade/internal/storage/local"
	memorystorage "github.com/sitegrade/sitegrade/internal/storage/memory"
	postgresstorage "github.com/sitegrade/sitegrade/internal/storage/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	clock := clocksystem.New()
	idGen := uuid.NewUUIDGenerator()
	hasher := sha256.New()

	scanStore, closeStore, err := buildScanStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build scan store: %w", err)
	}
	defer closeStore()

	blobStore, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build blob store: %w", err)
	}

	publisher, closePublisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build publisher: %w", err)
	}
	defer closePublisher()

	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("register progress metrics: %w", err)
	}
	hub := progress.NewHub(
		progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("events")),
		promSink,
	)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hub.Close(closeCtx); err != nil {
			logger.Warn("progress hub close", zap.Error(err))
		}
	}()

	pool := browser.NewPool(browser.Config{
		Capacity:         cfg.Pool.Capacity,
		IdleTTL:          time.Duration(cfg.Pool.IdleTTLSeconds) * time.Second,
		LaunchRetries:    cfg.Pool.LaunchRetries,
		LaunchRetryDelay: time.Duration(cfg.Pool.LaunchRetryDelayMs) * time.Millisecond,
		AcquirePoll:      time.Duration(cfg.Pool.AcquirePollMs) * time.Millisecond,
		AcquireTimeout:   cfg.AcquireTimeout(),
		MaintainInterval: time.Duration(cfg.Pool.MaintainIntervalSec) * time.Second,
		ProbeTimeout:     time.Duration(cfg.Pool.ProbeTimeoutSeconds) * time.Second,
		UserAgent:        cfg.Browser.UserAgent,
	}, logger.Named("pool"))
	defer pool.Close()
	go pool.Maintain(ctx)

	aggregator, err := analyzer.NewAggregator(analyzer.AggregatorConfig{
		Options: analyzer.Options{
			CheckLinks:    cfg.Analyzers.CheckLinks,
			MaxLinkChecks: cfg.Analyzers.MaxLinkChecks,
			LinkTimeout:   time.Duration(cfg.Analyzers.LinkTimeoutSeconds) * time.Second,
		},
		CacheSize: cfg.Analyzers.CacheSize,
	}, clock, logger.Named("analyzer"))
	if err != nil {
		return fmt.Errorf("build aggregator: %w", err)
	}

	orchestrator := crawl.NewOrchestrator(
		crawl.Config{
			ThrottleRPS:         cfg.Crawl.ThrottleRPS,
			StabilizeInterval:   time.Duration(cfg.Crawl.StabilizeIntervalMs) * time.Millisecond,
			StabilizeSamples:    cfg.Crawl.StabilizeSamples,
			StabilizeCeiling:    time.Duration(cfg.Crawl.StabilizeCeilingMs) * time.Millisecond,
			SnapshotContentType: cfg.Crawl.SnapshotContentType,
			SnapshotBlobPrefix:  cfg.Crawl.SnapshotBlobPrefix,
			CompletionTopic:     cfg.Crawl.CompletionEventTopic,
		},
		crawl.PoolSource{
			Pool: pool,
			Config: browser.PageConfig{
				UserAgent:        cfg.Browser.UserAgent,
				ViewportWidth:    cfg.Browser.ViewportWidth,
				ViewportHeight:   cfg.Browser.ViewportHeight,
				NavTimeout:       time.Duration(cfg.Browser.NavTimeoutSeconds) * time.Second,
				NetworkIdleGrace: time.Duration(cfg.Crawl.NetworkIdleGraceMs) * time.Millisecond,
			},
		},
		aggregator,
		scanStore,
		blobStore,
		publisher,
		hasher,
		clock,
		logger.Named("crawl"),
	)

	q := queue.New(
		queue.RetryPolicy{
			MaxAttempts: cfg.Queue.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Queue.BackoffBaseMs) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.Queue.BackoffMaxMs) * time.Millisecond,
		},
		scanStore,
		clock,
		idGen,
		logger.Named("queue"),
	)
	q.SetEmitter(hub)
	defer q.Close()

	processor := queue.NewProcessor(queue.ProcessorConfig{
		Concurrency:     cfg.Queue.Concurrency,
		CrawlTimeout:    cfg.CrawlTimeout(),
		AnalysisTimeout: cfg.AnalysisTimeout(),
	}, q, orchestrator, logger.Named("processor"))
	go processor.Run(ctx)

	apiServer := api.NewServer(scanStore, q, idGen, clock, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

func buildScanStore(ctx context.Context, cfg config.Config) (scan.ScanStore, func(), error) {
	switch cfg.Storage.Provider {
	case "memory", "":
		return memorystorage.NewScanStore(), func() {}, nil
	case "postgres":
		store, err := postgresstorage.NewScanStore(ctx, postgresstorage.Config{
			DSN:      cfg.Storage.DSN,
			MaxConns: cfg.Storage.MaxOpenConns,
			MinConns: cfg.Storage.MinOpenConns,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage provider %q", cfg.Storage.Provider)
	}
}

func buildBlobStore(ctx context.Context, cfg config.Config) (scan.BlobStore, error) {
	switch cfg.Blobs.Provider {
	case "memory", "":
		return memorystorage.NewBlobStore(), nil
	case "local":
		return localblobs.New(localblobs.Config{BaseDir: cfg.Blobs.LocalDir})
	case "gcs":
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return gcsblobs.New(client, gcsblobs.Config{Bucket: cfg.Blobs.GCSBucket})
	default:
		return nil, fmt.Errorf("unknown blob provider %q", cfg.Blobs.Provider)
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (scan.Publisher, func(), error) {
	switch cfg.Publisher.Provider {
	case "memory", "":
		return memorypublisher.New(), func() {}, nil
	case "pubsub":
		client, err := gcspubsub.NewClient(ctx, cfg.Publisher.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub client: %w", err)
		}
		pub, err := pubsubpublisher.New(client)
		if err != nil {
			return nil, nil, err
		}
		return pub, pub.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown publisher provider %q", cfg.Publisher.Provider)
	}
}
