package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/pixelprep/internal/api"
	"github.com/dunamismax/pixelprep/internal/cache"
	"github.com/dunamismax/pixelprep/internal/config"
	"github.com/dunamismax/pixelprep/internal/imaging"
	"github.com/dunamismax/pixelprep/internal/processor"
	"github.com/dunamismax/pixelprep/internal/queue"
	"github.com/dunamismax/pixelprep/internal/storage"
	"github.com/dunamismax/pixelprep/internal/store"
	"github.com/dunamismax/pixelprep/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)
	ctx := context.Background()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "pixelprep-api",
		Exporter:     cfg.Trace.Exporter,
		OTLPEndpoint: cfg.Trace.OTLPEndpoint,
		OTLPInsecure: cfg.Trace.OTLPInsecure,
		SampleRatio:  cfg.Trace.SampleRatio,
	}, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}

	if err := imaging.Startup(); err != nil {
		logger.Fatalf("imaging runtime failed: %v", err)
	}
	defer imaging.Shutdown()

	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		logger.Fatalf("load profile failed: %v", err)
	}

	storageClient, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		logger.Fatalf("storage client failed: %v", err)
	}
	if err := storageClient.EnsureBucket(ctx); err != nil {
		logger.Printf("ensure bucket failed bucket=%s err=%v", storageClient.Bucket(), err)
	}

	wrapper, err := profile.Wrapper(nil, processor.Options{
		Logger:    logger,
		Snapshots: processor.ObjectSnapshotWriter{Storage: storageClient, Prefix: "snapshots"},
	})
	if err != nil {
		logger.Fatalf("build processors failed: %v", err)
	}

	jobStore, closeStore, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Fatalf("job store failed: %v", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Printf("job store close error: %v", err)
		}
	}()

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, queue.EnqueueOptions{
		MaxRetry: cfg.Queue.MaxRetry,
		Timeout:  cfg.Queue.TaskTimeout,
	})
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Printf("queue client close error: %v", err)
		}
	}()

	opts := api.Options{
		Queue:        queueClient,
		Jobs:         jobStore,
		Storage:      storageClient,
		Fingerprint:  profile.PreprocessFingerprint(),
		PresignTTL:   cfg.API.PresignTTL,
		MaxBodyBytes: cfg.API.MaxBodyBytes,
		Tracer:       otel.Tracer("pixelprep/api"),
	}
	if cfg.Cache.Enabled {
		redisClient := redis.NewClient(cfg.Queue.RedisOptions())
		defer redisClient.Close()

		resultCache, err := cache.NewResultCache(redisClient, cfg.Cache.TTL, cfg.Cache.KeyPrefix)
		if err != nil {
			logger.Fatalf("result cache failed: %v", err)
		}
		opts.Cache = resultCache
	}

	app := api.NewServer(logger, wrapper, opts)
	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s model=%s fingerprint=%s cache=%t", cfg.API.Addr, wrapper.Metadata().ID, opts.Fingerprint, cfg.Cache.Enabled)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Printf("tracing shutdown failed: %v", err)
	}
}
