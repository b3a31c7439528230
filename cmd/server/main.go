package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docflow/docflow/internal/api"
	"github.com/docflow/docflow/internal/config"
	"github.com/docflow/docflow/internal/database"
	"github.com/docflow/docflow/internal/events"
	"github.com/docflow/docflow/internal/metrics"
	"github.com/docflow/docflow/internal/objstore"
	"github.com/docflow/docflow/internal/ocr"
	"github.com/docflow/docflow/internal/queue"
	"github.com/docflow/docflow/internal/runner"
	"github.com/docflow/docflow/internal/store"
	"github.com/docflow/docflow/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logger
	logger := config.InitLogger(cfg.Logging)
	logger.Info("Starting docflow server",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"max_concurrent_batches", cfg.Queue.MaxConcurrentBatches,
		"max_queue_length", cfg.Queue.MaxQueueLength,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection
	pool, err := database.Connect(ctx, cfg)
	if err != nil {
		log.Fatalf("DB init failed: %v", err)
	}
	defer pool.Close()

	// Run embedded migrations (compiled into the binary)
	if err := database.RunMigrations(pool); err != nil {
		log.Fatalf("Migrations failed: %v", err)
	}

	// Blob storage
	blobs, err := objstore.NewFSStore(cfg.Storage.Root)
	if err != nil {
		log.Fatalf("Storage init failed: %v", err)
	}

	// Stores; deleted collections drop their raw blobs as well
	files := store.NewFileMetaStore(pool, func(ctx context.Context, rawPath string) {
		if err := blobs.Remove(ctx, rawPath); err != nil {
			logger.Warn("remove raw blob", "path", rawPath, "error", err)
		}
	})
	records := store.NewRecordStore(pool)

	// Event bus, metrics, and the WebSocket hub
	bus := events.NewBus(logger)
	collector := metrics.NewCollector()

	hub := ws.NewHub(ws.Options{
		SendBufferSize: cfg.WS.SendBufferSize,
		ReplaySize:     cfg.WS.ReplayBufferSize,
		ReplayTTL:      cfg.WS.ReplayTTL(),
		WriteTimeout:   cfg.WS.WriteTimeout(),
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	}, collector, logger)
	hub.AttachBus(bus)
	go hub.Run()

	// OCR collaborator and the batch runner
	extractor := ocr.NewClient(cfg.OCR, logger)
	batchRunner := runner.New(files, records, blobs, extractor, bus, cfg.Storage.ProcessedBucket, cfg.Queue.FileConcurrency, logger)

	// Batch queue manager
	manager := queue.NewManager(queue.Options{
		MaxConcurrentBatches: cfg.Queue.MaxConcurrentBatches,
		MaxQueueLength:       cfg.Queue.MaxQueueLength,
		BatchTimeout:         cfg.Queue.BatchTimeout(),
		AverageBatchSeconds:  cfg.Queue.AverageBatchSeconds,
		EnableLogging:        cfg.Queue.EnableQueueLogging,
	}, bus, collector, logger)

	// Create API router
	router := api.NewRouter(cfg, api.Dependencies{
		Files:     files,
		Records:   records,
		Blobs:     blobs,
		Manager:   manager,
		Runner:    batchRunner,
		Hub:       hub,
		Collector: collector,
		PingDB:    pool.Ping,
		Logger:    logger,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
	}

	// Start server in goroutine
	go func() {
		logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Stop accepting new batches; queued work is discarded, active
	// batches keep running until drained or the window closes.
	manager.PrepareShutdown()

	if cfg.Queue.GracefulShutdownEnabled() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Queue.GracefulShutdownTimeout())
		if err := manager.WaitForActiveBatches(drainCtx, cfg.Queue.GracefulShutdownTimeout()); err != nil {
			logger.Warn("Active batches did not drain", "error", err)
		}
		drainCancel()
	}

	cancel()
	hub.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server stopped gracefully")
}
