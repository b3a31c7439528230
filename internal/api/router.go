package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/docflow/docflow/internal/config"
	"github.com/docflow/docflow/internal/metrics"
	"github.com/docflow/docflow/internal/middleware"
	"github.com/docflow/docflow/internal/objstore"
	"github.com/docflow/docflow/internal/queue"
	"github.com/docflow/docflow/internal/runner"
	"github.com/docflow/docflow/internal/store"
	"github.com/docflow/docflow/internal/ws"
)

// Dependencies bundles everything the router wires into handlers.
type Dependencies struct {
	Files     store.FileMetaStore
	Records   store.RecordStore
	Blobs     objstore.Store
	Manager   *queue.Manager
	Runner    *runner.Runner
	Hub       *ws.Hub
	Collector *metrics.Collector
	PingDB    func(ctx context.Context) error
	Logger    *slog.Logger
}

// NewRouter creates and configures the API router
func NewRouter(cfg *config.Config, deps Dependencies) http.Handler {
	logger := deps.Logger
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logger(logger))

	// CORS (if enabled)
	if cfg.CORS.Enabled {
		r.Use(middleware.CORS(
			cfg.CORS.AllowedOrigins,
			cfg.CORS.AllowedMethods,
			cfg.CORS.AllowedHeaders,
			cfg.CORS.MaxAgeSeconds,
		))
	}

	// Initialize handlers
	healthHandler := NewHealthHandler(deps.PingDB, deps.Manager)
	documentHandler := NewDocumentHandler(
		deps.Files, deps.Records, deps.Blobs, deps.Manager, deps.Runner,
		cfg.Storage.RawBucket, int64(cfg.Server.MaxUploadMB)<<20, logger,
	)
	adminHandler := NewAdminHandler(deps.Manager, logger)

	// Public routes (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	if deps.Collector != nil {
		r.Method(http.MethodGet, "/metrics", deps.Collector.Handler())
	}

	if deps.Hub != nil {
		r.Get(cfg.WS.Path, deps.Hub.ServeWs)
	}

	r.Route("/api/documents", func(r chi.Router) {
		r.Post("/process", documentHandler.Process)
		r.Get("/batches/{batchId}", documentHandler.BatchStatus)
		r.Get("/batches/{batchId}/records", documentHandler.BatchRecords)
		r.Post("/files/{id}/reprocess", documentHandler.Reprocess)
		r.Get("/collections/{collectionId}/files", documentHandler.CollectionFiles)
		r.Delete("/collections/{collectionId}", documentHandler.DeleteCollection)
	})

	// Operational routes (require shared secret)
	r.Route("/api/admin", func(r chi.Router) {
		r.Use(middleware.AdminSecret(cfg.Admin.Secret))
		r.Get("/queue-status", adminHandler.QueueStatus)
		r.Get("/queue-metrics", adminHandler.QueueMetrics)
		r.Post("/clear-completed-metrics", adminHandler.ClearCompletedMetrics)
	})

	return r
}
