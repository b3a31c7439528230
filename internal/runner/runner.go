// Package runner executes one batch: it walks the batch's files through
// OCR, validation, and persistence, emitting lifecycle and per-file
// events along the way. The queue manager owns scheduling and timeouts;
// the runner only does the work inside the slot it was handed.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/docflow/docflow/internal/events"
	"github.com/docflow/docflow/internal/model"
	"github.com/docflow/docflow/internal/objstore"
	"github.com/docflow/docflow/internal/ocr"
	"github.com/docflow/docflow/internal/store"
	"github.com/docflow/docflow/internal/validate"
)

// Batch is one unit of work handed to Run.
type Batch struct {
	BatchID      string
	CollectionID string
	FileMetaIDs  []uuid.UUID
}

// Runner drives the per-file pipeline with bounded file concurrency.
type Runner struct {
	files           store.FileMetaStore
	records         store.RecordStore
	blobs           objstore.Store
	extractor       ocr.Extractor
	validator       *validate.Validator
	bus             *events.Bus
	processedBucket string
	fileConcurrency int
	logger          *slog.Logger
}

func New(files store.FileMetaStore, records store.RecordStore, blobs objstore.Store,
	extractor ocr.Extractor, bus *events.Bus, processedBucket string, fileConcurrency int, logger *slog.Logger) *Runner {
	if fileConcurrency <= 0 {
		fileConcurrency = 2
	}
	if processedBucket == "" {
		processedBucket = "processed"
	}
	return &Runner{
		files:           files,
		records:         records,
		blobs:           blobs,
		extractor:       extractor,
		validator:       validate.New(),
		bus:             bus,
		processedBucket: processedBucket,
		fileConcurrency: fileConcurrency,
		logger:          logger.With("component", "runner"),
	}
}

// progressTracker emits monotonically non-decreasing percentages. Each
// file contributes two steps: extraction and persistence. Publication
// happens under the lock so concurrent file goroutines cannot reorder
// the percentages on the bus.
type progressTracker struct {
	mu       sync.Mutex
	done     int
	total    int
	lastEmit int
}

// step records one completed step and, if the percentage advanced,
// publishes it through emit while still holding the lock.
func (p *progressTracker) step(emit func(pct int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done++
	pct := p.done * 100 / p.total
	if pct <= p.lastEmit {
		return
	}
	p.lastEmit = pct
	emit(pct)
}

// Run processes every file of the batch and emits the terminal event.
// A cancelled context means the manager already announced the outcome
// (timeout or shutdown), so Run stays silent and just returns the error.
func (r *Runner) Run(ctx context.Context, b Batch) error {
	if len(b.FileMetaIDs) == 0 {
		return fmt.Errorf("batch %s has no files", b.BatchID)
	}

	r.bus.Publish(events.BatchProcessingStarted{
		BatchID:      b.BatchID,
		CollectionID: b.CollectionID,
		FileCount:    len(b.FileMetaIDs),
		StartedAt:    time.Now().UTC(),
		Message:      fmt.Sprintf("processing %d file(s)", len(b.FileMetaIDs)),
	})

	tracker := &progressTracker{total: len(b.FileMetaIDs) * 2}

	var mu sync.Mutex
	succeeded, failed := 0, 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.fileConcurrency)

	for _, id := range b.FileMetaIDs {
		id := id
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			err := r.processFile(gctx, b, id, tracker)

			mu.Lock()
			if err != nil {
				failed++
			} else {
				succeeded++
			}
			mu.Unlock()

			if err != nil {
				r.logger.Warn("file processing failed",
					"batch_id", b.BatchID,
					"file_id", id,
					"error", err,
				)
				r.markFileFailed(b, id)
			}
			// A single file failing does not abort the batch.
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	counts, err := r.files.AggregateByBatch(context.WithoutCancel(ctx), b.BatchID)
	if err != nil {
		r.logger.Error("aggregate batch counts failed", "batch_id", b.BatchID, "error", err)
		counts = model.BatchCounts{Total: len(b.FileMetaIDs), Completed: succeeded, Failed: failed}
	}

	if succeeded == 0 {
		r.bus.Publish(events.BatchProcessingFailed{
			BatchID:      b.BatchID,
			CollectionID: b.CollectionID,
			Error:        fmt.Sprintf("all %d file(s) failed", len(b.FileMetaIDs)),
		})
		return fmt.Errorf("batch %s: all %d file(s) failed", b.BatchID, len(b.FileMetaIDs))
	}

	r.bus.Publish(events.BatchProcessingCompleted{
		BatchID:      b.BatchID,
		CollectionID: b.CollectionID,
		FileCount:    len(b.FileMetaIDs),
		Counts:       counts,
	})
	return nil
}

// processFile is the per-file pipeline: mark processing, fetch the raw
// blob, extract, validate, persist, mark terminal.
func (r *Runner) processFile(ctx context.Context, b Batch, id uuid.UUID, tracker *progressTracker) error {
	meta, err := r.files.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load file metadata: %w", err)
	}

	if err := r.files.UpdateStatus(ctx, id, model.StatusProcessing); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	blob, err := r.blobs.Get(ctx, meta.RawStoragePath)
	if err != nil {
		return fmt.Errorf("open raw blob: %w", err)
	}
	entities, err := r.extractor.Extract(ctx, meta.OriginalFilename, blob)
	blob.Close()
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}

	r.emitProgress(b, tracker, "ocr_complete", meta.OriginalFilename)

	res, err := r.validator.Records(id, b.BatchID, entities)
	if err != nil {
		return fmt.Errorf("validate entities: %w", err)
	}
	if res.Rejected > 0 || res.Deduped > 0 {
		r.logger.Info("entities filtered",
			"batch_id", b.BatchID,
			"file_id", id,
			"rejected", res.Rejected,
			"deduped", res.Deduped,
		)
	}

	inserted, err := r.records.InsertForFile(ctx, res.Records)
	if err != nil {
		return fmt.Errorf("persist records: %w", err)
	}

	processedPath, err := r.storeArtifact(ctx, id, res.Records)
	if err != nil {
		// The records are durable; a missing artifact is not fatal.
		r.logger.Warn("store processed artifact failed", "file_id", id, "error", err)
	} else if err := r.files.SetStoragePaths(ctx, id, nil, &processedPath); err != nil {
		r.logger.Warn("set processed path failed", "file_id", id, "error", err)
	}

	if err := r.files.UpdateStatus(ctx, id, model.StatusCompleted); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	r.emitProgress(b, tracker, "database_insert_complete", meta.OriginalFilename)
	r.bus.Publish(events.FilesProcessed{
		BatchID: b.BatchID,
		FileMetadata: events.FilesProcessedMeta{
			ID:               id.String(),
			ProcessingStatus: model.StatusCompleted,
			CollectionID:     b.CollectionID,
		},
	})

	r.logger.Info("file processed",
		"batch_id", b.BatchID,
		"file_id", id,
		"entities", len(entities),
		"records", inserted,
	)
	return nil
}

// markFileFailed records the failure row state and notifies clients.
// It runs on a detached context so a batch timeout cannot leave the row
// stuck in "processing".
func (r *Runner) markFileFailed(b Batch, id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.files.UpdateStatus(ctx, id, model.StatusFailed); err != nil {
		r.logger.Error("mark failed", "file_id", id, "error", err)
	}
	r.bus.Publish(events.FilesProcessed{
		BatchID: b.BatchID,
		FileMetadata: events.FilesProcessedMeta{
			ID:               id.String(),
			ProcessingStatus: model.StatusFailed,
			CollectionID:     b.CollectionID,
		},
	})
}

func (r *Runner) emitProgress(b Batch, tracker *progressTracker, status, filename string) {
	tracker.step(func(pct int) {
		r.bus.Publish(events.BatchProcessingProgress{
			BatchID:      b.BatchID,
			CollectionID: b.CollectionID,
			Progress:     pct,
			Status:       status,
			Message:      filename,
		})
	})
}

// storeArtifact writes the validated records as a JSON blob next to the
// raw upload.
func (r *Runner) storeArtifact(ctx context.Context, id uuid.UUID, recs []model.ExtractedRecord) (string, error) {
	payload, err := json.Marshal(recs)
	if err != nil {
		return "", fmt.Errorf("marshal artifact: %w", err)
	}
	return r.blobs.Put(ctx, r.processedBucket, id.String()+".json", bytes.NewReader(payload))
}
