package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/docflow/docflow/internal/model"
	"github.com/docflow/docflow/internal/objstore"
	"github.com/docflow/docflow/internal/queue"
	"github.com/docflow/docflow/internal/runner"
	"github.com/docflow/docflow/internal/store"
)

// DocumentHandler owns the upload, hydration, and reprocess endpoints.
type DocumentHandler struct {
	files     store.FileMetaStore
	records   store.RecordStore
	blobs     objstore.Store
	manager   *queue.Manager
	runner    *runner.Runner
	rawBucket string
	maxUpload int64
	logger    *slog.Logger
}

func NewDocumentHandler(files store.FileMetaStore, records store.RecordStore, blobs objstore.Store,
	manager *queue.Manager, run *runner.Runner, rawBucket string, maxUploadBytes int64, logger *slog.Logger) *DocumentHandler {
	return &DocumentHandler{
		files:     files,
		records:   records,
		blobs:     blobs,
		manager:   manager,
		runner:    run,
		rawBucket: rawBucket,
		maxUpload: maxUploadBytes,
		logger:    logger.With("component", "documents"),
	}
}

type processResponse struct {
	Accepted          bool        `json:"accepted"`
	BatchID           string      `json:"batchId"`
	CollectionID      string      `json:"collectionId"`
	FileCount         int         `json:"fileCount"`
	FileIDs           []uuid.UUID `json:"fileIds"`
	Position          int         `json:"position"`
	EstimatedWaitTime int         `json:"estimatedWaitTime"`
}

// Process accepts a multipart upload of PDFs, stores the raw blobs,
// creates the metadata rows, and enqueues the batch.
func (h *DocumentHandler) Process(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		sendError(w, r, http.StatusBadRequest, "INVALID_UPLOAD", "Could not parse multipart form", err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	collectionID, err := uuid.Parse(r.FormValue("collectionId"))
	if err != nil {
		sendError(w, r, http.StatusBadRequest, "INVALID_ID", "collectionId must be a UUID", nil)
		return
	}

	uploads := r.MultipartForm.File["files"]
	if len(uploads) == 0 {
		sendError(w, r, http.StatusBadRequest, "NO_FILES", "At least one file is required", nil)
		return
	}

	batchID := "batch_" + uuid.New().String()

	inputs := make([]store.FileInput, 0, len(uploads))
	for _, header := range uploads {
		input, err := h.storeUpload(r, batchID, header)
		if err != nil {
			sendError(w, r, http.StatusBadRequest, "INVALID_FILE",
				fmt.Sprintf("File %q rejected", header.Filename), err.Error())
			return
		}
		inputs = append(inputs, input)
	}

	ids, err := h.files.CreateForBatch(r.Context(), collectionID, batchID, inputs)
	if handleDBError(w, r, err, "file metadata") {
		return
	}

	position, err := h.enqueue(w, r, batchID, collectionID.String(), ids)
	if err != nil {
		// The rows exist but will never be scheduled; mark them so the
		// hydration API does not report a phantom queued batch.
		for _, id := range ids {
			if uerr := h.files.UpdateStatus(r.Context(), id, model.StatusFailed); uerr != nil {
				h.logger.Error("mark rejected upload failed", "file_id", id, "error", uerr)
			}
		}
		return
	}

	h.logger.Info("batch submitted",
		"batch_id", batchID,
		"collection_id", collectionID,
		"file_count", len(ids),
		"position", position,
	)

	sendJSON(w, http.StatusAccepted, processResponse{
		Accepted:          true,
		BatchID:           batchID,
		CollectionID:      collectionID.String(),
		FileCount:         len(ids),
		FileIDs:           ids,
		Position:          position,
		EstimatedWaitTime: h.manager.EstimateWait(position),
	})
}

// storeUpload sniffs the content type and writes the raw blob. Only
// PDFs are accepted; the declared Content-Type header is not trusted.
func (h *DocumentHandler) storeUpload(r *http.Request, batchID string, header *multipart.FileHeader) (store.FileInput, error) {
	f, err := header.Open()
	if err != nil {
		return store.FileInput{}, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	mtype, err := mimetype.DetectReader(f)
	if err != nil {
		return store.FileInput{}, fmt.Errorf("detect content type: %w", err)
	}
	if !mtype.Is("application/pdf") {
		return store.FileInput{}, fmt.Errorf("content type %s is not a PDF", mtype.String())
	}
	if _, err := f.Seek(0, 0); err != nil {
		return store.FileInput{}, fmt.Errorf("rewind upload: %w", err)
	}

	blobName := uuid.New().String() + "_" + header.Filename
	rawPath, err := h.blobs.Put(r.Context(), h.rawBucket, blobName, f)
	if err != nil {
		return store.FileInput{}, fmt.Errorf("store raw blob: %w", err)
	}

	return store.FileInput{
		Filename: header.Filename,
		Size:     header.Size,
		RawPath:  rawPath,
	}, nil
}

// enqueue builds the job and translates enqueue sentinels to HTTP. On
// error the response has already been written.
func (h *DocumentHandler) enqueue(w http.ResponseWriter, r *http.Request, batchID, collectionID string, ids []uuid.UUID) (int, error) {
	job := queue.Job{
		BatchID:      batchID,
		CollectionID: collectionID,
		FileCount:    len(ids),
		FileMetaIDs:  ids,
		Processor: func(ctx context.Context) error {
			return h.runner.Run(ctx, runner.Batch{
				BatchID:      batchID,
				CollectionID: collectionID,
				FileMetaIDs:  ids,
			})
		},
	}

	position, err := h.manager.Enqueue(job)
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		sendError(w, r, http.StatusServiceUnavailable, "QUEUE_FULL",
			"Processing queue is full, try again later", nil)
		return 0, err
	case errors.Is(err, queue.ErrShuttingDown):
		sendError(w, r, http.StatusServiceUnavailable, "SHUTTING_DOWN",
			"Service is shutting down", nil)
		return 0, err
	case err != nil:
		sendError(w, r, http.StatusBadRequest, "INVALID_BATCH", "Batch rejected", err.Error())
		return 0, err
	}
	return position, nil
}

type batchStatusResponse struct {
	BatchID string            `json:"batchId"`
	State   string            `json:"state"`
	Info    *queue.BatchInfo  `json:"queue,omitempty"`
	Counts  model.BatchCounts `json:"counts"`
	Files   []model.FileMeta  `json:"files"`
}

// BatchStatus is the hydration endpoint: the queue's live view merged
// with the persisted row states, so a client reconnecting mid-batch can
// rebuild its UI from one call.
func (h *DocumentHandler) BatchStatus(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchId")
	if batchID == "" {
		sendError(w, r, http.StatusBadRequest, "INVALID_ID", "batchId is required", nil)
		return
	}

	files, err := h.files.FindByBatch(r.Context(), batchID)
	if handleDBError(w, r, err, "batch") {
		return
	}
	if len(files) == 0 {
		sendError(w, r, http.StatusNotFound, "NOT_FOUND", "batch not found", nil)
		return
	}

	counts, err := h.files.AggregateByBatch(r.Context(), batchID)
	if handleDBError(w, r, err, "batch") {
		return
	}

	info := h.manager.GetBatchInfo(batchID)
	state := deriveState(info, counts)

	sendJSON(w, http.StatusOK, batchStatusResponse{
		BatchID: batchID,
		State:   state,
		Info:    info,
		Counts:  counts,
		Files:   files,
	})
}

// deriveState reconciles the scheduler's view with the persisted rows.
// The scheduler wins while it still tracks the batch; afterwards the
// row aggregates decide.
func deriveState(info *queue.BatchInfo, counts model.BatchCounts) string {
	if info != nil {
		return info.State
	}
	switch {
	case counts.Total == 0:
		return "unknown"
	case counts.Completed+counts.Failed < counts.Total:
		// The scheduler no longer tracks it but rows are not terminal:
		// the batch was interrupted (crash or shutdown discard).
		return "interrupted"
	case counts.Completed == 0:
		return "failed"
	default:
		return "completed"
	}
}

// BatchRecords lists the extracted records persisted for one batch.
func (h *DocumentHandler) BatchRecords(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchId")
	if batchID == "" {
		sendError(w, r, http.StatusBadRequest, "INVALID_ID", "batchId is required", nil)
		return
	}

	recs, err := h.records.FindByBatch(r.Context(), batchID)
	if handleDBError(w, r, err, "batch records") {
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"batchId": batchID,
		"count":   len(recs),
		"records": recs,
	})
}

// Reprocess re-runs a single file as a fresh one-file batch. Files
// still queued or processing cannot be reprocessed.
func (h *DocumentHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}

	meta, err := h.files.Get(r.Context(), id)
	if handleDBError(w, r, err, "file") {
		return
	}

	switch meta.ProcessingStatus {
	case model.StatusQueued, model.StatusProcessing, model.StatusReprocessing:
		sendError(w, r, http.StatusConflict, "ALREADY_ACTIVE",
			"File is already queued or processing", nil)
		return
	}

	batchID := "batch_" + uuid.New().String()
	if err := h.files.SetBatchID(r.Context(), id, batchID); handleDBError(w, r, err, "file") {
		return
	}
	if err := h.files.UpdateStatus(r.Context(), id, model.StatusReprocessing); handleDBError(w, r, err, "file") {
		return
	}

	position, err := h.enqueue(w, r, batchID, meta.CollectionID.String(), []uuid.UUID{id})
	if err != nil {
		return
	}

	h.logger.Info("file reprocess submitted", "file_id", id, "batch_id", batchID)
	sendJSON(w, http.StatusAccepted, processResponse{
		Accepted:          true,
		BatchID:           batchID,
		CollectionID:      meta.CollectionID.String(),
		FileCount:         1,
		FileIDs:           []uuid.UUID{id},
		Position:          position,
		EstimatedWaitTime: h.manager.EstimateWait(position),
	})
}

// CollectionFiles lists all file rows of a collection.
func (h *DocumentHandler) CollectionFiles(w http.ResponseWriter, r *http.Request) {
	collectionID, ok := parseUUIDParam(w, r, "collectionId")
	if !ok {
		return
	}

	files, err := h.files.FindByCollection(r.Context(), collectionID)
	if handleDBError(w, r, err, "collection") {
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"collectionId": collectionID,
		"count":        len(files),
		"files":        files,
	})
}

// DeleteCollection removes a collection's rows and raw blobs.
func (h *DocumentHandler) DeleteCollection(w http.ResponseWriter, r *http.Request) {
	collectionID, ok := parseUUIDParam(w, r, "collectionId")
	if !ok {
		return
	}

	deleted, err := h.files.DeleteByCollection(r.Context(), collectionID)
	if handleDBError(w, r, err, "collection") {
		return
	}

	h.logger.Info("collection deleted", "collection_id", collectionID, "files", deleted)
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"collectionId": collectionID,
		"deleted":      deleted,
	})
}
