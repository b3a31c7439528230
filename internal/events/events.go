// Package events defines the typed lifecycle events emitted by the
// batch queue manager and the batch runner, the synchronous in-process
// bus they travel on, and the JSON wire codec used by the WebSocket hub.
package events

import (
	"time"

	"github.com/docflow/docflow/internal/model"
)

// Kind discriminates the event union. Wire frames carry it in the
// `type` field.
type Kind string

const (
	KindBatchQueued              Kind = "BATCH_QUEUED"
	KindBatchPositionUpdated     Kind = "BATCH_QUEUE_POSITION_UPDATED"
	KindBatchDequeued            Kind = "BATCH_DEQUEUED"
	KindBatchProcessingStarted   Kind = "BATCH_PROCESSING_STARTED"
	KindBatchProcessingProgress  Kind = "BATCH_PROCESSING_PROGRESS"
	KindBatchProcessingCompleted Kind = "BATCH_PROCESSING_COMPLETED"
	KindBatchProcessingFailed    Kind = "BATCH_PROCESSING_FAILED"
	KindBatchTimeout             Kind = "BATCH_TIMEOUT"
	KindQueueFull                Kind = "QUEUE_FULL"
	KindFilesProcessed           Kind = "FILES_PROCESSED"

	// KindBatchCompleted is an internal observer event emitted on slot
	// release. It never leaves the process.
	KindBatchCompleted Kind = "BATCH_COMPLETED"
)

// Event is the discriminated union of all lifecycle events.
type Event interface {
	Kind() Kind
}

// BatchQueued is emitted when an enqueue is accepted.
type BatchQueued struct {
	BatchID           string `json:"batchId" validate:"required"`
	CollectionID      string `json:"collectionId,omitempty"`
	Position          int    `json:"position" validate:"gte=1"`
	FileCount         int    `json:"fileCount"`
	EstimatedWaitTime int    `json:"estimatedWaitTime"`
	TotalQueued       int    `json:"totalQueued"`
}

func (BatchQueued) Kind() Kind { return KindBatchQueued }

// BatchPositionUpdated is emitted for every still-queued batch when the
// queue composition changes.
type BatchPositionUpdated struct {
	BatchID           string `json:"batchId" validate:"required"`
	CollectionID      string `json:"collectionId,omitempty"`
	Position          int    `json:"position" validate:"gte=0"`
	EstimatedWaitTime int    `json:"estimatedWaitTime"`
	TotalQueued       int    `json:"totalQueued"`
}

func (BatchPositionUpdated) Kind() Kind { return KindBatchPositionUpdated }

// BatchDequeued is emitted when a batch is promoted into an execution
// slot. The client treats it as a silent transition.
type BatchDequeued struct {
	BatchID        string    `json:"batchId" validate:"required"`
	CollectionID   string    `json:"collectionId,omitempty"`
	FileCount      int       `json:"fileCount"`
	StartedAt      time.Time `json:"startedAt"`
	TotalQueued    int       `json:"totalQueued"`
	ActiveCount    int       `json:"activeCount"`
	AvailableSlots int       `json:"availableSlots"`
}

func (BatchDequeued) Kind() Kind { return KindBatchDequeued }

// BatchProcessingStarted is emitted by the runner before the first file.
type BatchProcessingStarted struct {
	BatchID      string    `json:"batchId" validate:"required"`
	CollectionID string    `json:"collectionId,omitempty"`
	FileCount    int       `json:"fileCount"`
	StartedAt    time.Time `json:"startedAt"`
	Message      string    `json:"message,omitempty"`
}

func (BatchProcessingStarted) Kind() Kind { return KindBatchProcessingStarted }

// BatchProcessingProgress carries a monotonically non-decreasing
// progress percentage and a status tag such as "ocr_complete".
type BatchProcessingProgress struct {
	BatchID      string `json:"batchId" validate:"required"`
	CollectionID string `json:"collectionId,omitempty"`
	Progress     int    `json:"progress" validate:"gte=0,lte=100"`
	Status       string `json:"status" validate:"required"`
	Message      string `json:"message,omitempty"`
}

func (BatchProcessingProgress) Kind() Kind { return KindBatchProcessingProgress }

// BatchProcessingCompleted is the success terminal for a batch.
type BatchProcessingCompleted struct {
	BatchID      string            `json:"batchId" validate:"required"`
	CollectionID string            `json:"collectionId,omitempty"`
	FileCount    int               `json:"fileCount"`
	Counts       model.BatchCounts `json:"counts"`
}

func (BatchProcessingCompleted) Kind() Kind { return KindBatchProcessingCompleted }

// BatchProcessingFailed is the failure terminal for a batch.
type BatchProcessingFailed struct {
	BatchID      string `json:"batchId" validate:"required"`
	CollectionID string `json:"collectionId,omitempty"`
	Error        string `json:"error"`
}

func (BatchProcessingFailed) Kind() Kind { return KindBatchProcessingFailed }

// BatchTimeout is emitted when the per-batch wall-clock timer fires
// while the batch is still active.
type BatchTimeout struct {
	BatchID      string `json:"batchId" validate:"required"`
	CollectionID string `json:"collectionId,omitempty"`
	TimeoutMS    int64  `json:"timeoutMs"`
}

func (BatchTimeout) Kind() Kind { return KindBatchTimeout }

// QueueFull is a global broadcast emitted on capacity rejection. It
// carries no batch identity on purpose.
type QueueFull struct {
	Message     string `json:"message"`
	QueueLength int    `json:"queueLength"`
	MaxLength   int    `json:"maxLength"`
}

func (QueueFull) Kind() Kind { return KindQueueFull }

// FilesProcessed notifies clients of a single file row transition.
type FilesProcessed struct {
	BatchID      string             `json:"batchId,omitempty"`
	FileMetadata FilesProcessedMeta `json:"fileMetadata"`
}

// FilesProcessedMeta is the row subset carried on the wire.
type FilesProcessedMeta struct {
	ID               string                 `json:"id" validate:"required"`
	ProcessingStatus model.ProcessingStatus `json:"processingStatus"`
	CollectionID     string                 `json:"collectionId,omitempty"`
}

func (FilesProcessed) Kind() Kind { return KindFilesProcessed }

// BatchCompleted is the internal release observation: the slot was
// freed, whatever the outcome. Metrics handlers consume it.
type BatchCompleted struct {
	BatchID      string        `json:"batchId"`
	CollectionID string        `json:"collectionId,omitempty"`
	Duration     time.Duration `json:"-"`
	Failed       bool          `json:"failed"`
}

func (BatchCompleted) Kind() Kind { return KindBatchCompleted }
