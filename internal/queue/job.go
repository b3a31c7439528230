// Package queue implements the batch orchestration core: a bounded
// in-memory FIFO feeding a fixed number of concurrent execution slots,
// with per-batch timeouts, lifecycle event emission, and queue metrics.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ProcessorFunc executes one batch. The context is cancelled when the
// batch times out or the manager shuts down.
type ProcessorFunc func(ctx context.Context) error

// Job is one batch submission. The manager never inspects file
// payloads; it only schedules the processor closure.
type Job struct {
	BatchID      string
	CollectionID string
	FileCount    int
	FileMetaIDs  []uuid.UUID
	Processor    ProcessorFunc

	enqueuedAt time.Time
}

// Enqueue rejection sentinels. The manager returns these instead of
// panicking; callers translate them into HTTP responses.
var (
	ErrQueueFull    = errors.New("queue is at capacity")
	ErrShuttingDown = errors.New("queue manager is shutting down")
	ErrInvalidJob   = errors.New("job is missing required fields")
)

// Options configures a Manager. Values are used verbatim; bound
// clamping happens at config load so tests can use short timeouts.
type Options struct {
	MaxConcurrentBatches int
	MaxQueueLength       int
	BatchTimeout         time.Duration
	AverageBatchSeconds  int
	EnableLogging        bool

	// PositionDebounce coalesces bursts of position updates. Zero
	// means the default of one second.
	PositionDebounce time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxConcurrentBatches <= 0 {
		o.MaxConcurrentBatches = 1
	}
	if o.MaxQueueLength <= 0 {
		o.MaxQueueLength = 500
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = 30 * time.Minute
	}
	if o.AverageBatchSeconds <= 0 {
		o.AverageBatchSeconds = 150
	}
	if o.PositionDebounce <= 0 {
		o.PositionDebounce = time.Second
	}
}

// QueuedSnapshot describes one parked job in a status report.
type QueuedSnapshot struct {
	BatchID           string    `json:"batchId"`
	CollectionID      string    `json:"collectionId,omitempty"`
	Position          int       `json:"position"`
	FileCount         int       `json:"fileCount"`
	EnqueuedAt        time.Time `json:"enqueuedAt"`
	EstimatedWaitTime int       `json:"estimatedWaitTime"`
}

// ActiveSnapshot describes one running job in a status report.
type ActiveSnapshot struct {
	BatchID                 string    `json:"batchId"`
	CollectionID            string    `json:"collectionId,omitempty"`
	FileCount               int       `json:"fileCount"`
	StartedAt               time.Time `json:"startedAt"`
	ElapsedSeconds          float64   `json:"elapsedSeconds"`
	RemainingTimeoutSeconds float64   `json:"remainingTimeoutSeconds"`
}

// Status is the aggregate returned by GetQueueStatus.
type Status struct {
	QueueLength                  int              `json:"queueLength"`
	ActiveCount                  int              `json:"activeCount"`
	MaxConcurrentBatches         int              `json:"maxConcurrentBatches"`
	MaxQueueLength               int              `json:"maxQueueLength"`
	UtilizationPercent           float64          `json:"utilizationPercent"`
	TotalEnqueued                int64            `json:"totalEnqueued"`
	TotalProcessed               int64            `json:"totalProcessed"`
	TotalFailed                  int64            `json:"totalFailed"`
	TotalRejected                int64            `json:"totalRejected"`
	AverageCompletionTimeSeconds float64          `json:"averageCompletionTimeSeconds"`
	ThroughputBatchesPerHour     float64          `json:"throughputBatchesPerHour"`
	AverageWaitTimeSeconds       float64          `json:"averageWaitTimeSeconds"`
	ShuttingDown                 bool             `json:"shuttingDown"`
	QueuedBatches                []QueuedSnapshot `json:"queuedBatches"`
	ActiveBatches                []ActiveSnapshot `json:"activeBatches"`
}

// BatchInfo is the per-batch view used by the hydration API.
type BatchInfo struct {
	BatchID                 string     `json:"batchId"`
	CollectionID            string     `json:"collectionId,omitempty"`
	State                   string     `json:"state"`
	Position                int        `json:"position,omitempty"`
	FileCount               int        `json:"fileCount"`
	EnqueuedAt              time.Time  `json:"enqueuedAt"`
	StartedAt               *time.Time `json:"startedAt,omitempty"`
	ElapsedSeconds          float64    `json:"elapsedSeconds,omitempty"`
	RemainingTimeoutSeconds float64    `json:"remainingTimeoutSeconds,omitempty"`
}
