// Package model defines the shared domain types for the document
// processing pipeline: file metadata rows, extracted entities, and
// batch-level aggregates.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ProcessingStatus is the lifecycle state of a single file row.
type ProcessingStatus string

const (
	StatusQueued       ProcessingStatus = "queued"
	StatusProcessing   ProcessingStatus = "processing"
	StatusCompleted    ProcessingStatus = "completed"
	StatusFailed       ProcessingStatus = "failed"
	StatusReprocessing ProcessingStatus = "reprocessing"
)

// Valid reports whether s is one of the known processing statuses.
func (s ProcessingStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusReprocessing:
		return true
	}
	return false
}

// FileMeta is one persisted file-metadata row. The row is owned by the
// metadata store; the queue manager and runner mutate it only through
// the store's API.
type FileMeta struct {
	ID                   uuid.UUID        `json:"id"`
	CollectionID         uuid.UUID        `json:"collectionId"`
	OriginalFilename     string           `json:"originalFilename"`
	FileSize             int64            `json:"fileSize"`
	BatchID              string           `json:"batchId,omitempty"`
	ProcessingStatus     ProcessingStatus `json:"processingStatus"`
	RawStoragePath       string           `json:"rawStoragePath,omitempty"`
	ProcessedStoragePath string           `json:"processedStoragePath,omitempty"`
	UploadProgress       int              `json:"uploadProgress"`
	CreatedAt            time.Time        `json:"createdAt"`
	UpdatedAt            time.Time        `json:"updatedAt"`
}

// ExtractedEntity is a single entity returned by the OCR collaborator
// for one file. Validation tags are enforced before persistence.
type ExtractedEntity struct {
	Kind       string  `json:"kind" validate:"required,min=1,max=64"`
	Value      string  `json:"value" validate:"required,min=1"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
	Page       int     `json:"page" validate:"gte=0"`
}

// ExtractedRecord is the persisted form of an entity: the raw
// pre-validation payload plus the validated columns.
type ExtractedRecord struct {
	ID          uuid.UUID       `json:"id"`
	FileMetaID  uuid.UUID       `json:"fileMetaId"`
	BatchID     string          `json:"batchId"`
	RawPayload  json.RawMessage `json:"rawPayload"`
	Kind        string          `json:"kind"`
	Value       string          `json:"value"`
	Confidence  float64         `json:"confidence"`
	Page        int             `json:"page"`
	ContentHash string          `json:"contentHash"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// BatchCounts aggregates per-file terminal states for one batch.
type BatchCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
