package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// wireKinds is the set of kinds that cross the process boundary.
// Internal observer events (BATCH_COMPLETED) are excluded.
var wireKinds = map[Kind]bool{
	KindBatchQueued:              true,
	KindBatchPositionUpdated:     true,
	KindBatchDequeued:            true,
	KindBatchProcessingStarted:   true,
	KindBatchProcessingProgress:  true,
	KindBatchProcessingCompleted: true,
	KindBatchProcessingFailed:    true,
	KindBatchTimeout:             true,
	KindQueueFull:                true,
	KindFilesProcessed:           true,
}

// OnWire reports whether events of this kind are serialized for clients.
func OnWire(k Kind) bool { return wireKinds[k] }

// EncodeFrame serializes an event as a flat JSON frame: the event's own
// fields plus `type` and `timestamp`. Returns an error for kinds that
// are not part of the wire protocol.
func EncodeFrame(e Event) ([]byte, error) {
	return encodeFrameAt(e, time.Now().UTC())
}

func encodeFrameAt(e Event, ts time.Time) ([]byte, error) {
	if !OnWire(e.Kind()) {
		return nil, fmt.Errorf("event kind %s is not a wire frame", e.Kind())
	}

	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", e.Kind(), err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("flatten %s: %w", e.Kind(), err)
	}

	typ, _ := json.Marshal(string(e.Kind()))
	stamp, _ := json.Marshal(ts.Format(time.RFC3339Nano))
	fields["type"] = typ
	fields["timestamp"] = stamp

	return json.Marshal(fields)
}

// DecodeFrame parses a wire frame back into its typed event. Unknown
// `type` tags and frames failing field validation are rejected; this is
// the inbound boundary check for client-side consumers.
func DecodeFrame(data []byte) (Event, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode frame header: %w", err)
	}

	var e Event
	switch head.Type {
	case KindBatchQueued:
		e = &BatchQueued{}
	case KindBatchPositionUpdated:
		e = &BatchPositionUpdated{}
	case KindBatchDequeued:
		e = &BatchDequeued{}
	case KindBatchProcessingStarted:
		e = &BatchProcessingStarted{}
	case KindBatchProcessingProgress:
		e = &BatchProcessingProgress{}
	case KindBatchProcessingCompleted:
		e = &BatchProcessingCompleted{}
	case KindBatchProcessingFailed:
		e = &BatchProcessingFailed{}
	case KindBatchTimeout:
		e = &BatchTimeout{}
	case KindQueueFull:
		e = &QueueFull{}
	case KindFilesProcessed:
		e = &FilesProcessed{}
	default:
		return nil, fmt.Errorf("unknown frame type %q", head.Type)
	}

	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("decode %s frame: %w", head.Type, err)
	}
	if err := validate.Struct(e); err != nil {
		return nil, fmt.Errorf("invalid %s frame: %w", head.Type, err)
	}
	return deref(e), nil
}

// deref returns the value form so callers can type-switch on concrete
// structs rather than pointers.
func deref(e Event) Event {
	switch v := e.(type) {
	case *BatchQueued:
		return *v
	case *BatchPositionUpdated:
		return *v
	case *BatchDequeued:
		return *v
	case *BatchProcessingStarted:
		return *v
	case *BatchProcessingProgress:
		return *v
	case *BatchProcessingCompleted:
		return *v
	case *BatchProcessingFailed:
		return *v
	case *BatchTimeout:
		return *v
	case *QueueFull:
		return *v
	case *FilesProcessed:
		return *v
	}
	return e
}

// BatchID extracts the batch identifier from an event, or "" for
// global events such as QUEUE_FULL.
func BatchID(e Event) string {
	switch v := e.(type) {
	case BatchQueued:
		return v.BatchID
	case BatchPositionUpdated:
		return v.BatchID
	case BatchDequeued:
		return v.BatchID
	case BatchProcessingStarted:
		return v.BatchID
	case BatchProcessingProgress:
		return v.BatchID
	case BatchProcessingCompleted:
		return v.BatchID
	case BatchProcessingFailed:
		return v.BatchID
	case BatchTimeout:
		return v.BatchID
	case BatchCompleted:
		return v.BatchID
	case FilesProcessed:
		return v.BatchID
	}
	return ""
}

// CollectionID extracts the collection identifier from an event, or ""
// when the event carries none.
func CollectionID(e Event) string {
	switch v := e.(type) {
	case BatchQueued:
		return v.CollectionID
	case BatchPositionUpdated:
		return v.CollectionID
	case BatchDequeued:
		return v.CollectionID
	case BatchProcessingStarted:
		return v.CollectionID
	case BatchProcessingProgress:
		return v.CollectionID
	case BatchProcessingCompleted:
		return v.CollectionID
	case BatchProcessingFailed:
		return v.CollectionID
	case BatchTimeout:
		return v.CollectionID
	case BatchCompleted:
		return v.CollectionID
	case FilesProcessed:
		return v.FileMetadata.CollectionID
	}
	return ""
}
