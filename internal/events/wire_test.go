package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFrameIsFlat(t *testing.T) {
	data, err := EncodeFrame(BatchQueued{
		BatchID:           "b1",
		CollectionID:      "c1",
		Position:          2,
		FileCount:         5,
		EstimatedWaitTime: 150,
		TotalQueued:       2,
	})
	require.NoError(t, err)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))

	// Payload fields sit at the top level next to type and timestamp;
	// there is no envelope.
	assert.Equal(t, "BATCH_QUEUED", frame["type"])
	assert.Equal(t, "b1", frame["batchId"])
	assert.Equal(t, float64(2), frame["position"])
	assert.Equal(t, float64(5), frame["fileCount"])

	ts, ok := frame["timestamp"].(string)
	require.True(t, ok)
	_, err = time.Parse(time.RFC3339Nano, ts)
	assert.NoError(t, err)
}

func TestEncodeFrameRejectsInternalKinds(t *testing.T) {
	_, err := EncodeFrame(BatchCompleted{BatchID: "b1"})
	assert.Error(t, err)
	assert.False(t, OnWire(KindBatchCompleted))
}

func TestDecodeFrameRoundTrip(t *testing.T) {
	in := BatchTimeout{BatchID: "b1", CollectionID: "c1", TimeoutMS: 60000}
	data, err := EncodeFrame(in)
	require.NoError(t, err)

	out, err := DecodeFrame(data)
	require.NoError(t, err)

	decoded, ok := out.(BatchTimeout)
	require.True(t, ok, "decoded event must be the value type")
	assert.Equal(t, in, decoded)
}

func TestDecodeFrameUnknownType(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"type":"BATCH_EXPLODED","batchId":"b1"}`))
	assert.Error(t, err)
}

func TestDecodeFrameValidatesFields(t *testing.T) {
	// batchId is required on BATCH_QUEUED frames.
	_, err := DecodeFrame([]byte(`{"type":"BATCH_QUEUED","position":1}`))
	assert.Error(t, err)

	// progress outside 0..100 is rejected.
	_, err = DecodeFrame([]byte(`{"type":"BATCH_PROCESSING_PROGRESS","batchId":"b1","progress":120,"status":"ocr_complete"}`))
	assert.Error(t, err)
}

func TestQueueFullFrameHasNoBatchID(t *testing.T) {
	data, err := EncodeFrame(QueueFull{Message: "full", QueueLength: 500, MaxLength: 500})
	require.NoError(t, err)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	_, hasBatch := frame["batchId"]
	assert.False(t, hasBatch)
}

func TestBatchIDExtraction(t *testing.T) {
	assert.Equal(t, "b1", BatchID(BatchQueued{BatchID: "b1"}))
	assert.Equal(t, "b2", BatchID(BatchCompleted{BatchID: "b2"}))
	assert.Equal(t, "", BatchID(QueueFull{}))

	assert.Equal(t, "c1", CollectionID(BatchDequeued{CollectionID: "c1"}))
	assert.Equal(t, "c2", CollectionID(FilesProcessed{
		FileMetadata: FilesProcessedMeta{ID: "f1", CollectionID: "c2"},
	}))
}
