package client

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docflow/docflow/internal/events"
	"github.com/docflow/docflow/internal/model"
)

func newProcessor(hydrate Hydrator) *Processor {
	return NewProcessor("col-1", Options{}, hydrate, slog.Default())
}

func TestTrackedBatchFollowsLifecycle(t *testing.T) {
	p := newProcessor(nil)
	defer p.Close()
	p.Track("b1")

	ctx := context.Background()
	p.Handle(ctx, events.BatchQueued{BatchID: "b1", CollectionID: "col-1", Position: 3, EstimatedWaitTime: 120, TotalQueued: 3})

	view := p.Batch("b1")
	require.NotNil(t, view)
	assert.Equal(t, "queued", view.State)
	assert.Equal(t, 3, view.Position)
	assert.Equal(t, 120, view.EstimatedWaitTime)

	p.Handle(ctx, events.BatchPositionUpdated{BatchID: "b1", CollectionID: "col-1", Position: 1, EstimatedWaitTime: 40, TotalQueued: 1})
	view = p.Batch("b1")
	assert.Equal(t, 1, view.Position)

	p.Handle(ctx, events.BatchProcessingStarted{BatchID: "b1", CollectionID: "col-1", FileCount: 2, StartedAt: time.Now()})
	view = p.Batch("b1")
	assert.Equal(t, "processing", view.State)

	p.Handle(ctx, events.BatchProcessingProgress{BatchID: "b1", CollectionID: "col-1", Progress: 50, Status: "ocr_complete"})
	view = p.Batch("b1")
	assert.Equal(t, 50, view.Progress)
}

func TestOtherCollectionIgnored(t *testing.T) {
	p := newProcessor(nil)
	defer p.Close()

	p.Handle(context.Background(), events.BatchQueued{BatchID: "other", CollectionID: "col-2", Position: 1, TotalQueued: 1})
	assert.Nil(t, p.Batch("other"))
	assert.Empty(t, p.Batches())
}

func TestMissingCollectionFoldedForTrackedBatch(t *testing.T) {
	p := newProcessor(nil)
	defer p.Close()
	p.Track("mine")

	ctx := context.Background()
	// Frame without collection id for a tracked batch is folded.
	p.Handle(ctx, events.BatchProcessingStarted{BatchID: "mine", FileCount: 1, StartedAt: time.Now()})
	assert.Equal(t, "processing", p.Batch("mine").State)

	// Without a hydrator the same shape for an unknown batch cannot be
	// attributed and is dropped.
	p.Handle(ctx, events.BatchProcessingStarted{BatchID: "stranger", FileCount: 1, StartedAt: time.Now()})
	assert.Nil(t, p.Batch("stranger"))
}

func TestMissingCollectionHydratesUnknownBatch(t *testing.T) {
	var hydratedFor []string
	hydrate := func(ctx context.Context, batchID string) (*BatchView, error) {
		hydratedFor = append(hydratedFor, batchID)
		return &BatchView{
			BatchID:      batchID,
			CollectionID: "col-1",
			State:        "processing",
			Progress:     20,
		}, nil
	}
	p := newProcessor(hydrate)
	defer p.Close()

	ctx := context.Background()

	// A STARTED frame with no collection id for an unknown batch goes
	// through the hydration API and seeds a local entry when the batch
	// belongs to the selected collection.
	p.Handle(ctx, events.BatchProcessingStarted{BatchID: "b7", FileCount: 2, StartedAt: time.Now()})
	require.Equal(t, []string{"b7"}, hydratedFor)
	view := p.Batch("b7")
	require.NotNil(t, view)
	assert.Equal(t, "processing", view.State)

	// A PROGRESS frame folds into the hydrated entry.
	p.Handle(ctx, events.BatchProcessingProgress{BatchID: "b7", Progress: 60, Status: "ocr_complete"})
	assert.Equal(t, 60, p.Batch("b7").Progress)

	// Non-lifecycle shapes for unknown batches still do not hydrate.
	p.Handle(ctx, events.BatchQueued{BatchID: "b8", Position: 1, TotalQueued: 1})
	assert.Nil(t, p.Batch("b8"))
	assert.Equal(t, []string{"b7"}, hydratedFor)
}

func TestMissingCollectionHydratedToOtherCollectionDropped(t *testing.T) {
	hydrate := func(ctx context.Context, batchID string) (*BatchView, error) {
		return &BatchView{BatchID: batchID, CollectionID: "col-2", State: "processing"}, nil
	}
	p := newProcessor(hydrate)
	defer p.Close()

	p.Handle(context.Background(), events.BatchProcessingProgress{
		BatchID: "foreign", Progress: 30, Status: "ocr_complete",
	})
	assert.Nil(t, p.Batch("foreign"))
	assert.Empty(t, p.Batches())
}

func TestHydrationOnUnknownBatch(t *testing.T) {
	hydrated := false
	hydrate := func(ctx context.Context, batchID string) (*BatchView, error) {
		hydrated = true
		return &BatchView{
			BatchID:      batchID,
			CollectionID: "col-1",
			State:        "processing",
			Progress:     40,
			Status:       "ocr_complete",
		}, nil
	}
	p := newProcessor(hydrate)
	defer p.Close()

	// A mid-batch progress frame arrives after a reconnect.
	p.Handle(context.Background(), events.BatchProcessingProgress{
		BatchID: "b1", CollectionID: "col-1", Progress: 60, Status: "database_insert_complete",
	})

	assert.True(t, hydrated)
	view := p.Batch("b1")
	require.NotNil(t, view)
	assert.Equal(t, "processing", view.State)
	assert.Equal(t, 60, view.Progress)
}

func TestHydrationFailureFoldsFromEvents(t *testing.T) {
	hydrate := func(ctx context.Context, batchID string) (*BatchView, error) {
		return nil, errors.New("api down")
	}
	p := newProcessor(hydrate)
	defer p.Close()

	p.Handle(context.Background(), events.BatchQueued{
		BatchID: "b1", CollectionID: "col-1", Position: 2, TotalQueued: 2,
	})

	view := p.Batch("b1")
	require.NotNil(t, view)
	assert.Equal(t, "queued", view.State)
	assert.Equal(t, 2, view.Position)
}

func TestDequeuedIsSilent(t *testing.T) {
	p := newProcessor(nil)
	defer p.Close()
	p.Track("b1")

	ctx := context.Background()
	p.Handle(ctx, events.BatchQueued{BatchID: "b1", CollectionID: "col-1", Position: 1, TotalQueued: 1})
	p.Handle(ctx, events.BatchDequeued{BatchID: "b1", CollectionID: "col-1", FileCount: 1, StartedAt: time.Now()})

	view := p.Batch("b1")
	// Still queued from the UI's perspective, just no position badge.
	assert.Equal(t, "queued", view.State)
	assert.Equal(t, 0, view.Position)
}

func TestTimeoutThenFailedTerminal(t *testing.T) {
	p := NewProcessor("col-1", Options{FailureLinger: time.Hour}, nil, slog.Default())
	defer p.Close()
	p.Track("b1")

	ctx := context.Background()
	p.Handle(ctx, events.BatchTimeout{BatchID: "b1", CollectionID: "col-1", TimeoutMS: 60000})
	view := p.Batch("b1")
	assert.True(t, view.TimedOut)
	assert.False(t, view.terminal())

	p.Handle(ctx, events.BatchProcessingFailed{BatchID: "b1", CollectionID: "col-1", Error: "batch processing timed out"})
	view = p.Batch("b1")
	assert.Equal(t, "failed", view.State)

	// A duplicate terminal or a straggler progress frame changes nothing.
	p.Handle(ctx, events.BatchProcessingFailed{BatchID: "b1", CollectionID: "col-1", Error: "other"})
	p.Handle(ctx, events.BatchProcessingProgress{BatchID: "b1", CollectionID: "col-1", Progress: 99, Status: "ocr_complete"})
	view = p.Batch("b1")
	assert.Equal(t, "failed", view.State)
	assert.Equal(t, "batch processing timed out", view.Error)
	assert.NotEqual(t, 99, view.Progress)
}

func TestCompletedLingerThenRemoved(t *testing.T) {
	p := NewProcessor("col-1", Options{SuccessLinger: 50 * time.Millisecond}, nil, slog.Default())
	defer p.Close()
	p.Track("b1")

	p.Handle(context.Background(), events.BatchProcessingCompleted{
		BatchID: "b1", CollectionID: "col-1", FileCount: 1,
		Counts: model.BatchCounts{Total: 1, Completed: 1},
	})

	view := p.Batch("b1")
	require.NotNil(t, view)
	assert.Equal(t, "completed", view.State)
	assert.Equal(t, 100, view.Progress)

	assert.Eventually(t, func() bool {
		return p.Batch("b1") == nil
	}, time.Second, 10*time.Millisecond)
}

func TestQueueFullBanner(t *testing.T) {
	p := newProcessor(nil)
	defer p.Close()

	assert.False(t, p.QueueFull())
	p.Handle(context.Background(), events.QueueFull{Message: "full", QueueLength: 500, MaxLength: 500})
	assert.True(t, p.QueueFull())
}

func TestFilesProcessedUpdatesRows(t *testing.T) {
	p := newProcessor(nil)
	defer p.Close()
	p.Track("b1")

	p.Handle(context.Background(), events.FilesProcessed{
		BatchID: "b1",
		FileMetadata: events.FilesProcessedMeta{
			ID:               "f1",
			ProcessingStatus: model.StatusCompleted,
			CollectionID:     "col-1",
		},
	})

	view := p.Batch("b1")
	assert.Equal(t, model.StatusCompleted, view.Files["f1"])
}

func TestHandleFrameRoundTrip(t *testing.T) {
	p := newProcessor(nil)
	defer p.Close()
	p.Track("b1")

	frame, err := events.EncodeFrame(events.BatchProcessingProgress{
		BatchID: "b1", CollectionID: "col-1", Progress: 75, Status: "database_insert_complete",
	})
	require.NoError(t, err)

	p.HandleFrame(context.Background(), frame)
	assert.Equal(t, 75, p.Batch("b1").Progress)

	// Garbage frames are dropped without affecting state.
	p.HandleFrame(context.Background(), []byte(`{"type":"NOPE"}`))
	p.HandleFrame(context.Background(), []byte(`not json`))
	assert.Equal(t, 75, p.Batch("b1").Progress)
}
