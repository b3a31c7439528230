package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docflow/docflow/internal/events"
	"github.com/docflow/docflow/internal/model"
	"github.com/docflow/docflow/internal/store"
)

type memBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemBlobs() *memBlobs {
	return &memBlobs{blobs: make(map[string][]byte)}
}

func (m *memBlobs) Put(_ context.Context, bucket, name string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	path := bucket + "/" + name
	m.mu.Lock()
	m.blobs[path] = data
	m.mu.Unlock()
	return path, nil
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[path]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", path)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memBlobs) Remove(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, path)
	return nil
}

// fakeExtractor returns canned entities, or an error for filenames
// listed in failFor.
type fakeExtractor struct {
	entities []model.ExtractedEntity
	failFor  map[string]bool
}

func (f *fakeExtractor) Extract(_ context.Context, filename string, pdf io.Reader) ([]model.ExtractedEntity, error) {
	io.Copy(io.Discard, pdf)
	if f.failFor[filename] {
		return nil, errors.New("extraction failed")
	}
	return f.entities, nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) record(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) byKind(k events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Kind() == k {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	runner  *Runner
	files   *store.MockStore
	records *store.MockRecordStore
	blobs   *memBlobs
	rec     *recorder
	bus     *events.Bus
}

func newFixture(t *testing.T, ext *fakeExtractor) *fixture {
	t.Helper()
	logger := slog.Default()
	bus := events.NewBus(logger)
	rec := &recorder{}
	bus.SubscribeAll(rec.record)

	files := store.NewMockStore()
	records := store.NewMockRecordStore()
	blobs := newMemBlobs()

	return &fixture{
		runner:  New(files, records, blobs, ext, bus, "processed", 2, logger),
		files:   files,
		records: records,
		blobs:   blobs,
		rec:     rec,
		bus:     bus,
	}
}

// seed creates n file rows with raw blobs and returns the batch.
func (f *fixture) seed(t *testing.T, n int, batchID string) Batch {
	t.Helper()
	collectionID := uuid.New()

	inputs := make([]store.FileInput, n)
	for i := range inputs {
		name := fmt.Sprintf("doc-%d.pdf", i+1)
		path, err := f.blobs.Put(context.Background(), "raw", name, strings.NewReader("%PDF-1.4 test"))
		require.NoError(t, err)
		inputs[i] = store.FileInput{Filename: name, Size: 13, RawPath: path}
	}

	ids, err := f.files.CreateForBatch(context.Background(), collectionID, batchID, inputs)
	require.NoError(t, err)

	return Batch{BatchID: batchID, CollectionID: collectionID.String(), FileMetaIDs: ids}
}

func sampleEntities() []model.ExtractedEntity {
	return []model.ExtractedEntity{
		{Kind: "invoice_number", Value: "INV-001", Confidence: 0.97, Page: 1},
		{Kind: "total", Value: "42.00", Confidence: 0.88, Page: 2},
	}
}

func TestRunHappyPath(t *testing.T) {
	f := newFixture(t, &fakeExtractor{entities: sampleEntities()})
	b := f.seed(t, 3, "batch-1")

	err := f.runner.Run(context.Background(), b)
	require.NoError(t, err)

	for _, id := range b.FileMetaIDs {
		meta, err := f.files.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, meta.ProcessingStatus)
		assert.NotEmpty(t, meta.ProcessedStoragePath)
	}

	recs, err := f.records.FindByBatch(context.Background(), "batch-1")
	require.NoError(t, err)
	// Both entities of the first file land; the other files' copies are
	// deduplicated by content hash within the batch.
	assert.Len(t, recs, 2)

	started := f.rec.byKind(events.KindBatchProcessingStarted)
	require.Len(t, started, 1)

	completed := f.rec.byKind(events.KindBatchProcessingCompleted)
	require.Len(t, completed, 1)
	done := completed[0].(events.BatchProcessingCompleted)
	assert.Equal(t, 3, done.Counts.Total)
	assert.Equal(t, 3, done.Counts.Completed)
	assert.Equal(t, 0, done.Counts.Failed)

	processed := f.rec.byKind(events.KindFilesProcessed)
	assert.Len(t, processed, 3)
}

func TestRunProgressIsMonotonic(t *testing.T) {
	f := newFixture(t, &fakeExtractor{entities: sampleEntities()})
	b := f.seed(t, 5, "batch-progress")

	require.NoError(t, f.runner.Run(context.Background(), b))

	progress := f.rec.byKind(events.KindBatchProcessingProgress)
	require.NotEmpty(t, progress)
	last := -1
	for _, e := range progress {
		p := e.(events.BatchProcessingProgress)
		assert.Greater(t, p.Progress, last, "progress must strictly advance across emissions")
		last = p.Progress
	}
	assert.Equal(t, 100, last)
}

func TestRunPartialFailureCompletesBatch(t *testing.T) {
	f := newFixture(t, &fakeExtractor{
		entities: sampleEntities(),
		failFor:  map[string]bool{"doc-2.pdf": true},
	})
	b := f.seed(t, 3, "batch-partial")

	err := f.runner.Run(context.Background(), b)
	require.NoError(t, err, "one failing file must not fail the batch")

	counts, err := f.files.AggregateByBatch(context.Background(), "batch-partial")
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Total)
	assert.Equal(t, 2, counts.Completed)
	assert.Equal(t, 1, counts.Failed)

	completed := f.rec.byKind(events.KindBatchProcessingCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, counts, completed[0].(events.BatchProcessingCompleted).Counts)

	var failedRows int
	for _, e := range f.rec.byKind(events.KindFilesProcessed) {
		if e.(events.FilesProcessed).FileMetadata.ProcessingStatus == model.StatusFailed {
			failedRows++
		}
	}
	assert.Equal(t, 1, failedRows)
}

func TestRunAllFilesFailed(t *testing.T) {
	f := newFixture(t, &fakeExtractor{
		failFor: map[string]bool{"doc-1.pdf": true, "doc-2.pdf": true},
	})
	b := f.seed(t, 2, "batch-doomed")

	err := f.runner.Run(context.Background(), b)
	require.Error(t, err)

	failed := f.rec.byKind(events.KindBatchProcessingFailed)
	require.Len(t, failed, 1)
	assert.Empty(t, f.rec.byKind(events.KindBatchProcessingCompleted))

	for _, id := range b.FileMetaIDs {
		meta, err := f.files.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailed, meta.ProcessingStatus)
	}
}

func TestRunCancelledContextStaysSilent(t *testing.T) {
	f := newFixture(t, &fakeExtractor{entities: sampleEntities()})
	b := f.seed(t, 2, "batch-cancelled")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.runner.Run(ctx, b)
	require.ErrorIs(t, err, context.Canceled)

	// The scheduler announces timeouts and shutdowns; the runner must
	// not emit a competing terminal event.
	assert.Empty(t, f.rec.byKind(events.KindBatchProcessingCompleted))
	assert.Empty(t, f.rec.byKind(events.KindBatchProcessingFailed))
}

func TestRunEmptyBatchRejected(t *testing.T) {
	f := newFixture(t, &fakeExtractor{})
	err := f.runner.Run(context.Background(), Batch{BatchID: "empty"})
	assert.Error(t, err)
}

func TestRunInvalidEntitiesAreSkipped(t *testing.T) {
	f := newFixture(t, &fakeExtractor{entities: []model.ExtractedEntity{
		{Kind: "invoice_number", Value: "INV-9", Confidence: 0.9, Page: 1},
		{Kind: "", Value: "missing kind", Confidence: 0.5, Page: 1},
		{Kind: "total", Value: "10.00", Confidence: 1.5, Page: 1},
	}})
	b := f.seed(t, 1, "batch-invalid")

	require.NoError(t, f.runner.Run(context.Background(), b))

	recs, err := f.records.FindByBatch(context.Background(), "batch-invalid")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "INV-9", recs[0].Value)
}
