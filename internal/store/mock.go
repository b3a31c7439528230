package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/docflow/docflow/internal/model"
)

// MockStore is an in-memory FileMetaStore used by tests and by
// components that are exercised without a database.
type MockStore struct {
	mu    sync.RWMutex
	files map[uuid.UUID]*model.FileMeta
	seq   int

	// OnDelete mirrors the blob-removal hook of the pgx store.
	OnDelete BlobRemover
}

func NewMockStore() *MockStore {
	return &MockStore{
		files: make(map[uuid.UUID]*model.FileMeta),
	}
}

func (m *MockStore) CreateForBatch(_ context.Context, collectionID uuid.UUID, batchID string, files []FileInput) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]uuid.UUID, len(files))
	for i, f := range files {
		id := uuid.New()
		m.seq++
		now := time.Now().Add(time.Duration(m.seq) * time.Microsecond)
		m.files[id] = &model.FileMeta{
			ID:               id,
			CollectionID:     collectionID,
			OriginalFilename: f.Filename,
			FileSize:         f.Size,
			BatchID:          batchID,
			ProcessingStatus: model.StatusQueued,
			RawStoragePath:   f.RawPath,
			UploadProgress:   100,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		ids[i] = id
	}
	return ids, nil
}

func (m *MockStore) Get(_ context.Context, id uuid.UUID) (model.FileMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[id]
	if !ok {
		return model.FileMeta{}, pgx.ErrNoRows
	}
	return *f, nil
}

func (m *MockStore) UpdateStatus(_ context.Context, id uuid.UUID, status model.ProcessingStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return pgx.ErrNoRows
	}
	f.ProcessingStatus = status
	f.UpdatedAt = time.Now()
	return nil
}

func (m *MockStore) SetStoragePaths(_ context.Context, id uuid.UUID, rawPath, processedPath *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return pgx.ErrNoRows
	}
	if rawPath != nil {
		f.RawStoragePath = *rawPath
	}
	if processedPath != nil {
		f.ProcessedStoragePath = *processedPath
	}
	f.UpdatedAt = time.Now()
	return nil
}

func (m *MockStore) SetUploadProgress(_ context.Context, id uuid.UUID, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return pgx.ErrNoRows
	}
	f.UploadProgress = progress
	f.UpdatedAt = time.Now()
	return nil
}

func (m *MockStore) SetBatchID(_ context.Context, id uuid.UUID, batchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return pgx.ErrNoRows
	}
	f.BatchID = batchID
	f.UpdatedAt = time.Now()
	return nil
}

func (m *MockStore) FindByBatch(_ context.Context, batchID string) ([]model.FileMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.FileMeta
	for _, f := range m.files {
		if f.BatchID == batchID {
			out = append(out, *f)
		}
	}
	sortFileMeta(out)
	return out, nil
}

func (m *MockStore) AggregateByBatch(_ context.Context, batchID string) (model.BatchCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var c model.BatchCounts
	for _, f := range m.files {
		if f.BatchID != batchID {
			continue
		}
		c.Total++
		switch f.ProcessingStatus {
		case model.StatusCompleted:
			c.Completed++
		case model.StatusFailed:
			c.Failed++
		}
	}
	return c, nil
}

func (m *MockStore) FindByCollection(_ context.Context, collectionID uuid.UUID) ([]model.FileMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.FileMeta
	for _, f := range m.files {
		if f.CollectionID == collectionID {
			out = append(out, *f)
		}
	}
	sortFileMeta(out)
	return out, nil
}

func (m *MockStore) DeleteByCollection(ctx context.Context, collectionID uuid.UUID) (int, error) {
	m.mu.Lock()
	deleted := 0
	var paths []string
	for id, f := range m.files {
		if f.CollectionID == collectionID {
			if f.RawStoragePath != "" {
				paths = append(paths, f.RawStoragePath)
			}
			delete(m.files, id)
			deleted++
		}
	}
	hook := m.OnDelete
	m.mu.Unlock()

	if hook != nil {
		for _, p := range paths {
			hook(ctx, p)
		}
	}
	return deleted, nil
}

// MockRecordStore is an in-memory RecordStore with the same dedupe
// behavior as the pgx implementation.
type MockRecordStore struct {
	mu      sync.RWMutex
	records map[string][]model.ExtractedRecord // keyed by batch id
	hashes  map[string]map[string]bool         // batch id -> content hash
}

func NewMockRecordStore() *MockRecordStore {
	return &MockRecordStore{
		records: make(map[string][]model.ExtractedRecord),
		hashes:  make(map[string]map[string]bool),
	}
}

func (m *MockRecordStore) InsertForFile(_ context.Context, recs []model.ExtractedRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := 0
	for _, r := range recs {
		seen := m.hashes[r.BatchID]
		if seen == nil {
			seen = make(map[string]bool)
			m.hashes[r.BatchID] = seen
		}
		if seen[r.ContentHash] {
			continue
		}
		seen[r.ContentHash] = true
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		r.CreatedAt = time.Now()
		m.records[r.BatchID] = append(m.records[r.BatchID], r)
		inserted++
	}
	return inserted, nil
}

func (m *MockRecordStore) FindByBatch(_ context.Context, batchID string) ([]model.ExtractedRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.ExtractedRecord, len(m.records[batchID]))
	copy(out, m.records[batchID])
	return out, nil
}

var (
	_ FileMetaStore = (*MockStore)(nil)
	_ RecordStore   = (*MockRecordStore)(nil)
	_ FileMetaStore = (*PgFileMetaStore)(nil)
	_ RecordStore   = (*PgRecordStore)(nil)
)

func sortFileMeta(files []model.FileMeta) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].CreatedAt.Equal(files[j].CreatedAt) {
			return files[i].ID.String() < files[j].ID.String()
		}
		return files[i].CreatedAt.Before(files[j].CreatedAt)
	})
}
