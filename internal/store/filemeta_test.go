package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docflow/docflow/internal/model"
)

func seedBatch(t *testing.T, s *MockStore, collectionID uuid.UUID, batchID string, files ...FileInput) []uuid.UUID {
	t.Helper()
	ids, err := s.CreateForBatch(context.Background(), collectionID, batchID, files)
	require.NoError(t, err)
	return ids
}

func TestUploadProgressSurvivesStatusTransition(t *testing.T) {
	s := NewMockStore()
	ctx := context.Background()
	ids := seedBatch(t, s, uuid.New(), "batch-1",
		FileInput{Filename: "a.pdf", Size: 10, RawPath: "raw/a.pdf"})
	id := ids[0]

	require.NoError(t, s.SetUploadProgress(ctx, id, 55))
	require.NoError(t, s.UpdateStatus(ctx, id, model.StatusCompleted))

	meta, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, meta.ProcessingStatus)
	// A status transition must not clobber the recorded progress.
	assert.Equal(t, 55, meta.UploadProgress)
}

func TestSetUploadProgressUnknownRow(t *testing.T) {
	s := NewMockStore()
	err := s.SetUploadProgress(context.Background(), uuid.New(), 50)
	assert.ErrorIs(t, err, pgx.ErrNoRows)
}

func TestDeleteByCollectionCountsRowsNotBlobs(t *testing.T) {
	s := NewMockStore()
	var removed []string
	s.OnDelete = func(_ context.Context, path string) { removed = append(removed, path) }

	ctx := context.Background()
	collectionID := uuid.New()
	seedBatch(t, s, collectionID, "batch-1",
		FileInput{Filename: "a.pdf", Size: 10, RawPath: "raw/a.pdf"},
		FileInput{Filename: "b.pdf", Size: 10}) // never finished uploading, no blob

	deleted, err := s.DeleteByCollection(ctx, collectionID)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	assert.Equal(t, []string{"raw/a.pdf"}, removed)

	files, err := s.FindByCollection(ctx, collectionID)
	require.NoError(t, err)
	assert.Empty(t, files)
}
