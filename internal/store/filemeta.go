// Package store provides the relational persistence layer: file
// metadata rows and extracted records, backed by pgx. The rows are
// owned here; the queue manager and runner mutate status only through
// this API.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docflow/docflow/internal/model"
)

// FileInput describes one file at batch-creation time.
type FileInput struct {
	Filename string
	Size     int64
	RawPath  string
}

// BlobRemover is the side-effect hook invoked for each raw blob when a
// collection is deleted.
type BlobRemover func(ctx context.Context, rawPath string)

// FileMetaStore is the persistence contract for file metadata rows.
type FileMetaStore interface {
	CreateForBatch(ctx context.Context, collectionID uuid.UUID, batchID string, files []FileInput) ([]uuid.UUID, error)
	Get(ctx context.Context, id uuid.UUID) (model.FileMeta, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.ProcessingStatus) error
	SetStoragePaths(ctx context.Context, id uuid.UUID, rawPath, processedPath *string) error
	SetUploadProgress(ctx context.Context, id uuid.UUID, progress int) error
	SetBatchID(ctx context.Context, id uuid.UUID, batchID string) error
	FindByBatch(ctx context.Context, batchID string) ([]model.FileMeta, error)
	AggregateByBatch(ctx context.Context, batchID string) (model.BatchCounts, error)
	FindByCollection(ctx context.Context, collectionID uuid.UUID) ([]model.FileMeta, error)
	DeleteByCollection(ctx context.Context, collectionID uuid.UUID) (int, error)
}

// PgFileMetaStore is the pgx-backed FileMetaStore.
type PgFileMetaStore struct {
	pool     *pgxpool.Pool
	onDelete BlobRemover
}

// NewFileMetaStore creates a pgx-backed store. onDelete may be nil.
func NewFileMetaStore(pool *pgxpool.Pool, onDelete BlobRemover) *PgFileMetaStore {
	return &PgFileMetaStore{pool: pool, onDelete: onDelete}
}

const fileMetaColumns = `id, collection_id, original_filename, file_size,
	COALESCE(batch_id, ''), processing_status,
	COALESCE(raw_storage_path, ''), COALESCE(processed_storage_path, ''),
	upload_progress, created_at, updated_at`

// CreateForBatch inserts one row per file in a single statement and
// returns the new ids in input order.
func (s *PgFileMetaStore) CreateForBatch(ctx context.Context, collectionID uuid.UUID, batchID string, files []FileInput) ([]uuid.UUID, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("no files to create")
	}

	ids := make([]uuid.UUID, len(files))
	rows := make([][]interface{}, len(files))
	now := time.Now().UTC()
	for i, f := range files {
		ids[i] = uuid.New()
		rows[i] = []interface{}{
			ids[i], collectionID, f.Filename, f.Size, batchID,
			string(model.StatusQueued), f.RawPath, 100, now, now,
		}
	}

	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"file_metadata"},
		[]string{"id", "collection_id", "original_filename", "file_size", "batch_id",
			"processing_status", "raw_storage_path", "upload_progress", "created_at", "updated_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return nil, fmt.Errorf("insert file metadata: %w", err)
	}

	return ids, nil
}

func (s *PgFileMetaStore) Get(ctx context.Context, id uuid.UUID) (model.FileMeta, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+fileMetaColumns+` FROM file_metadata WHERE id = $1`, id)
	return scanFileMeta(row)
}

func (s *PgFileMetaStore) UpdateStatus(ctx context.Context, id uuid.UUID, status model.ProcessingStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid processing status %q", status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE file_metadata SET processing_status = $2, updated_at = now() WHERE id = $1`,
		id, string(status))
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (s *PgFileMetaStore) SetStoragePaths(ctx context.Context, id uuid.UUID, rawPath, processedPath *string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE file_metadata SET
			raw_storage_path = COALESCE($2, raw_storage_path),
			processed_storage_path = COALESCE($3, processed_storage_path),
			updated_at = now()
		WHERE id = $1`,
		id, rawPath, processedPath)
	if err != nil {
		return fmt.Errorf("set storage paths: %w", err)
	}
	return nil
}

func (s *PgFileMetaStore) SetUploadProgress(ctx context.Context, id uuid.UUID, progress int) error {
	if progress < 0 || progress > 100 {
		return fmt.Errorf("upload progress %d out of range", progress)
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE file_metadata SET upload_progress = $2, updated_at = now() WHERE id = $1`,
		id, progress)
	if err != nil {
		return fmt.Errorf("set upload progress: %w", err)
	}
	return nil
}

func (s *PgFileMetaStore) SetBatchID(ctx context.Context, id uuid.UUID, batchID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE file_metadata SET batch_id = $2, updated_at = now() WHERE id = $1`,
		id, batchID)
	if err != nil {
		return fmt.Errorf("set batch id: %w", err)
	}
	return nil
}

func (s *PgFileMetaStore) FindByBatch(ctx context.Context, batchID string) ([]model.FileMeta, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fileMetaColumns+` FROM file_metadata WHERE batch_id = $1 ORDER BY created_at, id`,
		batchID)
	if err != nil {
		return nil, fmt.Errorf("find by batch: %w", err)
	}
	defer rows.Close()
	return collectFileMeta(rows)
}

// AggregateByBatch computes the terminal counts in one aggregate query.
func (s *PgFileMetaStore) AggregateByBatch(ctx context.Context, batchID string) (model.BatchCounts, error) {
	var c model.BatchCounts
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
			COUNT(*) FILTER (WHERE processing_status = 'completed'),
			COUNT(*) FILTER (WHERE processing_status = 'failed')
		FROM file_metadata WHERE batch_id = $1`,
		batchID).Scan(&c.Total, &c.Completed, &c.Failed)
	if err != nil {
		return model.BatchCounts{}, fmt.Errorf("aggregate by batch: %w", err)
	}
	return c, nil
}

func (s *PgFileMetaStore) FindByCollection(ctx context.Context, collectionID uuid.UUID) ([]model.FileMeta, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fileMetaColumns+` FROM file_metadata WHERE collection_id = $1 ORDER BY created_at, id`,
		collectionID)
	if err != nil {
		return nil, fmt.Errorf("find by collection: %w", err)
	}
	defer rows.Close()
	return collectFileMeta(rows)
}

// DeleteByCollection removes all rows for a collection and invokes the
// blob-removal hook for each raw storage path. Returns the number of
// deleted rows.
func (s *PgFileMetaStore) DeleteByCollection(ctx context.Context, collectionID uuid.UUID) (int, error) {
	rows, err := s.pool.Query(ctx,
		`DELETE FROM file_metadata WHERE collection_id = $1 RETURNING COALESCE(raw_storage_path, '')`,
		collectionID)
	if err != nil {
		return 0, fmt.Errorf("delete by collection: %w", err)
	}
	paths, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, fmt.Errorf("collect deleted paths: %w", err)
	}

	if s.onDelete != nil {
		for _, p := range paths {
			if p != "" {
				s.onDelete(ctx, p)
			}
		}
	}
	return len(paths), nil
}

func scanFileMeta(row pgx.Row) (model.FileMeta, error) {
	var m model.FileMeta
	err := row.Scan(&m.ID, &m.CollectionID, &m.OriginalFilename, &m.FileSize,
		&m.BatchID, &m.ProcessingStatus, &m.RawStoragePath, &m.ProcessedStoragePath,
		&m.UploadProgress, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return model.FileMeta{}, err
	}
	return m, nil
}

func collectFileMeta(rows pgx.Rows) ([]model.FileMeta, error) {
	var out []model.FileMeta
	for rows.Next() {
		m, err := scanFileMeta(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
