package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docflow/docflow/internal/model"
)

// RecordStore persists validated extracted records. All records of one
// file are written in a single transaction so a partial OCR result
// never becomes visible.
type RecordStore interface {
	InsertForFile(ctx context.Context, recs []model.ExtractedRecord) (int, error)
	FindByBatch(ctx context.Context, batchID string) ([]model.ExtractedRecord, error)
}

// PgRecordStore is the pgx-backed RecordStore.
type PgRecordStore struct {
	pool *pgxpool.Pool
}

func NewRecordStore(pool *pgxpool.Pool) *PgRecordStore {
	return &PgRecordStore{pool: pool}
}

// InsertForFile writes all records atomically, skipping duplicates by
// (batch_id, content_hash). Returns the number of rows actually
// inserted.
func (s *PgRecordStore) InsertForFile(ctx context.Context, recs []model.ExtractedRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin record insert: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted := 0
	now := time.Now().UTC()
	for _, r := range recs {
		id := r.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		tag, err := tx.Exec(ctx,
			`INSERT INTO extracted_records
				(id, file_meta_id, batch_id, raw_payload, kind, value, confidence, page, content_hash, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (batch_id, content_hash) DO NOTHING`,
			id, r.FileMetaID, r.BatchID, r.RawPayload, r.Kind, r.Value,
			r.Confidence, r.Page, r.ContentHash, now)
		if err != nil {
			return 0, fmt.Errorf("insert extracted record: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit record insert: %w", err)
	}
	return inserted, nil
}

func (s *PgRecordStore) FindByBatch(ctx context.Context, batchID string) ([]model.ExtractedRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, file_meta_id, batch_id, raw_payload, kind, value, confidence, page, content_hash, created_at
		FROM extracted_records WHERE batch_id = $1 ORDER BY created_at, id`,
		batchID)
	if err != nil {
		return nil, fmt.Errorf("find records by batch: %w", err)
	}
	defer rows.Close()

	var out []model.ExtractedRecord
	for rows.Next() {
		var r model.ExtractedRecord
		if err := rows.Scan(&r.ID, &r.FileMetaID, &r.BatchID, &r.RawPayload,
			&r.Kind, &r.Value, &r.Confidence, &r.Page, &r.ContentHash, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
