package validate

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docflow/docflow/internal/model"
)

func TestRecordsBuildsRows(t *testing.T) {
	v := New()
	fileID := uuid.New()

	res, err := v.Records(fileID, "batch-1", []model.ExtractedEntity{
		{Kind: "invoice_number", Value: " INV-001 ", Confidence: 0.95, Page: 1},
		{Kind: "total", Value: "99.50", Confidence: 0.8, Page: 2},
	})
	require.NoError(t, err)

	require.Len(t, res.Records, 2)
	assert.Zero(t, res.Rejected)
	assert.Zero(t, res.Deduped)

	r := res.Records[0]
	assert.Equal(t, fileID, r.FileMetaID)
	assert.Equal(t, "batch-1", r.BatchID)
	assert.Equal(t, "INV-001", r.Value, "value is trimmed")
	assert.NotEmpty(t, r.ContentHash)
	assert.NotEmpty(t, r.RawPayload)
}

func TestRecordsSkipsInvalidEntities(t *testing.T) {
	v := New()

	res, err := v.Records(uuid.New(), "batch-1", []model.ExtractedEntity{
		{Kind: "", Value: "no kind", Confidence: 0.5, Page: 1},
		{Kind: "amount", Value: "", Confidence: 0.5, Page: 1},
		{Kind: "amount", Value: "10", Confidence: 1.2, Page: 1},
		{Kind: "amount", Value: "10", Confidence: 0.5, Page: -1},
		{Kind: "amount", Value: "10", Confidence: 0.5, Page: 1},
	})
	require.NoError(t, err)

	assert.Len(t, res.Records, 1)
	assert.Equal(t, 4, res.Rejected)
}

func TestRecordsDedupesWithinFile(t *testing.T) {
	v := New()

	res, err := v.Records(uuid.New(), "batch-1", []model.ExtractedEntity{
		{Kind: "Invoice_Number", Value: "INV-7", Confidence: 0.9, Page: 1},
		// Same kind and value modulo case and whitespace.
		{Kind: "invoice_number", Value: "  inv-7 ", Confidence: 0.4, Page: 3},
		{Kind: "invoice_number", Value: "INV-8", Confidence: 0.9, Page: 1},
	})
	require.NoError(t, err)

	assert.Len(t, res.Records, 2)
	assert.Equal(t, 1, res.Deduped)
}

func TestRecordsRequiresBatchID(t *testing.T) {
	v := New()
	_, err := v.Records(uuid.New(), "", []model.ExtractedEntity{
		{Kind: "k", Value: "v", Confidence: 0.5, Page: 1},
	})
	assert.Error(t, err)
}

func TestContentHashNormalization(t *testing.T) {
	a := ContentHash(model.ExtractedEntity{Kind: "Total", Value: " 42.00 ", Confidence: 0.9, Page: 1})
	b := ContentHash(model.ExtractedEntity{Kind: "total", Value: "42.00", Confidence: 0.1, Page: 9})
	assert.Equal(t, a, b, "hash ignores case, whitespace, confidence, and page")

	c := ContentHash(model.ExtractedEntity{Kind: "total", Value: "43.00"})
	assert.NotEqual(t, a, c)
}
