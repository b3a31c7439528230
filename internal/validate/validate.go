// Package validate checks extracted entities against their constraints
// and deduplicates them by content hash before persistence.
package validate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/docflow/docflow/internal/model"
)

// Validator turns raw extracted entities into persistable records.
type Validator struct {
	v *validator.Validate
}

func New() *Validator {
	return &Validator{v: validator.New(validator.WithRequiredStructEnabled())}
}

// Result reports what survived validation for one file.
type Result struct {
	Records  []model.ExtractedRecord
	Rejected int
	Deduped  int
}

// Records validates each entity, drops duplicates within the file, and
// builds the persisted record rows. An entity failing validation is
// counted and skipped; it does not fail the file.
func (val *Validator) Records(fileMetaID uuid.UUID, batchID string, entities []model.ExtractedEntity) (Result, error) {
	if batchID == "" {
		return Result{}, fmt.Errorf("batch id is required")
	}

	res := Result{}
	seen := make(map[string]bool, len(entities))

	for _, e := range entities {
		if err := val.v.Struct(e); err != nil {
			res.Rejected++
			continue
		}

		hash := ContentHash(e)
		if seen[hash] {
			res.Deduped++
			continue
		}
		seen[hash] = true

		raw, err := json.Marshal(e)
		if err != nil {
			return Result{}, fmt.Errorf("marshal entity: %w", err)
		}

		res.Records = append(res.Records, model.ExtractedRecord{
			ID:          uuid.New(),
			FileMetaID:  fileMetaID,
			BatchID:     batchID,
			RawPayload:  raw,
			Kind:        e.Kind,
			Value:       strings.TrimSpace(e.Value),
			Confidence:  e.Confidence,
			Page:        e.Page,
			ContentHash: hash,
		})
	}

	return res, nil
}

// ContentHash identifies an entity by kind and normalized value. Two
// entities with the same hash are duplicates regardless of confidence
// or page.
func ContentHash(e model.ExtractedEntity) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(e.Kind)))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(e.Value))))
	return hex.EncodeToString(h.Sum(nil))
}
