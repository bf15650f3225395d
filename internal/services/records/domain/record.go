// Package domain defines measurement records and their lifecycle.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lumascan/lumascan/internal/platform/id"
)

var (
	// ErrEmptyOwnerID indicates a missing record owner.
	ErrEmptyOwnerID = errors.New("owner id is required")
)

// Record is one finished measurement capture owned by a subject. Records are
// immutable once created and are never deleted by this system.
type Record struct {
	ID                string
	OwnerID           string
	CreatedAt         time.Time
	Measurements      map[string]float64
	AnnotatedImageURL string
	ScaleMMPerPx      float64
}

// CreateRecordInput describes the payload delivered by the capture workflow.
type CreateRecordInput struct {
	OwnerID           string
	Measurements      map[string]float64
	AnnotatedImageURL string
	ScaleMMPerPx      float64
}

// CreateRecord builds a new record with a generated ID and creation timestamp.
func CreateRecord(input CreateRecordInput, now func() time.Time, idGenerator func() (string, error)) (Record, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	ownerID := strings.TrimSpace(input.OwnerID)
	if ownerID == "" {
		return Record{}, ErrEmptyOwnerID
	}

	recordID, err := idGenerator()
	if err != nil {
		return Record{}, fmt.Errorf("generate record id: %w", err)
	}

	measurements := make(map[string]float64, len(input.Measurements))
	for key, value := range input.Measurements {
		measurements[key] = value
	}

	return Record{
		ID:                recordID,
		OwnerID:           ownerID,
		CreatedAt:         now().UTC(),
		Measurements:      measurements,
		AnnotatedImageURL: strings.TrimSpace(input.AnnotatedImageURL),
		ScaleMMPerPx:      input.ScaleMMPerPx,
	}, nil
}
