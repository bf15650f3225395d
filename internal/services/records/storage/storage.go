// Package storage defines persistence contracts for measurement records.
package storage

import (
	"context"
	"errors"

	"github.com/lumascan/lumascan/internal/services/records/domain"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// RecordsUpdate is one delivered snapshot of an owner's record stream. Err is
// set when producing the snapshot failed; the previous snapshot remains valid.
type RecordsUpdate struct {
	Records []domain.Record
	Err     error
}

// RecordStore persists subject-owned measurement records.
type RecordStore interface {
	PutRecord(ctx context.Context, record domain.Record) error
	GetRecord(ctx context.Context, recordID string) (domain.Record, error)
	ListRecordsByOwner(ctx context.Context, ownerID string, limit int) ([]domain.Record, error)
	WatchRecordsByOwner(ctx context.Context, ownerID string, limit int) (<-chan RecordsUpdate, error)
}
