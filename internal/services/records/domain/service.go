package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lumascan/lumascan/internal/platform/id"
)

// ErrStoreNotConfigured indicates the service is missing persistence wiring.
var ErrStoreNotConfigured = errors.New("record store is not configured")

// DefaultListLimit bounds owner record listings when no limit is provided.
const DefaultListLimit = 50

// Store is the domain persistence boundary for records.
type Store interface {
	PutRecord(ctx context.Context, record Record) error
	ListRecordsByOwner(ctx context.Context, ownerID string, limit int) ([]Record, error)
}

// Service orchestrates record creation and owner listings.
type Service struct {
	store Store
	clock func() time.Time
	newID func() (string, error)
}

// NewService constructs record domain use-cases.
func NewService(store Store, clock func() time.Time, newID func() (string, error)) *Service {
	if clock == nil {
		clock = time.Now
	}
	if newID == nil {
		newID = id.NewID
	}
	return &Service{
		store: store,
		clock: clock,
		newID: newID,
	}
}

// Create persists one finished capture under the owning subject.
func (s *Service) Create(ctx context.Context, input CreateRecordInput) (Record, error) {
	if s == nil || s.store == nil {
		return Record{}, ErrStoreNotConfigured
	}
	record, err := CreateRecord(input, s.clock, s.newID)
	if err != nil {
		return Record{}, err
	}
	if err := s.store.PutRecord(ctx, record); err != nil {
		return Record{}, fmt.Errorf("persist record: %w", err)
	}
	return record, nil
}

// ListForOwner returns the owner's most recent records, newest first.
func (s *Service) ListForOwner(ctx context.Context, ownerID string, limit int) ([]Record, error) {
	if s == nil || s.store == nil {
		return nil, ErrStoreNotConfigured
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	records, err := s.store.ListRecordsByOwner(ctx, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return records, nil
}
