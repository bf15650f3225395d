// Package sqlite provides a SQLite-backed record storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	perrors "github.com/lumascan/lumascan/internal/platform/errors"
	"github.com/lumascan/lumascan/internal/platform/storage/live"
	sqlitemigrate "github.com/lumascan/lumascan/internal/platform/storage/sqlitemigrate"
	"github.com/lumascan/lumascan/internal/platform/timeouts"
	"github.com/lumascan/lumascan/internal/services/records/domain"
	"github.com/lumascan/lumascan/internal/services/records/storage"
	"github.com/lumascan/lumascan/internal/services/records/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists measurement records in SQLite.
type Store struct {
	sqlDB   *sql.DB
	changes *live.Hub
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite record store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, changes: live.NewHub()}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// PutRecord inserts one immutable record. Re-inserting an existing record ID
// is a no-op so capture retries stay idempotent.
func (s *Store) PutRecord(ctx context.Context, record domain.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	recordID := strings.TrimSpace(record.ID)
	ownerID := strings.TrimSpace(record.OwnerID)
	if recordID == "" {
		return fmt.Errorf("record id is required")
	}
	if ownerID == "" {
		return fmt.Errorf("owner id is required")
	}

	measurements, err := json.Marshal(record.Measurements)
	if err != nil {
		return fmt.Errorf("encode measurements: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreWrite)
	defer cancel()
	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO records (id, owner_id, created_at, measurements, annotated_image_url, scale_mm_per_px)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		recordID,
		ownerID,
		toMillis(record.CreatedAt),
		string(measurements),
		record.AnnotatedImageURL,
		record.ScaleMMPerPx,
	)
	if err != nil {
		return perrors.Wrap(perrors.CodeTransientIO, "put record", err)
	}
	s.changes.Broadcast()
	return nil
}

// GetRecord returns one record by ID.
func (s *Store) GetRecord(ctx context.Context, recordID string) (domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return domain.Record{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Record{}, fmt.Errorf("storage is not configured")
	}
	recordID = strings.TrimSpace(recordID)
	if recordID == "" {
		return domain.Record{}, fmt.Errorf("record id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, owner_id, created_at, measurements, annotated_image_url, scale_mm_per_px
		 FROM records
		 WHERE id = ?`,
		recordID,
	)
	record, err := scanRecord(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Record{}, storage.ErrNotFound
		}
		return domain.Record{}, perrors.Wrap(perrors.CodeTransientIO, "get record", err)
	}
	return record, nil
}

// ListRecordsByOwner returns the owner's most recent records, newest first.
// Ties on created_at break by record id for a stable order.
func (s *Store) ListRecordsByOwner(ctx context.Context, ownerID string, limit int) ([]domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}
	if limit <= 0 {
		limit = domain.DefaultListLimit
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, owner_id, created_at, measurements, annotated_image_url, scale_mm_per_px
		 FROM records
		 WHERE owner_id = ?
		 ORDER BY created_at DESC, id ASC
		 LIMIT ?`,
		ownerID,
		limit,
	)
	if err != nil {
		return nil, perrors.Wrap(perrors.CodeTransientIO, "list records", err)
	}
	defer func() { _ = rows.Close() }()

	var records []domain.Record
	for rows.Next() {
		record, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, perrors.Wrap(perrors.CodeTransientIO, "scan record", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, perrors.Wrap(perrors.CodeTransientIO, "iterate records", err)
	}
	return records, nil
}

// WatchRecordsByOwner delivers the owner's latest record snapshot and a fresh
// snapshot after every committed write until ctx ends.
func (s *Store) WatchRecordsByOwner(ctx context.Context, ownerID string, limit int) (<-chan storage.RecordsUpdate, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	signals := s.changes.Subscribe(ctx)
	updates := make(chan storage.RecordsUpdate, 1)
	go func() {
		defer close(updates)
		for {
			records, err := s.ListRecordsByOwner(ctx, ownerID, limit)
			if ctx.Err() != nil {
				return
			}
			live.PushLatest(updates, storage.RecordsUpdate{Records: records, Err: err})

			select {
			case <-ctx.Done():
				return
			case _, ok := <-signals:
				if !ok {
					return
				}
			}
		}
	}()
	return updates, nil
}

func scanRecord(scan func(dest ...any) error) (domain.Record, error) {
	var record domain.Record
	var createdAt int64
	var measurements string
	if err := scan(
		&record.ID,
		&record.OwnerID,
		&createdAt,
		&measurements,
		&record.AnnotatedImageURL,
		&record.ScaleMMPerPx,
	); err != nil {
		return domain.Record{}, err
	}
	record.CreatedAt = fromMillis(createdAt)
	if err := json.Unmarshal([]byte(measurements), &record.Measurements); err != nil {
		return domain.Record{}, fmt.Errorf("decode measurements: %w", err)
	}
	return record, nil
}
