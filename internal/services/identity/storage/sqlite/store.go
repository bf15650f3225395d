// Package sqlite provides a SQLite-backed identity storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	perrors "github.com/lumascan/lumascan/internal/platform/errors"
	sqlitemigrate "github.com/lumascan/lumascan/internal/platform/storage/sqlitemigrate"
	"github.com/lumascan/lumascan/internal/platform/timeouts"
	"github.com/lumascan/lumascan/internal/services/identity/domain"
	"github.com/lumascan/lumascan/internal/services/identity/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists role records and the reviewer roster in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite identity store and applies embedded migrations.
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
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// GetRoleRecord returns the durable role record for one identity.
func (s *Store) GetRoleRecord(ctx context.Context, userID string) (domain.RoleRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.RoleRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.RoleRecord{}, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.RoleRecord{}, fmt.Errorf("user id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT user_id, email, role, updated_at
		 FROM role_records
		 WHERE user_id = ?`,
		userID,
	)
	var record domain.RoleRecord
	var role string
	var updatedAt int64
	if err := row.Scan(&record.UserID, &record.Email, &role, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.RoleRecord{}, domain.ErrRoleRecordNotFound
		}
		return domain.RoleRecord{}, perrors.Wrap(perrors.CodeTransientIO, "get role record", err)
	}
	record.Role = domain.Role(role)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

// PutRoleRecord upserts the durable role record for one identity.
func (s *Store) PutRoleRecord(ctx context.Context, record domain.RoleRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	userID := strings.TrimSpace(record.UserID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreWrite)
	defer cancel()
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO role_records (user_id, email, role, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   email = excluded.email,
		   role = excluded.role,
		   updated_at = excluded.updated_at`,
		userID,
		strings.TrimSpace(record.Email),
		string(record.Role),
		toMillis(record.UpdatedAt),
	)
	if err != nil {
		return perrors.Wrap(perrors.CodeTransientIO, "put role record", err)
	}
	return nil
}

// IsRosterMember reports whether an identity is on the reviewer roster,
// matching by user id or by email.
func (s *Store) IsRosterMember(ctx context.Context, userID string, email string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	email = strings.TrimSpace(email)
	if userID == "" && email == "" {
		return false, fmt.Errorf("user id or email is required")
	}

	var found int
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT 1 FROM reviewer_roster WHERE user_id = ? OR email = ? LIMIT 1`,
		userID,
		email,
	)
	if err := row.Scan(&found); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, perrors.Wrap(perrors.CodeTransientIO, "check roster member", err)
	}
	return true, nil
}

// AddRosterMember appends one identity to the reviewer roster. Adding an
// existing member is a no-op; the roster table is created by migrations, so
// absence of prior members is never an error.
func (s *Store) AddRosterMember(ctx context.Context, member domain.RosterMember) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	userID := strings.TrimSpace(member.UserID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreWrite)
	defer cancel()
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO reviewer_roster (user_id, email, created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO NOTHING`,
		userID,
		strings.TrimSpace(member.Email),
		toMillis(member.CreatedAt),
	)
	if err != nil {
		return perrors.Wrap(perrors.CodeTransientIO, "add roster member", err)
	}
	return nil
}
