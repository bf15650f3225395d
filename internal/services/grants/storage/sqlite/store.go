// Package sqlite provides a SQLite-backed grant storage implementation.
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
	"github.com/lumascan/lumascan/internal/platform/storage/live"
	sqlitemigrate "github.com/lumascan/lumascan/internal/platform/storage/sqlitemigrate"
	"github.com/lumascan/lumascan/internal/platform/timeouts"
	"github.com/lumascan/lumascan/internal/services/grants/domain"
	"github.com/lumascan/lumascan/internal/services/grants/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists grant requests and the authorization relation in SQLite.
type Store struct {
	sqlDB          *sql.DB
	requestChanges *live.Hub
	grantChanges   *live.Hub
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite grant store and applies embedded migrations.
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
	return &Store{
		sqlDB:          sqlDB,
		requestChanges: live.NewHub(),
		grantChanges:   live.NewHub(),
	}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// PutRequest inserts one new grant request.
func (s *Store) PutRequest(ctx context.Context, request domain.AccessGrantRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	requestID := strings.TrimSpace(request.ID)
	if requestID == "" {
		return fmt.Errorf("request id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreWrite)
	defer cancel()
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO grant_requests (id, target_email, requester_id, requester_email, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		requestID,
		request.TargetEmail,
		request.Requester.ID,
		request.Requester.Email,
		string(request.Status),
		toMillis(request.CreatedAt),
	)
	if err != nil {
		return perrors.Wrap(perrors.CodeTransientIO, "put request", err)
	}
	s.requestChanges.Broadcast()
	return nil
}

// GetRequest returns one grant request by ID.
func (s *Store) GetRequest(ctx context.Context, requestID string) (domain.AccessGrantRequest, error) {
	if err := ctx.Err(); err != nil {
		return domain.AccessGrantRequest{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.AccessGrantRequest{}, fmt.Errorf("storage is not configured")
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return domain.AccessGrantRequest{}, domain.ErrRequestNotFound
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, target_email, requester_id, requester_email, status, created_at, responded_at, responder_id, responder_email
		 FROM grant_requests
		 WHERE id = ?`,
		requestID,
	)
	request, err := scanRequest(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.AccessGrantRequest{}, domain.ErrRequestNotFound
		}
		return domain.AccessGrantRequest{}, perrors.Wrap(perrors.CodeTransientIO, "get request", err)
	}
	return request, nil
}

// RespondToRequest applies a terminal status to a pending request. The update
// is conditional on the pending status so a double response can never win the
// race; the loser is told the request already left pending.
func (s *Store) RespondToRequest(ctx context.Context, requestID string, status domain.Status, responder domain.Identity, respondedAt time.Time) (domain.AccessGrantRequest, error) {
	if err := ctx.Err(); err != nil {
		return domain.AccessGrantRequest{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.AccessGrantRequest{}, fmt.Errorf("storage is not configured")
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return domain.AccessGrantRequest{}, domain.ErrRequestNotFound
	}
	if status != domain.StatusAccepted && status != domain.StatusDeclined {
		return domain.AccessGrantRequest{}, fmt.Errorf("status %q is not terminal", status)
	}

	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreWrite)
	defer cancel()
	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE grant_requests
		 SET status = ?, responded_at = ?, responder_id = ?, responder_email = ?
		 WHERE id = ? AND status = ?`,
		string(status),
		toMillis(respondedAt),
		responder.ID,
		responder.Email,
		requestID,
		string(domain.StatusPending),
	)
	if err != nil {
		return domain.AccessGrantRequest{}, perrors.Wrap(perrors.CodeTransientIO, "respond to request", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return domain.AccessGrantRequest{}, perrors.Wrap(perrors.CodeTransientIO, "respond to request", err)
	}
	if affected == 0 {
		// Distinguish a missing request from a lost race on status.
		if _, getErr := s.GetRequest(ctx, requestID); getErr != nil {
			return domain.AccessGrantRequest{}, getErr
		}
		return domain.AccessGrantRequest{}, domain.ErrAlreadyResponded
	}

	s.requestChanges.Broadcast()
	return s.GetRequest(ctx, requestID)
}

// ListRequestsByTargetEmail returns every request targeting the email, any
// status, newest first. Order is presentational only.
func (s *Store) ListRequestsByTargetEmail(ctx context.Context, email string) ([]domain.AccessGrantRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, fmt.Errorf("target email is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, target_email, requester_id, requester_email, status, created_at, responded_at, responder_id, responder_email
		 FROM grant_requests
		 WHERE target_email = ? COLLATE NOCASE
		 ORDER BY created_at DESC, id ASC`,
		email,
	)
	if err != nil {
		return nil, perrors.Wrap(perrors.CodeTransientIO, "list requests", err)
	}
	defer func() { _ = rows.Close() }()

	var requests []domain.AccessGrantRequest
	for rows.Next() {
		request, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, perrors.Wrap(perrors.CodeTransientIO, "scan request", err)
		}
		requests = append(requests, request)
	}
	if err := rows.Err(); err != nil {
		return nil, perrors.Wrap(perrors.CodeTransientIO, "iterate requests", err)
	}
	return requests, nil
}

// WatchRequestsByTargetEmail delivers the target's latest incoming-request
// snapshot and a fresh snapshot after every committed request write.
func (s *Store) WatchRequestsByTargetEmail(ctx context.Context, email string) (<-chan domain.RequestsUpdate, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, fmt.Errorf("target email is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	signals := s.requestChanges.Subscribe(ctx)
	updates := make(chan domain.RequestsUpdate, 1)
	go func() {
		defer close(updates)
		for {
			requests, err := s.ListRequestsByTargetEmail(ctx, email)
			if ctx.Err() != nil {
				return
			}
			live.PushLatest(updates, domain.RequestsUpdate{Requests: requests, Err: err})

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

// UpsertGrant union-adds one edge to the authorization relation. The insert
// is keyed by (subject, reviewer) and ignores conflicts, so the operation is
// idempotent and commutative and never touches unrelated rows.
func (s *Store) UpsertGrant(ctx context.Context, grant domain.Grant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	subjectID := strings.TrimSpace(grant.SubjectID)
	reviewerID := strings.TrimSpace(grant.ReviewerID)
	if subjectID == "" {
		return fmt.Errorf("subject id is required")
	}
	if reviewerID == "" {
		return fmt.Errorf("reviewer id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreWrite)
	defer cancel()
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO authorization_grants (subject_id, subject_email, reviewer_id, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(subject_id, reviewer_id) DO NOTHING`,
		subjectID,
		strings.TrimSpace(grant.SubjectEmail),
		reviewerID,
		toMillis(grant.CreatedAt),
	)
	if err != nil {
		return perrors.Wrap(perrors.CodeTransientIO, "upsert grant", err)
	}
	s.grantChanges.Broadcast()
	return nil
}

// ListAuthorizedSubjects returns the subjects whose authorization set
// contains the reviewer.
func (s *Store) ListAuthorizedSubjects(ctx context.Context, reviewerID string) ([]domain.Subject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	reviewerID = strings.TrimSpace(reviewerID)
	if reviewerID == "" {
		return nil, fmt.Errorf("reviewer id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT subject_id, subject_email
		 FROM authorization_grants
		 WHERE reviewer_id = ?
		 ORDER BY subject_id ASC`,
		reviewerID,
	)
	if err != nil {
		return nil, perrors.Wrap(perrors.CodeTransientIO, "list authorized subjects", err)
	}
	defer func() { _ = rows.Close() }()

	var subjects []domain.Subject
	for rows.Next() {
		var subject domain.Subject
		if err := rows.Scan(&subject.ID, &subject.Email); err != nil {
			return nil, perrors.Wrap(perrors.CodeTransientIO, "scan subject", err)
		}
		subjects = append(subjects, subject)
	}
	if err := rows.Err(); err != nil {
		return nil, perrors.Wrap(perrors.CodeTransientIO, "iterate subjects", err)
	}
	return subjects, nil
}

// WatchAuthorizedSubjects delivers the reviewer's latest roster snapshot and
// a fresh snapshot after every committed grant write.
func (s *Store) WatchAuthorizedSubjects(ctx context.Context, reviewerID string) (<-chan domain.RosterUpdate, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	reviewerID = strings.TrimSpace(reviewerID)
	if reviewerID == "" {
		return nil, fmt.Errorf("reviewer id is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	signals := s.grantChanges.Subscribe(ctx)
	updates := make(chan domain.RosterUpdate, 1)
	go func() {
		defer close(updates)
		for {
			subjects, err := s.ListAuthorizedSubjects(ctx, reviewerID)
			if ctx.Err() != nil {
				return
			}
			live.PushLatest(updates, domain.RosterUpdate{Subjects: subjects, Err: err})

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

func scanRequest(scan func(dest ...any) error) (domain.AccessGrantRequest, error) {
	var request domain.AccessGrantRequest
	var createdAt int64
	var respondedAt sql.NullInt64
	var responderID sql.NullString
	var responderEmail sql.NullString
	if err := scan(
		&request.ID,
		&request.TargetEmail,
		&request.Requester.ID,
		&request.Requester.Email,
		(*string)(&request.Status),
		&createdAt,
		&respondedAt,
		&responderID,
		&responderEmail,
	); err != nil {
		return domain.AccessGrantRequest{}, err
	}
	request.CreatedAt = fromMillis(createdAt)
	if respondedAt.Valid {
		at := fromMillis(respondedAt.Int64)
		request.RespondedAt = &at
	}
	if responderID.Valid || responderEmail.Valid {
		request.Responder = &domain.Identity{
			ID:    responderID.String,
			Email: responderEmail.String,
		}
	}
	return request, nil
}
