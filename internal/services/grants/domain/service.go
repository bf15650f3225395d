package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lumascan/lumascan/internal/platform/id"
	"github.com/lumascan/lumascan/internal/platform/telemetry/metrics"
)

// ErrStoreNotConfigured indicates the service is missing persistence wiring.
var ErrStoreNotConfigured = errors.New("grant store is not configured")

// PartialFailureError reports that a request was durably accepted but the
// follow-up authorization grant write failed. The request stays accepted; the
// grant write is safe to retry because the relation upsert is idempotent.
type PartialFailureError struct {
	Request AccessGrantRequest
	Cause   error
}

// Error implements the error interface.
func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("request %s accepted but authorization grant failed: %v", e.Request.ID, e.Cause)
}

// Unwrap returns the underlying grant write failure.
func (e *PartialFailureError) Unwrap() error {
	return e.Cause
}

// RequestStore is the domain persistence boundary for grant requests.
type RequestStore interface {
	PutRequest(ctx context.Context, request AccessGrantRequest) error
	GetRequest(ctx context.Context, requestID string) (AccessGrantRequest, error)
	// RespondToRequest applies a terminal status to a pending request. It
	// returns ErrRequestNotFound when the request is missing and
	// ErrAlreadyResponded when the request already left pending.
	RespondToRequest(ctx context.Context, requestID string, status Status, responder Identity, respondedAt time.Time) (AccessGrantRequest, error)
	ListRequestsByTargetEmail(ctx context.Context, email string) ([]AccessGrantRequest, error)
	WatchRequestsByTargetEmail(ctx context.Context, email string) (<-chan RequestsUpdate, error)
}

// GrantStore is the domain persistence boundary for the authorization relation.
type GrantStore interface {
	UpsertGrant(ctx context.Context, grant Grant) error
}

// Service orchestrates the request workflow. It is the sole writer of the
// authorization relation.
type Service struct {
	requests RequestStore
	grants   GrantStore
	clock    func() time.Time
	newID    func() (string, error)
}

// NewService constructs grant workflow use-cases.
func NewService(requests RequestStore, grants GrantStore, clock func() time.Time, newID func() (string, error)) *Service {
	if clock == nil {
		clock = time.Now
	}
	if newID == nil {
		newID = id.NewID
	}
	return &Service{
		requests: requests,
		grants:   grants,
		clock:    clock,
		newID:    newID,
	}
}

// CreateRequest records a reviewer's pending request for access to the
// records of whoever owns targetEmail. The target need not have a session yet.
func (s *Service) CreateRequest(ctx context.Context, requester Identity, targetEmail string) (AccessGrantRequest, error) {
	if s == nil || s.requests == nil {
		return AccessGrantRequest{}, ErrStoreNotConfigured
	}
	request, err := NewRequest(requester, targetEmail, s.clock, s.newID)
	if err != nil {
		return AccessGrantRequest{}, err
	}
	if err := s.requests.PutRequest(ctx, request); err != nil {
		return AccessGrantRequest{}, fmt.Errorf("persist request: %w", err)
	}
	return request, nil
}

// ListRequestsForEmail returns every request targeting the email, any status,
// newest first.
func (s *Service) ListRequestsForEmail(ctx context.Context, email string) ([]AccessGrantRequest, error) {
	if s == nil || s.requests == nil {
		return nil, ErrStoreNotConfigured
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, ErrResponderRequired
	}
	requests, err := s.requests.ListRequestsByTargetEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return requests, nil
}

// WatchRequestsForEmail delivers live snapshots of the target's incoming
// requests until ctx ends.
func (s *Service) WatchRequestsForEmail(ctx context.Context, email string) (<-chan RequestsUpdate, error) {
	if s == nil || s.requests == nil {
		return nil, ErrStoreNotConfigured
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, ErrResponderRequired
	}
	return s.requests.WatchRequestsByTargetEmail(ctx, email)
}

// Respond applies the target's decision to a pending request. On accept the
// requester is union-added to the responder's authorization set; that second
// write happens only after the status write is durable, and its failure is
// surfaced as a PartialFailureError rather than swallowed.
func (s *Service) Respond(ctx context.Context, requestID string, responder Identity, accept bool) (AccessGrantRequest, error) {
	if s == nil || s.requests == nil || s.grants == nil {
		return AccessGrantRequest{}, ErrStoreNotConfigured
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return AccessGrantRequest{}, ErrRequestNotFound
	}

	request, err := s.requests.GetRequest(ctx, requestID)
	if err != nil {
		return AccessGrantRequest{}, err
	}

	now := s.clock().UTC()
	responded, err := ApplyResponse(request, responder, accept, now)
	if err != nil {
		return AccessGrantRequest{}, err
	}

	persisted, err := s.requests.RespondToRequest(ctx, requestID, responded.Status, *responded.Responder, *responded.RespondedAt)
	if err != nil {
		return AccessGrantRequest{}, err
	}
	metrics.GrantResponsesTotal.WithLabelValues(string(persisted.Status)).Inc()

	if !accept {
		return persisted, nil
	}

	if err := s.upsertGrantFor(ctx, persisted); err != nil {
		metrics.GrantPartialFailuresTotal.Inc()
		return persisted, &PartialFailureError{Request: persisted, Cause: err}
	}
	return persisted, nil
}

// RetryGrant re-attempts the authorization write for an accepted request
// after a partial failure. Only the recorded responder may retry. The upsert
// is idempotent, so retrying a request whose grant already landed is a no-op.
func (s *Service) RetryGrant(ctx context.Context, requestID string, responder Identity) error {
	if s == nil || s.requests == nil || s.grants == nil {
		return ErrStoreNotConfigured
	}
	responder.ID = strings.TrimSpace(responder.ID)
	if responder.ID == "" {
		return ErrResponderRequired
	}
	request, err := s.requests.GetRequest(ctx, strings.TrimSpace(requestID))
	if err != nil {
		return err
	}
	if request.Status != StatusAccepted {
		return ErrNotAccepted
	}
	if request.Responder == nil || request.Responder.ID != responder.ID {
		return ErrResponderMismatch
	}
	return s.upsertGrantFor(ctx, request)
}

func (s *Service) upsertGrantFor(ctx context.Context, request AccessGrantRequest) error {
	if request.Responder == nil || request.RespondedAt == nil {
		return ErrNotAccepted
	}
	return s.grants.UpsertGrant(ctx, Grant{
		SubjectID:    request.Responder.ID,
		SubjectEmail: request.Responder.Email,
		ReviewerID:   request.Requester.ID,
		CreatedAt:    *request.RespondedAt,
	})
}
