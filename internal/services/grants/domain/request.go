// Package domain implements the access grant request workflow and the
// authorization relation it feeds.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lumascan/lumascan/internal/platform/id"
)

// Status is the lifecycle state of an access grant request.
type Status string

const (
	// StatusPending means the target has not responded yet.
	StatusPending Status = "pending"
	// StatusAccepted is terminal; the requester gained access.
	StatusAccepted Status = "accepted"
	// StatusDeclined is terminal; the requester gained nothing.
	StatusDeclined Status = "declined"
)

var (
	// ErrTargetEmailInvalid indicates the target email failed the minimal
	// syntactic check.
	ErrTargetEmailInvalid = errors.New("target email must contain @")
	// ErrRequesterRequired indicates missing requester identity fields.
	ErrRequesterRequired = errors.New("requester id and email are required")
	// ErrResponderRequired indicates missing responder identity fields.
	ErrResponderRequired = errors.New("responder id and email are required")
	// ErrResponderMismatch indicates the responder's email does not match the
	// request target.
	ErrResponderMismatch = errors.New("responder email does not match request target")
	// ErrAlreadyResponded indicates the request left pending already.
	ErrAlreadyResponded = errors.New("request has already been responded to")
	// ErrRequestNotFound indicates no such request exists.
	ErrRequestNotFound = errors.New("request not found")
	// ErrNotAccepted indicates a grant retry on a request that is not accepted.
	ErrNotAccepted = errors.New("request is not accepted")
)

// Identity names one participant in the workflow.
type Identity struct {
	ID    string
	Email string
}

// AccessGrantRequest asks the owner of TargetEmail to share their records
// with the requester. The target is identified by email only and may not yet
// correspond to any session. Requests transition pending -> accepted or
// pending -> declined exactly once and are never deleted.
type AccessGrantRequest struct {
	ID          string
	TargetEmail string
	Requester   Identity
	Status      Status
	CreatedAt   time.Time
	RespondedAt *time.Time // nil while pending
	Responder   *Identity  // nil while pending
}

// NewRequest creates a pending access grant request. The only validation on
// the target email is a minimal syntactic check for an @ character.
func NewRequest(requester Identity, targetEmail string, now func() time.Time, idGenerator func() (string, error)) (AccessGrantRequest, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	requester.ID = strings.TrimSpace(requester.ID)
	requester.Email = strings.TrimSpace(requester.Email)
	if requester.ID == "" || requester.Email == "" {
		return AccessGrantRequest{}, ErrRequesterRequired
	}

	targetEmail = strings.TrimSpace(targetEmail)
	if !strings.Contains(targetEmail, "@") {
		return AccessGrantRequest{}, ErrTargetEmailInvalid
	}

	requestID, err := idGenerator()
	if err != nil {
		return AccessGrantRequest{}, fmt.Errorf("generate request id: %w", err)
	}

	return AccessGrantRequest{
		ID:          requestID,
		TargetEmail: targetEmail,
		Requester:   requester,
		Status:      StatusPending,
		CreatedAt:   now().UTC(),
	}, nil
}

// ApplyResponse transitions a pending request to its terminal status. The
// responder must own the target email; terminal requests reject any further
// response.
func ApplyResponse(request AccessGrantRequest, responder Identity, accept bool, at time.Time) (AccessGrantRequest, error) {
	responder.ID = strings.TrimSpace(responder.ID)
	responder.Email = strings.TrimSpace(responder.Email)
	if responder.ID == "" || responder.Email == "" {
		return AccessGrantRequest{}, ErrResponderRequired
	}
	if !strings.EqualFold(responder.Email, request.TargetEmail) {
		return AccessGrantRequest{}, ErrResponderMismatch
	}
	if request.Status != StatusPending {
		return AccessGrantRequest{}, ErrAlreadyResponded
	}

	respondedAt := at.UTC()
	request.RespondedAt = &respondedAt
	request.Responder = &responder
	if accept {
		request.Status = StatusAccepted
	} else {
		request.Status = StatusDeclined
	}
	return request, nil
}
