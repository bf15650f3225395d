package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	perrors "github.com/lumascan/lumascan/internal/platform/errors"
	"github.com/lumascan/lumascan/internal/platform/requestctx"
	grantsdomain "github.com/lumascan/lumascan/internal/services/grants/domain"
	identitydomain "github.com/lumascan/lumascan/internal/services/identity/domain"
	recordsdomain "github.com/lumascan/lumascan/internal/services/records/domain"
	recordsstorage "github.com/lumascan/lumascan/internal/services/records/storage"
	reviewdomain "github.com/lumascan/lumascan/internal/services/review/domain"
)

type sessionPayload struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

type requestPayload struct {
	ID             string           `json:"id"`
	TargetEmail    string           `json:"target_email"`
	RequesterID    string           `json:"requester_id"`
	RequesterEmail string           `json:"requester_email"`
	Status         string           `json:"status"`
	CreatedAt      string           `json:"created_at"`
	RespondedAt    string           `json:"responded_at,omitempty"`
	Responder      *identityPayload `json:"responder,omitempty"`
}

type identityPayload struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type recordPayload struct {
	ID                string             `json:"id"`
	OwnerID           string             `json:"owner_id"`
	OwnerEmail        string             `json:"owner_email,omitempty"`
	CreatedAt         string             `json:"created_at"`
	Measurements      map[string]float64 `json:"measurements"`
	AnnotatedImageURL string             `json:"annotated_image_url,omitempty"`
	ScaleMMPerPx      float64            `json:"scale_mm_per_px,omitempty"`
}

type errorPayload struct {
	Error struct {
		Code     string            `json:"code"`
		Message  string            `json:"message"`
		Metadata map[string]string `json:"metadata,omitempty"`
	} `json:"error"`
}

func toSessionPayload(session identitydomain.Session) sessionPayload {
	return sessionPayload{
		ID:        session.ID,
		UserID:    session.Identity.ID,
		Email:     session.Identity.Email,
		Role:      string(session.Role),
		CreatedAt: session.CreatedAt.Format(time.RFC3339),
	}
}

func toRequestPayload(request grantsdomain.AccessGrantRequest) requestPayload {
	payload := requestPayload{
		ID:             request.ID,
		TargetEmail:    request.TargetEmail,
		RequesterID:    request.Requester.ID,
		RequesterEmail: request.Requester.Email,
		Status:         string(request.Status),
		CreatedAt:      request.CreatedAt.Format(time.RFC3339),
	}
	if request.RespondedAt != nil {
		payload.RespondedAt = request.RespondedAt.Format(time.RFC3339)
	}
	if request.Responder != nil {
		payload.Responder = &identityPayload{ID: request.Responder.ID, Email: request.Responder.Email}
	}
	return payload
}

func toRecordPayload(record recordsdomain.Record, ownerEmail string) recordPayload {
	return recordPayload{
		ID:                record.ID,
		OwnerID:           record.OwnerID,
		OwnerEmail:        ownerEmail,
		CreatedAt:         record.CreatedAt.Format(time.RFC3339),
		Measurements:      record.Measurements,
		AnnotatedImageURL: record.AnnotatedImageURL,
		ScaleMMPerPx:      record.ScaleMMPerPx,
	}
}

func toEntryPayloads(entries []reviewdomain.Entry) []recordPayload {
	payloads := make([]recordPayload, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, toRecordPayload(entry.Record, entry.OwnerEmail))
	}
	return payloads
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	domainErr := mapDomainError(err)
	var payload errorPayload
	payload.Error.Code = string(domainErr.Code)
	payload.Error.Message = domainErr.Message
	payload.Error.Metadata = domainErr.Metadata
	writeJSON(w, domainErr.Code.HTTPStatus(), payload)
}

// mapDomainError translates domain sentinels into coded API errors. Unknown
// errors map to an opaque internal error so storage details never leak.
func mapDomainError(err error) *perrors.Error {
	var coded *perrors.Error
	if errors.As(err, &coded) {
		return coded
	}

	var partial *grantsdomain.PartialFailureError
	if errors.As(err, &partial) {
		coded := perrors.WithMetadata(perrors.CodeGrantPartialFailure, "request accepted but authorization grant failed", map[string]string{
			"request_id": partial.Request.ID,
		})
		coded.Cause = err
		return coded
	}

	switch {
	case errors.Is(err, identitydomain.ErrIdentityRequired),
		errors.Is(err, grantsdomain.ErrRequesterRequired),
		errors.Is(err, grantsdomain.ErrResponderRequired),
		errors.Is(err, recordsdomain.ErrEmptyOwnerID):
		return perrors.Wrap(perrors.CodeIdentityRequired, err.Error(), err)
	case errors.Is(err, identitydomain.ErrInvalidRole):
		return perrors.Wrap(perrors.CodeRoleInvalid, err.Error(), err)
	case errors.Is(err, identitydomain.ErrRoleSelectionRequired):
		return perrors.Wrap(perrors.CodeRoleSelectionRequired, err.Error(), err)
	case errors.Is(err, identitydomain.ErrRoleAlreadySet):
		return perrors.Wrap(perrors.CodeRoleAlreadySet, err.Error(), err)
	case errors.Is(err, identitydomain.ErrSessionNotFound):
		return perrors.Wrap(perrors.CodeSessionNotFound, err.Error(), err)
	case errors.Is(err, grantsdomain.ErrTargetEmailInvalid):
		return perrors.Wrap(perrors.CodeTargetEmailInvalid, err.Error(), err)
	case errors.Is(err, grantsdomain.ErrResponderMismatch):
		return perrors.Wrap(perrors.CodeResponderMismatch, err.Error(), err)
	case errors.Is(err, grantsdomain.ErrAlreadyResponded):
		return perrors.Wrap(perrors.CodeRequestAlreadyResponded, err.Error(), err)
	case errors.Is(err, grantsdomain.ErrRequestNotFound),
		errors.Is(err, grantsdomain.ErrNotAccepted),
		errors.Is(err, recordsstorage.ErrNotFound):
		return perrors.Wrap(perrors.CodeNotFound, err.Error(), err)
	}
	return perrors.Wrap(perrors.CodeUnknown, "internal error", err)
}

func decodeBody(r *http.Request, dst any) error {
	defer func() { _ = r.Body.Close() }()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return perrors.Wrap(perrors.CodeIdentityRequired, "invalid request body", err)
	}
	return nil
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
		Email  string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	session, err := s.identity.SignIn(r.Context(), identitydomain.Identity{ID: body.UserID, Email: body.Email})
	if err != nil {
		writeError(w, err)
		return
	}

	roleSelectionRequired := false
	role, err := s.identity.ResolveRole(r.Context(), session.ID)
	switch {
	case err == nil:
		session.Role = role
	case errors.Is(err, identitydomain.ErrRoleSelectionRequired):
		roleSelectionRequired = true
	default:
		_ = s.identity.SignOut(session.ID)
		writeError(w, err)
		return
	}

	token, err := mintSessionToken(s.sessionSecret, session.ID, time.Now().UTC())
	if err != nil {
		_ = s.identity.SignOut(session.ID)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, struct {
		Token                 string         `json:"token"`
		Session               sessionPayload `json:"session"`
		RoleSelectionRequired bool           `json:"role_selection_required"`
	}{
		Token:                 token,
		Session:               toSessionPayload(session),
		RoleSelectionRequired: roleSelectionRequired,
	})
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	sessionID := requestctx.SessionIDFromContext(r.Context())
	if err := s.identity.SignOut(sessionID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResolveRole(w http.ResponseWriter, r *http.Request) {
	sessionID := requestctx.SessionIDFromContext(r.Context())
	role, err := s.identity.ResolveRole(r.Context(), sessionID)
	if err != nil && !errors.Is(err, identitydomain.ErrRoleSelectionRequired) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Role                  string `json:"role"`
		RoleSelectionRequired bool   `json:"role_selection_required"`
	}{
		Role:                  string(role),
		RoleSelectionRequired: errors.Is(err, identitydomain.ErrRoleSelectionRequired),
	})
}

func (s *Server) handleSetRole(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Role string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	role, err := identitydomain.ParseRole(body.Role)
	if err != nil {
		writeError(w, err)
		return
	}

	session, err := s.identity.SetRole(r.Context(), requestctx.SessionIDFromContext(r.Context()), role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Session sessionPayload `json:"session"`
	}{Session: toSessionPayload(session)})
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessionFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if session.Role != identitydomain.RoleReviewer {
		writeError(w, perrors.New(perrors.CodeRoleInvalid, "only reviewers create access requests"))
		return
	}

	var body struct {
		TargetEmail string `json:"target_email"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	requester := grantsdomain.Identity{ID: session.Identity.ID, Email: session.Identity.Email}
	request, err := s.grants.CreateRequest(r.Context(), requester, body.TargetEmail)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		Request requestPayload `json:"request"`
	}{Request: toRequestPayload(request)})
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessionFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	requests, err := s.grants.ListRequestsForEmail(r.Context(), session.Identity.Email)
	if err != nil {
		writeError(w, err)
		return
	}
	payloads := make([]requestPayload, 0, len(requests))
	for _, request := range requests {
		payloads = append(payloads, toRequestPayload(request))
	}
	writeJSON(w, http.StatusOK, struct {
		Requests []requestPayload `json:"requests"`
	}{Requests: payloads})
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessionFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		Accept bool `json:"accept"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	responder := grantsdomain.Identity{ID: session.Identity.ID, Email: session.Identity.Email}
	request, err := s.grants.Respond(r.Context(), r.PathValue("id"), responder, body.Accept)
	if err != nil {
		var partial *grantsdomain.PartialFailureError
		if errors.As(err, &partial) {
			// The response is durable; report the grant failure alongside the
			// persisted request so the client can retry the grant write.
			writeJSON(w, http.StatusFailedDependency, struct {
				Request requestPayload `json:"request"`
				Error   string         `json:"error"`
			}{
				Request: toRequestPayload(partial.Request),
				Error:   string(perrors.CodeGrantPartialFailure),
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Request requestPayload `json:"request"`
	}{Request: toRequestPayload(request)})
}

func (s *Server) handleRetryGrant(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessionFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	responder := grantsdomain.Identity{ID: session.Identity.ID, Email: session.Identity.Email}
	if err := s.grants.RetryGrant(r.Context(), r.PathValue("id"), responder); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessionFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		Measurements      map[string]float64 `json:"measurements"`
		AnnotatedImageURL string             `json:"annotated_image_url"`
		ScaleMMPerPx      float64            `json:"scale_mm_per_px"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	record, err := s.records.Create(r.Context(), recordsdomain.CreateRecordInput{
		OwnerID:           session.Identity.ID,
		Measurements:      body.Measurements,
		AnnotatedImageURL: body.AnnotatedImageURL,
		ScaleMMPerPx:      body.ScaleMMPerPx,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		Record recordPayload `json:"record"`
	}{Record: toRecordPayload(record, session.Identity.Email)})
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessionFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	records, err := s.records.ListForOwner(r.Context(), session.Identity.ID, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	payloads := make([]recordPayload, 0, len(records))
	for _, record := range records {
		payloads = append(payloads, toRecordPayload(record, session.Identity.Email))
	}
	writeJSON(w, http.StatusOK, struct {
		Records []recordPayload `json:"records"`
	}{Records: payloads})
}
