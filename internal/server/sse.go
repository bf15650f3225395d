package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	perrors "github.com/lumascan/lumascan/internal/platform/errors"
	identitydomain "github.com/lumascan/lumascan/internal/services/identity/domain"
)

// handleReviewStream serves the reviewer's live aggregated view as
// server-sent events. The view is bound to the session context, so signing
// out ends the stream; disconnecting ends the view.
func (s *Server) handleReviewStream(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessionFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if session.Role != identitydomain.RoleReviewer {
		writeError(w, perrors.New(perrors.CodeRoleInvalid, "only reviewers open the aggregated view"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, perrors.New(perrors.CodeSubscriptionFailed, "streaming is not supported"))
		return
	}

	sessionCtx, err := s.identity.SessionContext(session.ID)
	if err != nil {
		writeError(w, mapDomainError(err))
		return
	}
	viewCtx, cancel := context.WithCancel(sessionCtx)
	defer cancel()
	stop := context.AfterFunc(r.Context(), cancel)
	defer stop()

	view, err := s.review.Open(viewCtx, session.Identity.ID)
	if err != nil {
		writeError(w, mapDomainError(err))
		return
	}
	defer view.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, "snapshot", toEntryPayloads(view.Records()))
	flusher.Flush()

	for {
		select {
		case <-viewCtx.Done():
			return
		case entries, open := <-view.Updates():
			if !open {
				return
			}
			writeEvent(w, "snapshot", toEntryPayloads(entries))
			flusher.Flush()
		case warning, open := <-view.Warnings():
			if !open {
				return
			}
			writeEvent(w, "warning", struct {
				SubjectID string `json:"subject_id"`
				Message   string `json:"message"`
			}{SubjectID: warning.SubjectID, Message: warning.Err.Error()})
			flusher.Flush()
		case fatal, open := <-view.Err():
			if !open {
				return
			}
			writeEvent(w, "error", struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			}{Code: string(perrors.CodeSubscriptionFailed), Message: fatal.Error()})
			flusher.Flush()
			return
		}
	}
}

// handleRequestsStream serves the signed-in target's incoming-request inbox
// as server-sent events.
func (s *Server) handleRequestsStream(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessionFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, perrors.New(perrors.CodeSubscriptionFailed, "streaming is not supported"))
		return
	}

	sessionCtx, err := s.identity.SessionContext(session.ID)
	if err != nil {
		writeError(w, mapDomainError(err))
		return
	}
	streamCtx, cancel := context.WithCancel(sessionCtx)
	defer cancel()
	stop := context.AfterFunc(r.Context(), cancel)
	defer stop()

	updates, err := s.grants.WatchRequestsForEmail(streamCtx, session.Identity.Email)
	if err != nil {
		writeError(w, mapDomainError(err))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-streamCtx.Done():
			return
		case update, open := <-updates:
			if !open {
				return
			}
			if update.Err != nil {
				writeEvent(w, "error", struct {
					Code    string `json:"code"`
					Message string `json:"message"`
				}{Code: string(perrors.CodeSubscriptionFailed), Message: update.Err.Error()})
				flusher.Flush()
				continue
			}
			payloads := make([]requestPayload, 0, len(update.Requests))
			for _, request := range update.Requests {
				payloads = append(payloads, toRequestPayload(request))
			}
			writeEvent(w, "snapshot", payloads)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		log.Printf("encode %s event: %v", event, err)
		return
	}
	if _, err := w.Write([]byte("event: " + event + "\ndata: " + string(data) + "\n\n")); err != nil {
		log.Printf("write %s event: %v", event, err)
	}
}
