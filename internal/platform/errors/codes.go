// Package errors provides structured error handling for API boundaries.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Validation errors
	CodeTargetEmailInvalid Code = "GRANT_TARGET_EMAIL_INVALID"
	CodeIdentityRequired   Code = "IDENTITY_REQUIRED"
	CodeRoleInvalid        Code = "ROLE_INVALID"

	// State errors
	CodeRequestAlreadyResponded Code = "GRANT_REQUEST_ALREADY_RESPONDED"
	CodeRoleAlreadySet          Code = "ROLE_ALREADY_SET"
	CodeRoleSelectionRequired   Code = "ROLE_SELECTION_REQUIRED"
	CodeResponderMismatch       Code = "GRANT_RESPONDER_MISMATCH"

	// Storage errors
	CodeNotFound    Code = "NOT_FOUND"
	CodeTransientIO Code = "TRANSIENT_IO"

	// Partial failures
	CodeGrantPartialFailure Code = "GRANT_PARTIAL_FAILURE"

	// Live view errors
	CodeSubscriptionFailed Code = "SUBSCRIPTION_FAILED"

	// Session errors
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"
	CodeSessionInvalid  Code = "SESSION_INVALID"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeTargetEmailInvalid,
		CodeIdentityRequired,
		CodeRoleInvalid:
		return http.StatusBadRequest

	case CodeRequestAlreadyResponded,
		CodeRoleAlreadySet,
		CodeResponderMismatch:
		return http.StatusConflict

	case CodeRoleSelectionRequired:
		return http.StatusPreconditionRequired

	case CodeNotFound:
		return http.StatusNotFound

	case CodeSessionNotFound,
		CodeSessionInvalid:
		return http.StatusUnauthorized

	case CodeGrantPartialFailure:
		return http.StatusFailedDependency

	case CodeSubscriptionFailed,
		CodeTransientIO,
		CodeUnknown:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}
