// Package domain resolves participant roles and tracks live sessions.
package domain

import (
	"errors"
	"strings"
	"time"
)

// Role classifies a signed-in participant.
type Role string

const (
	// RoleUnknown means no role has been determined yet.
	RoleUnknown Role = "unknown"
	// RoleSubject marks a participant who owns records and grants access.
	RoleSubject Role = "subject"
	// RoleReviewer marks a participant who views authorized records.
	RoleReviewer Role = "reviewer"
)

var (
	// ErrRoleSelectionRequired indicates no role could be determined and the
	// participant must pick one.
	ErrRoleSelectionRequired = errors.New("role selection is required")
	// ErrInvalidRole indicates an unsupported role value.
	ErrInvalidRole = errors.New("role must be subject or reviewer")
	// ErrRoleAlreadySet indicates the session already carries a different
	// terminal role. Re-provisioning is out of scope.
	ErrRoleAlreadySet = errors.New("role is already set")
	// ErrSessionNotFound indicates the session has ended or never existed.
	ErrSessionNotFound = errors.New("session not found")
	// ErrIdentityRequired indicates missing sign-in identity fields.
	ErrIdentityRequired = errors.New("user id and email are required")
)

// Identity is the stable sign-in identity supplied by the external provider.
type Identity struct {
	ID    string
	Email string
}

// Normalize trims identity fields and validates presence.
func (i Identity) Normalize() (Identity, error) {
	i.ID = strings.TrimSpace(i.ID)
	i.Email = strings.TrimSpace(i.Email)
	if i.ID == "" || i.Email == "" {
		return Identity{}, ErrIdentityRequired
	}
	return i, nil
}

// Session is one live sign-in. The role moves from unknown to a terminal
// value at most once for the session's lifetime.
type Session struct {
	ID        string
	Identity  Identity
	Role      Role
	CreatedAt time.Time
}

// ParseRole validates a participant-chosen role value.
func ParseRole(value string) (Role, error) {
	switch Role(strings.TrimSpace(strings.ToLower(value))) {
	case RoleSubject:
		return RoleSubject, nil
	case RoleReviewer:
		return RoleReviewer, nil
	}
	return RoleUnknown, ErrInvalidRole
}
