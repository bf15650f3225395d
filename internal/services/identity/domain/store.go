package domain

import (
	"context"
	"errors"
	"time"
)

// ErrRoleRecordNotFound indicates no durable role record exists for an identity.
var ErrRoleRecordNotFound = errors.New("role record not found")

// RoleRecord stores one durable per-identity role assignment.
type RoleRecord struct {
	UserID    string
	Email     string
	Role      Role
	UpdatedAt time.Time
}

// RosterMember stores one reviewer roster entry. The roster is maintained
// out-of-band and extended through explicit reviewer role selection.
type RosterMember struct {
	UserID    string
	Email     string
	CreatedAt time.Time
}

// Store is the domain persistence boundary for role resolution state.
type Store interface {
	GetRoleRecord(ctx context.Context, userID string) (RoleRecord, error)
	PutRoleRecord(ctx context.Context, record RoleRecord) error
	IsRosterMember(ctx context.Context, userID string, email string) (bool, error)
	AddRosterMember(ctx context.Context, member RosterMember) error
}
