package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lumascan/lumascan/internal/services/identity/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir() + "/identity.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRoleRecordRoundTrip(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)

	if _, err := store.GetRoleRecord(context.Background(), "user-1"); !errors.Is(err, domain.ErrRoleRecordNotFound) {
		t.Fatalf("expected ErrRoleRecordNotFound, got %v", err)
	}

	if err := store.PutRoleRecord(context.Background(), domain.RoleRecord{
		UserID:    "user-1",
		Email:     "a@example.com",
		Role:      domain.RoleSubject,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("put role record: %v", err)
	}

	record, err := store.GetRoleRecord(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get role record: %v", err)
	}
	if record.Role != domain.RoleSubject {
		t.Fatalf("role = %q, want subject", record.Role)
	}
	if !record.UpdatedAt.Equal(now) {
		t.Fatalf("updated_at = %v, want %v", record.UpdatedAt, now)
	}

	// Upsert replaces the existing record.
	if err := store.PutRoleRecord(context.Background(), domain.RoleRecord{
		UserID:    "user-1",
		Email:     "a@example.com",
		Role:      domain.RoleReviewer,
		UpdatedAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("upsert role record: %v", err)
	}
	record, err = store.GetRoleRecord(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get role record after upsert: %v", err)
	}
	if record.Role != domain.RoleReviewer {
		t.Fatalf("role = %q, want reviewer after upsert", record.Role)
	}
}

func TestRosterMembershipMatchesIDOrEmail(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)

	member, err := store.IsRosterMember(context.Background(), "user-1", "a@example.com")
	if err != nil {
		t.Fatalf("check empty roster: %v", err)
	}
	if member {
		t.Fatal("expected no membership on empty roster")
	}

	if err := store.AddRosterMember(context.Background(), domain.RosterMember{
		UserID:    "user-1",
		Email:     "a@example.com",
		CreatedAt: now,
	}); err != nil {
		t.Fatalf("add roster member: %v", err)
	}

	byID, err := store.IsRosterMember(context.Background(), "user-1", "other@example.com")
	if err != nil {
		t.Fatalf("check by id: %v", err)
	}
	if !byID {
		t.Fatal("expected membership by user id")
	}

	byEmail, err := store.IsRosterMember(context.Background(), "someone-else", "a@example.com")
	if err != nil {
		t.Fatalf("check by email: %v", err)
	}
	if !byEmail {
		t.Fatal("expected membership by email")
	}

	neither, err := store.IsRosterMember(context.Background(), "someone-else", "other@example.com")
	if err != nil {
		t.Fatalf("check non-member: %v", err)
	}
	if neither {
		t.Fatal("expected no membership for unrelated identity")
	}
}

func TestAddRosterMemberIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)

	member := domain.RosterMember{UserID: "user-1", Email: "a@example.com", CreatedAt: now}
	if err := store.AddRosterMember(context.Background(), member); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := store.AddRosterMember(context.Background(), member); err != nil {
		t.Fatalf("repeat add: %v", err)
	}
}
