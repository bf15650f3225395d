package domain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu          sync.Mutex
	roleRecords map[string]RoleRecord
	roster      map[string]RosterMember

	getRoleErr error
	putRoleErr error
	rosterErr  error

	putRoleCalls int

	// onGetRoleRecord runs inside GetRoleRecord before the lookup, letting
	// tests interleave a sign-out with an in-flight resolution.
	onGetRoleRecord func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		roleRecords: make(map[string]RoleRecord),
		roster:      make(map[string]RosterMember),
	}
}

func (f *fakeStore) GetRoleRecord(_ context.Context, userID string) (RoleRecord, error) {
	if f.onGetRoleRecord != nil {
		f.onGetRoleRecord()
	}
	if f.getRoleErr != nil {
		return RoleRecord{}, f.getRoleErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.roleRecords[userID]
	if !ok {
		return RoleRecord{}, ErrRoleRecordNotFound
	}
	return record, nil
}

func (f *fakeStore) PutRoleRecord(_ context.Context, record RoleRecord) error {
	if f.putRoleErr != nil {
		return f.putRoleErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putRoleCalls++
	f.roleRecords[record.UserID] = record
	return nil
}

func (f *fakeStore) IsRosterMember(_ context.Context, userID string, email string) (bool, error) {
	if f.rosterErr != nil {
		return false, f.rosterErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, member := range f.roster {
		if member.UserID == userID || member.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) AddRosterMember(_ context.Context, member RosterMember) error {
	if f.rosterErr != nil {
		return f.rosterErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.roster[member.UserID]; ok {
		return nil
	}
	f.roster[member.UserID] = member
	return nil
}

func fixedClock() time.Time {
	return time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)
}

func sequentialIDs() func() (string, error) {
	var counter int
	return func() (string, error) {
		counter++
		return fmt.Sprintf("id-%d", counter), nil
	}
}

func TestSignInValidatesIdentity(t *testing.T) {
	service := NewService(newFakeStore(), fixedClock, sequentialIDs())

	cases := []struct {
		name     string
		identity Identity
	}{
		{name: "missing id", identity: Identity{Email: "a@example.com"}},
		{name: "missing email", identity: Identity{ID: "user-1"}},
		{name: "blank fields", identity: Identity{ID: "  ", Email: " "}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := service.SignIn(context.Background(), tc.identity); !errors.Is(err, ErrIdentityRequired) {
				t.Fatalf("expected ErrIdentityRequired, got %v", err)
			}
		})
	}
}

func TestSignInStartsWithUnknownRole(t *testing.T) {
	service := NewService(newFakeStore(), fixedClock, sequentialIDs())

	session, err := service.SignIn(context.Background(), Identity{ID: " user-1 ", Email: " a@example.com "})
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if session.Role != RoleUnknown {
		t.Fatalf("role = %q, want unknown", session.Role)
	}
	if session.Identity.ID != "user-1" || session.Identity.Email != "a@example.com" {
		t.Fatalf("identity not normalized: %+v", session.Identity)
	}
	if session.ID == "" {
		t.Fatal("expected a session id")
	}
}

func TestResolveRolePrefersRoleRecord(t *testing.T) {
	store := newFakeStore()
	store.roleRecords["user-1"] = RoleRecord{UserID: "user-1", Role: RoleSubject}
	// Roster membership must not override the durable record.
	store.roster["user-1"] = RosterMember{UserID: "user-1", Email: "a@example.com"}
	service := NewService(store, fixedClock, sequentialIDs())

	session, err := service.SignIn(context.Background(), Identity{ID: "user-1", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	role, err := service.ResolveRole(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("resolve role: %v", err)
	}
	if role != RoleSubject {
		t.Fatalf("role = %q, want subject", role)
	}
}

func TestResolveRolePromotesRosterMember(t *testing.T) {
	store := newFakeStore()
	store.roster["roster-1"] = RosterMember{UserID: "other-id", Email: "a@example.com"}
	service := NewService(store, fixedClock, sequentialIDs())

	session, err := service.SignIn(context.Background(), Identity{ID: "user-1", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	role, err := service.ResolveRole(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("resolve role: %v", err)
	}
	if role != RoleReviewer {
		t.Fatalf("role = %q, want reviewer", role)
	}

	record, ok := store.roleRecords["user-1"]
	if !ok {
		t.Fatal("expected a durable role record after promotion")
	}
	if record.Role != RoleReviewer {
		t.Fatalf("record role = %q, want reviewer", record.Role)
	}

	// Resolving again reads the cached session role without another write.
	writes := store.putRoleCalls
	if _, err := service.ResolveRole(context.Background(), session.ID); err != nil {
		t.Fatalf("resolve role again: %v", err)
	}
	if store.putRoleCalls != writes {
		t.Fatalf("expected no additional writes, got %d", store.putRoleCalls-writes)
	}
}

func TestResolveRoleRequiresSelection(t *testing.T) {
	service := NewService(newFakeStore(), fixedClock, sequentialIDs())

	session, err := service.SignIn(context.Background(), Identity{ID: "user-1", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if _, err := service.ResolveRole(context.Background(), session.ID); !errors.Is(err, ErrRoleSelectionRequired) {
		t.Fatalf("expected ErrRoleSelectionRequired, got %v", err)
	}

	current, err := service.Session(session.ID)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if current.Role != RoleUnknown {
		t.Fatalf("role = %q, want unknown after failed resolution", current.Role)
	}
}

func TestResolveRoleIgnoresCorruptRoleRecord(t *testing.T) {
	store := newFakeStore()
	store.roleRecords["user-1"] = RoleRecord{UserID: "user-1", Role: Role("banana")}
	store.roster["user-1"] = RosterMember{UserID: "user-1", Email: "a@example.com"}
	service := NewService(store, fixedClock, sequentialIDs())

	session, err := service.SignIn(context.Background(), Identity{ID: "user-1", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	role, err := service.ResolveRole(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("resolve role: %v", err)
	}
	if role != RoleReviewer {
		t.Fatalf("role = %q, want reviewer via roster fallback", role)
	}
}

func TestResolveRoleDiscardsStaleSession(t *testing.T) {
	store := newFakeStore()
	store.roleRecords["user-1"] = RoleRecord{UserID: "user-1", Role: RoleSubject}
	service := NewService(store, fixedClock, sequentialIDs())

	session, err := service.SignIn(context.Background(), Identity{ID: "user-1", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}

	// The session ends while the store lookup is in flight; the late result
	// must be discarded instead of applied to dead session state.
	store.onGetRoleRecord = func() {
		store.onGetRoleRecord = nil
		if err := service.SignOut(session.ID); err != nil {
			t.Errorf("sign out: %v", err)
		}
	}
	if _, err := service.ResolveRole(context.Background(), session.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSetRolePersistsReviewerDualWrite(t *testing.T) {
	store := newFakeStore()
	service := NewService(store, fixedClock, sequentialIDs())

	session, err := service.SignIn(context.Background(), Identity{ID: "user-1", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	updated, err := service.SetRole(context.Background(), session.ID, RoleReviewer)
	if err != nil {
		t.Fatalf("set role: %v", err)
	}
	if updated.Role != RoleReviewer {
		t.Fatalf("role = %q, want reviewer", updated.Role)
	}
	if record := store.roleRecords["user-1"]; record.Role != RoleReviewer {
		t.Fatalf("record role = %q, want reviewer", record.Role)
	}
	if _, ok := store.roster["user-1"]; !ok {
		t.Fatal("expected roster membership after reviewer choice")
	}
}

func TestSetRoleSubjectSkipsRoster(t *testing.T) {
	store := newFakeStore()
	service := NewService(store, fixedClock, sequentialIDs())

	session, err := service.SignIn(context.Background(), Identity{ID: "user-1", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if _, err := service.SetRole(context.Background(), session.ID, RoleSubject); err != nil {
		t.Fatalf("set role: %v", err)
	}
	if len(store.roster) != 0 {
		t.Fatalf("roster len = %d, want 0", len(store.roster))
	}
}

func TestSetRoleRejectsConflictingRole(t *testing.T) {
	store := newFakeStore()
	service := NewService(store, fixedClock, sequentialIDs())

	session, err := service.SignIn(context.Background(), Identity{ID: "user-1", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if _, err := service.SetRole(context.Background(), session.ID, RoleSubject); err != nil {
		t.Fatalf("set role: %v", err)
	}
	if _, err := service.SetRole(context.Background(), session.ID, RoleReviewer); !errors.Is(err, ErrRoleAlreadySet) {
		t.Fatalf("expected ErrRoleAlreadySet, got %v", err)
	}

	// Repeating the same choice stays a no-op.
	if _, err := service.SetRole(context.Background(), session.ID, RoleSubject); err != nil {
		t.Fatalf("repeat same role: %v", err)
	}
}

func TestSetRoleRejectsUnknownRole(t *testing.T) {
	service := NewService(newFakeStore(), fixedClock, sequentialIDs())

	session, err := service.SignIn(context.Background(), Identity{ID: "user-1", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if _, err := service.SetRole(context.Background(), session.ID, RoleUnknown); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
}

func TestSignOutCancelsSessionContext(t *testing.T) {
	service := NewService(newFakeStore(), fixedClock, sequentialIDs())

	session, err := service.SignIn(context.Background(), Identity{ID: "user-1", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	sessionCtx, err := service.SessionContext(session.ID)
	if err != nil {
		t.Fatalf("session context: %v", err)
	}
	if sessionCtx.Err() != nil {
		t.Fatal("session context ended before sign-out")
	}

	if err := service.SignOut(session.ID); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	select {
	case <-sessionCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("session context not cancelled after sign-out")
	}

	if err := service.SignOut(session.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on double sign-out, got %v", err)
	}
}

func TestWatchDeliversLifecycleEvents(t *testing.T) {
	service := NewService(newFakeStore(), fixedClock, sequentialIDs())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := service.Watch(ctx)
	session, err := service.SignIn(context.Background(), Identity{ID: "user-1", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if _, err := service.SetRole(context.Background(), session.ID, RoleSubject); err != nil {
		t.Fatalf("set role: %v", err)
	}
	if err := service.SignOut(session.ID); err != nil {
		t.Fatalf("sign out: %v", err)
	}

	want := []EventType{EventSignedIn, EventRoleChanged, EventSignedOut}
	for _, expected := range want {
		select {
		case event := <-events:
			if event.Type != expected {
				t.Fatalf("event type = %q, want %q", event.Type, expected)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q event", expected)
		}
	}
}

func TestParseRole(t *testing.T) {
	cases := []struct {
		input   string
		want    Role
		wantErr bool
	}{
		{input: "subject", want: RoleSubject},
		{input: " Reviewer ", want: RoleReviewer},
		{input: "unknown", wantErr: true},
		{input: "", wantErr: true},
		{input: "admin", wantErr: true},
	}
	for _, tc := range cases {
		role, err := ParseRole(tc.input)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidRole) {
				t.Fatalf("ParseRole(%q) err = %v, want ErrInvalidRole", tc.input, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseRole(%q): %v", tc.input, err)
		}
		if role != tc.want {
			t.Fatalf("ParseRole(%q) = %q, want %q", tc.input, role, tc.want)
		}
	}
}
