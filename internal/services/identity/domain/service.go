package domain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lumascan/lumascan/internal/platform/id"
)

// ErrStoreNotConfigured indicates the service is missing persistence wiring.
var ErrStoreNotConfigured = errors.New("identity store is not configured")

// EventType classifies session lifecycle notifications.
type EventType string

const (
	// EventSignedIn is emitted when a session is created.
	EventSignedIn EventType = "signed_in"
	// EventSignedOut is emitted when a session ends.
	EventSignedOut EventType = "signed_out"
	// EventRoleChanged is emitted when a session's role leaves unknown.
	EventRoleChanged EventType = "role_changed"
)

// Event is one session lifecycle notification.
type Event struct {
	Type    EventType
	Session Session
}

type liveSession struct {
	session Session
	ctx     context.Context
	cancel  context.CancelFunc
}

// Service resolves roles for live sessions and tracks session lifecycle.
//
// Role resolution follows a strict priority: durable role record first, then
// reviewer roster membership, then a role-selection prompt. Resolutions that
// finish after their session ended discard their result instead of mutating
// stale session state.
type Service struct {
	store Store
	clock func() time.Time
	newID func() (string, error)

	mu          sync.Mutex
	sessions    map[string]*liveSession
	watchers    map[int]chan Event
	nextWatcher int
}

// NewService constructs identity domain use-cases.
func NewService(store Store, clock func() time.Time, newID func() (string, error)) *Service {
	if clock == nil {
		clock = time.Now
	}
	if newID == nil {
		newID = id.NewID
	}
	return &Service{
		store:    store,
		clock:    clock,
		newID:    newID,
		sessions: make(map[string]*liveSession),
		watchers: make(map[int]chan Event),
	}
}

// SignIn registers a live session for an authenticated identity. The role
// starts unknown until ResolveRole or SetRole determines it.
func (s *Service) SignIn(ctx context.Context, identity Identity) (Session, error) {
	if s == nil || s.store == nil {
		return Session{}, ErrStoreNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	identity, err := identity.Normalize()
	if err != nil {
		return Session{}, err
	}

	sessionID, err := s.newID()
	if err != nil {
		return Session{}, fmt.Errorf("generate session id: %w", err)
	}

	session := Session{
		ID:        sessionID,
		Identity:  identity,
		Role:      RoleUnknown,
		CreatedAt: s.clock().UTC(),
	}
	sessionCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.sessions[sessionID] = &liveSession{session: session, ctx: sessionCtx, cancel: cancel}
	s.mu.Unlock()

	s.emit(Event{Type: EventSignedIn, Session: session})
	return session, nil
}

// SignOut ends a live session and cancels all work bound to it.
func (s *Service) SignOut(sessionID string) error {
	if s == nil {
		return ErrSessionNotFound
	}
	s.mu.Lock()
	ls, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	ls.cancel()
	s.emit(Event{Type: EventSignedOut, Session: ls.session})
	return nil
}

// Session returns a snapshot of one live session.
func (s *Service) Session(sessionID string) (Session, error) {
	if s == nil {
		return Session{}, ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return ls.session, nil
}

// SessionContext returns a context that ends when the session signs out.
// Work scoped to a session (live views, pending writes) derives from it.
func (s *Service) SessionContext(sessionID string) (context.Context, error) {
	if s == nil {
		return nil, ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return ls.ctx, nil
}

// ResolveRole determines the session's role. Priority order: an existing
// durable role record wins; otherwise reviewer roster membership promotes the
// identity to reviewer with an idempotent role record upsert; otherwise the
// role stays unknown and ErrRoleSelectionRequired asks for a prompt.
func (s *Service) ResolveRole(ctx context.Context, sessionID string) (Role, error) {
	if s == nil || s.store == nil {
		return RoleUnknown, ErrStoreNotConfigured
	}
	s.mu.Lock()
	ls, ok := s.sessions[sessionID]
	var snapshot Session
	if ok {
		snapshot = ls.session
	}
	s.mu.Unlock()
	if !ok {
		return RoleUnknown, ErrSessionNotFound
	}
	if snapshot.Role != RoleUnknown {
		return snapshot.Role, nil
	}

	role, err := s.lookupRole(ctx, snapshot.Identity)
	if err != nil {
		return RoleUnknown, err
	}

	applied, err := s.applyRole(sessionID, ls, role)
	if err != nil {
		return RoleUnknown, err
	}
	return applied, nil
}

// SetRole persists an explicit role choice for the session's identity. A
// reviewer choice also appends the identity to the reviewer roster; roster
// creation on absence is handled by the store and is not an error.
func (s *Service) SetRole(ctx context.Context, sessionID string, role Role) (Session, error) {
	if s == nil || s.store == nil {
		return Session{}, ErrStoreNotConfigured
	}
	if role != RoleSubject && role != RoleReviewer {
		return Session{}, ErrInvalidRole
	}

	s.mu.Lock()
	ls, ok := s.sessions[sessionID]
	var snapshot Session
	if ok {
		snapshot = ls.session
	}
	s.mu.Unlock()
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if snapshot.Role != RoleUnknown && snapshot.Role != role {
		return Session{}, ErrRoleAlreadySet
	}

	now := s.clock().UTC()
	if err := s.store.PutRoleRecord(ctx, RoleRecord{
		UserID:    snapshot.Identity.ID,
		Email:     snapshot.Identity.Email,
		Role:      role,
		UpdatedAt: now,
	}); err != nil {
		return Session{}, fmt.Errorf("persist role record: %w", err)
	}
	if role == RoleReviewer {
		if err := s.store.AddRosterMember(ctx, RosterMember{
			UserID:    snapshot.Identity.ID,
			Email:     snapshot.Identity.Email,
			CreatedAt: now,
		}); err != nil {
			return Session{}, fmt.Errorf("append reviewer roster: %w", err)
		}
	}

	if _, err := s.applyRole(sessionID, ls, role); err != nil {
		return Session{}, err
	}
	return s.Session(sessionID)
}

// Watch delivers session lifecycle events until ctx ends. Delivery is
// best-effort; a slow consumer drops events rather than blocking sign-out.
func (s *Service) Watch(ctx context.Context) <-chan Event {
	events := make(chan Event, 16)
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	key := s.nextWatcher
	s.nextWatcher++
	s.watchers[key] = events
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if current, ok := s.watchers[key]; ok && current == events {
			delete(s.watchers, key)
			close(events)
		}
		s.mu.Unlock()
	}()

	return events
}

func (s *Service) lookupRole(ctx context.Context, identity Identity) (Role, error) {
	record, err := s.store.GetRoleRecord(ctx, identity.ID)
	switch {
	case err == nil:
		if record.Role == RoleSubject || record.Role == RoleReviewer {
			return record.Role, nil
		}
		// Empty or corrupt role record falls through to the roster check.
	case !errors.Is(err, ErrRoleRecordNotFound):
		return RoleUnknown, fmt.Errorf("load role record: %w", err)
	}

	member, err := s.store.IsRosterMember(ctx, identity.ID, identity.Email)
	if err != nil {
		return RoleUnknown, fmt.Errorf("check reviewer roster: %w", err)
	}
	if !member {
		return RoleUnknown, ErrRoleSelectionRequired
	}

	if err := s.store.PutRoleRecord(ctx, RoleRecord{
		UserID:    identity.ID,
		Email:     identity.Email,
		Role:      RoleReviewer,
		UpdatedAt: s.clock().UTC(),
	}); err != nil {
		return RoleUnknown, fmt.Errorf("persist reviewer role record: %w", err)
	}
	return RoleReviewer, nil
}

// applyRole commits a resolved role to the live session. The session must
// still be registered and alive; a resolution that lost this race discards
// its result. A role already set to the same value is a no-op.
func (s *Service) applyRole(sessionID string, ls *liveSession, role Role) (Role, error) {
	if ls.ctx.Err() != nil {
		return RoleUnknown, ErrSessionNotFound
	}

	s.mu.Lock()
	current, ok := s.sessions[sessionID]
	if !ok || current != ls {
		s.mu.Unlock()
		return RoleUnknown, ErrSessionNotFound
	}
	if current.session.Role != RoleUnknown {
		existing := current.session.Role
		s.mu.Unlock()
		if existing != role {
			return RoleUnknown, ErrRoleAlreadySet
		}
		return existing, nil
	}
	current.session.Role = role
	snapshot := current.session
	s.mu.Unlock()

	s.emit(Event{Type: EventRoleChanged, Session: snapshot})
	return role, nil
}

func (s *Service) emit(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, watcher := range s.watchers {
		select {
		case watcher <- event:
		default:
		}
	}
}
