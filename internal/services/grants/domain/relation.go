package domain

import "time"

// Grant is one edge of the authorization relation: the subject allows the
// reviewer to see their records. The relation is append-only; adding the same
// edge twice is a no-op, so concurrent accepts never lose updates.
type Grant struct {
	SubjectID    string
	SubjectEmail string
	ReviewerID   string
	CreatedAt    time.Time
}

// Subject identifies one record owner currently authorizing a reviewer.
type Subject struct {
	ID    string
	Email string
}

// RequestsUpdate is one delivered snapshot of a target's incoming requests.
type RequestsUpdate struct {
	Requests []AccessGrantRequest
	Err      error
}

// RosterUpdate is one delivered snapshot of the subjects authorizing a
// reviewer.
type RosterUpdate struct {
	Subjects []Subject
	Err      error
}
