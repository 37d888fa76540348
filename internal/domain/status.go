package domain

// Status is the lifecycle state shared by pipeline runs and image builds.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusStarted Status = "STARTED"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusAborted Status = "ABORTED"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusAborted:
		return true
	}
	return false
}

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusStarted, StatusSuccess, StatusFailure, StatusAborted:
		return true
	}
	return false
}

// CanAdvanceTo enforces monotonic transitions: a terminal state is never
// left, PENDING precedes STARTED, and any non-terminal state may reach a
// terminal one. Replaying the current state is allowed so that status
// updates stay idempotent.
func (s Status) CanAdvanceTo(next Status) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	if next == StatusPending {
		return false
	}
	if s == StatusPending || next.Terminal() {
		return true
	}
	return false
}
