package broker

import "errors"

// Sentinel errors surfaced by every broker operation. Callers should use
// errors.Is against these rather than matching on string content.
var (
	// ErrNotFound is returned when a session id does not resolve to a live
	// session, or resolves to one already marked dead.
	ErrNotFound = errors.New("broker: session not found")

	// ErrForbidden is returned when the caller does not own the session.
	ErrForbidden = errors.New("broker: forbidden")

	// ErrCapacityExceeded is returned by CreateSession when the caller's
	// user already holds MAX_SESSIONS_PER_USER non-dead sessions.
	ErrCapacityExceeded = errors.New("broker: capacity exceeded")

	// ErrConflict is returned when CreateSession is given an explicit
	// session id that is already in use.
	ErrConflict = errors.New("broker: session id already in use")

	// ErrUnavailable wraps a failure in an underlying collaborator (PTY
	// spawn, container runtime exec attach).
	ErrUnavailable = errors.New("broker: underlying runtime unavailable")
)
