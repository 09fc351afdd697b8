package collab

import "errors"

var (
	// ErrSessionNotFound reports an operation against a session that is not
	// in the directory.
	ErrSessionNotFound = errors.New("collab: session not found")

	// ErrParticipantNotFound reports a presence update or leave for a user
	// the session does not know.
	ErrParticipantNotFound = errors.New("collab: participant not found")

	// ErrSessionClosed reports an operation that raced session eviction.
	ErrSessionClosed = errors.New("collab: session closed")
)
