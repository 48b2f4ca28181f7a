package session

import "errors"

var (
	ErrUnknownSession    = errors.New("unknown session")
	ErrTooManySessions   = errors.New("too many sessions")
	ErrSuperseded        = errors.New("negotiation superseded by a newer offer")
	ErrSessionClosed     = errors.New("session closed")
	ErrCandidateRejected = errors.New("ice candidate rejected")
)
