package signaling

import (
	"errors"
	"net/http"

	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/session"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrNegotiation    = errors.New("negotiation failed")

	errRateLimited  = errors.New("too many offers, slow down")
	errUnauthorized = errors.New("unauthorized")
)

// errorStatus maps an error to its HTTP status and stable error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, session.ErrCandidateRejected):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, session.ErrUnknownSession), errors.Is(err, session.ErrSessionClosed):
		return http.StatusNotFound, "unknown_session"
	case errors.Is(err, session.ErrSuperseded):
		return http.StatusConflict, "superseded"
	case errors.Is(err, session.ErrTooManySessions):
		return http.StatusServiceUnavailable, "too_many_sessions"
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, ErrNegotiation):
		return http.StatusInternalServerError, "negotiation_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
