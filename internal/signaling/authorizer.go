package signaling

import (
	"errors"
	"net/http"

	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/config"
)

type Authorizer interface {
	Authorize(r *http.Request) error
}

type AllowAllAuthorizer struct{}

func (AllowAllAuthorizer) Authorize(*http.Request) error { return nil }

// AuthAuthorizer enforces AUTH_MODE=none|api_key on the signaling endpoints.
// Credentials come from headers (preferred) or the query string.
type AuthAuthorizer struct {
	mode     config.AuthMode
	verifier auth.Verifier
}

func NewAuthAuthorizer(cfg config.Config) (AuthAuthorizer, error) {
	v, err := auth.NewVerifier(cfg)
	if err != nil {
		return AuthAuthorizer{}, err
	}
	return AuthAuthorizer{mode: cfg.AuthMode, verifier: v}, nil
}

func (a AuthAuthorizer) Authorize(r *http.Request) error {
	if a.mode == config.AuthModeNone {
		return nil
	}
	if a.verifier == nil {
		return errors.New("auth verifier not configured")
	}
	cred, err := auth.CredentialFromRequest(a.mode, r)
	if err != nil {
		return err
	}
	return a.verifier.Verify(cred)
}

// IsUnauthorized reports whether err is a credential failure rather than a
// server misconfiguration.
func IsUnauthorized(err error) bool {
	return errors.Is(err, auth.ErrMissingCredentials) || errors.Is(err, auth.ErrInvalidCredentials)
}
