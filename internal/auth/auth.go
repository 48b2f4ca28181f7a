package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/config"
)

type Verifier interface {
	Verify(credential string) error
}

// allowAll is used for AUTH_MODE=none.
type allowAll struct{}

func (allowAll) Verify(string) error { return nil }

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return allowAll{}, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

var ErrMissingCredentials = errors.New("missing credentials")

// CredentialFromRequest extracts the signaling credential. The X-API-Key
// header wins over "Authorization: Bearer", which wins over ?apiKey=.
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
			return v, nil
		}
		if v := r.Header.Get("Authorization"); v != "" {
			scheme, token, ok := strings.Cut(v, " ")
			if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(token) != "" {
				return strings.TrimSpace(token), nil
			}
		}
		if v := r.URL.Query().Get("apiKey"); v != "" {
			return v, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}
