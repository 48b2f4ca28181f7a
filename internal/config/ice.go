package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envStunURL       = "STUN_URL"
	envTurnServerURL = "TURN_SERVER_URL"
	envTurnUsername  = "TURN_USERNAME"
	envTurnPassword  = "TURN_PASSWORD"
)

const DefaultSTUNURL = "stun:stun.l.google.com:19302"

// ICEServer is the browser (RTCIceServer) shape served by GET /api/config.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ICEConfig is built once at startup and shared by the config endpoint and
// the server-side peer connections.
type ICEConfig struct {
	Servers []ICEServer
	// PartialTURN is set when some but not all TURN variables were provided.
	// The TURN entry is omitted in that case.
	PartialTURN bool
}

// NewICEConfig returns STUN first, followed by TURN only when url, username
// and password are all non-empty.
func NewICEConfig(stunURL, turnURL, turnUsername, turnPassword string) (ICEConfig, error) {
	stunURL = strings.TrimSpace(stunURL)
	turnURL = strings.TrimSpace(turnURL)
	turnUsername = strings.TrimSpace(turnUsername)

	var cfg ICEConfig
	if stunURL != "" {
		server := ICEServer{URLs: []string{stunURL}}
		if err := validateICEServer(server); err != nil {
			return ICEConfig{}, fmt.Errorf("%s: %w", envStunURL, err)
		}
		cfg.Servers = append(cfg.Servers, server)
	}

	set := 0
	for _, v := range []string{turnURL, turnUsername, turnPassword} {
		if strings.TrimSpace(v) != "" {
			set++
		}
	}
	switch set {
	case 0:
	case 3:
		server := ICEServer{
			URLs:       []string{turnURL},
			Username:   turnUsername,
			Credential: turnPassword,
		}
		if err := validateICEServer(server); err != nil {
			return ICEConfig{}, fmt.Errorf("%s: %w", envTurnServerURL, err)
		}
		cfg.Servers = append(cfg.Servers, server)
	default:
		cfg.PartialTURN = true
	}
	return cfg, nil
}

// Browser returns a copy of the server list safe to hand to callers.
func (c ICEConfig) Browser() []ICEServer {
	out := make([]ICEServer, 0, len(c.Servers))
	for _, s := range c.Servers {
		out = append(out, ICEServer{
			URLs:       append([]string(nil), s.URLs...),
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

// WebRTC converts the list to pion's form for server-side peer connections.
func (c ICEConfig) WebRTC() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.Servers))
	for _, s := range c.Servers {
		server := webrtc.ICEServer{
			URLs:     append([]string(nil), s.URLs...),
			Username: s.Username,
		}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		out = append(out, server)
	}
	return out
}

func validateICEServer(server ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	requiresTurnCreds := false
	for _, raw := range server.URLs {
		url := strings.TrimSpace(raw)
		if url == "" {
			return errors.New("urls must not contain empty entries")
		}
		if !isAllowedICEScheme(url) {
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			requiresTurnCreds = true
		}
	}

	if requiresTurnCreds {
		if strings.TrimSpace(server.Username) == "" {
			return errors.New("turn urls require username")
		}
		if strings.TrimSpace(server.Credential) == "" {
			return errors.New("turn urls require credential")
		}
	}

	return nil
}

func isAllowedICEScheme(url string) bool {
	switch {
	case strings.HasPrefix(url, "stun:"),
		strings.HasPrefix(url, "stuns:"),
		strings.HasPrefix(url, "turn:"),
		strings.HasPrefix(url, "turns:"):
		return true
	default:
		return false
	}
}
