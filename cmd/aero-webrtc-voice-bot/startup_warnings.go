package main

import (
	"log/slog"
	"slices"

	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.ICE.PartialTURN {
		logger.Warn("startup warning: TURN_SERVER_URL, TURN_USERNAME and TURN_PASSWORD must all be set; TURN is disabled",
			"warning_code", "turn_partial_config",
			"mode", cfg.Mode,
		)
	}

	if !cfg.BotEnabled() {
		logger.Warn("startup warning: GOOGLE_API_KEY is unset; sessions will connect without a bot",
			"warning_code", "bot_disabled",
			"mode", cfg.Mode,
		)
	} else if cfg.OpenAIAPIKey == "" {
		logger.Warn("startup warning: OPENAI_API_KEY is unset; web_search calls will fail",
			"warning_code", "web_search_disabled",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode != config.ModeProd {
		return
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none disables authentication while --mode=prod",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSessions <= 0 {
		logger.Warn("startup security warning: MAX_SESSIONS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_sessions_unlimited_in_prod",
			"max_sessions", cfg.MaxSessions,
			"mode", cfg.Mode,
		)
	}
}
