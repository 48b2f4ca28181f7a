package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envVarHost                = "HOST"
	envVarPort                = "PORT"
	envVarMode                = "AERO_VOICE_BOT_MODE"
	envVarLogFormat           = "AERO_VOICE_BOT_LOG_FORMAT"
	envVarLogLevel            = "AERO_VOICE_BOT_LOG_LEVEL"
	envVarShutdownTimeout     = "AERO_VOICE_BOT_SHUTDOWN_TIMEOUT"
	envVarICEGatheringTimeout = "AERO_VOICE_BOT_ICE_GATHERING_TIMEOUT"
	envVarAllowedOrigins      = "ALLOWED_ORIGINS"
	envVarStaticDir           = "STATIC_DIR"

	// Session lifecycle knobs.
	envVarSessionConnectTimeout = "SESSION_CONNECT_TIMEOUT"
	envVarMaxSessions           = "MAX_SESSIONS"
	envVarMaxOffersPerMinute    = "MAX_OFFERS_PER_MINUTE"

	// Signaling auth.
	envVarAuthMode = "AUTH_MODE"
	envVarAPIKey   = "API_KEY"

	// Bot / LLM.
	envVarGoogleAPIKey     = "GOOGLE_API_KEY"
	envVarGeminiModel      = "GEMINI_MODEL"
	envVarGeminiVoice      = "GEMINI_VOICE"
	envVarChildAge         = "CHILD_AGE"
	envVarOpenAIAPIKey     = "OPENAI_API_KEY"
	envVarWebSearchModel   = "WEB_SEARCH_MODEL"
	envVarWebSearchTimeout = "WEB_SEARCH_TIMEOUT"

	envVarWebRTCUDPPortMin             = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
)

const (
	DefaultHost                       = "localhost"
	DefaultPort                       = 7860
	DefaultShutdown                   = 15 * time.Second
	DefaultICEGatherTimeout           = 2 * time.Second
	DefaultSessionConnectTimeout      = 30 * time.Second
	DefaultMaxOffersPerMinute         = 30
	DefaultAllowedOrigins             = "*"
	DefaultStaticDir                  = "."
	DefaultEnvFile                    = ".env"
	DefaultMode                  Mode = ModeDev
	DefaultAuthMode                   = AuthModeNone

	DefaultGeminiModel      = "gemini-2.0-flash-live-001"
	DefaultGeminiVoice      = "Puck"
	DefaultChildAge         = 7
	DefaultWebSearchModel   = "gpt-4o"
	DefaultWebSearchTimeout = 30 * time.Second
)

// LevelTrace sits below slog.LevelDebug and is enabled by -vv.
const LevelTrace = slog.LevelDebug - 4

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type Config struct {
	Host                string
	Port                int
	ListenAddr          string
	Mode                Mode
	LogFormat           LogFormat
	LogLevel            slog.Level
	Verbosity           int
	ShutdownTimeout     time.Duration
	ICEGatheringTimeout time.Duration
	AllowedOrigins      []string
	StaticDir           string

	SessionConnectTimeout time.Duration
	// MaxSessions caps concurrently registered sessions. 0 means unlimited.
	MaxSessions        int
	MaxOffersPerMinute int

	AuthMode AuthMode
	APIKey   string

	ICE ICEConfig

	GoogleAPIKey     string
	GeminiModel      string
	GeminiVoice      string
	ChildAge         int
	OpenAIAPIKey     string
	WebSearchModel   string
	WebSearchTimeout time.Duration

	WebRTCUDPPortRange           *UDPPortRange
	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType
}

// BotEnabled reports whether the Gemini agent has credentials.
func (c Config) BotEnabled() bool {
	return strings.TrimSpace(c.GoogleAPIKey) != ""
}

// LoadDotEnv reads KEY=VALUE pairs from path into the process environment,
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Overload(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// EnvFileFromArgs returns the value of --env-file (or -env-file) without
// parsing the rest of the command line, so the file can be loaded before
// flag defaults are computed from the environment.
func EnvFileFromArgs(args []string) string {
	for i, arg := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "env-file" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return DefaultEnvFile
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault := envOrDefault(lookup, envVarMode, string(DefaultMode))

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	host := envOrDefault(lookup, envVarHost, DefaultHost)
	port, err := envIntOrDefault(lookup, envVarPort, DefaultPort)
	if err != nil {
		return Config{}, err
	}
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, DefaultAllowedOrigins)
	staticDir := envOrDefault(lookup, envVarStaticDir, DefaultStaticDir)

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	iceGatherTimeout, err := envDurationOrDefault(lookup, envVarICEGatheringTimeout, DefaultICEGatherTimeout)
	if err != nil {
		return Config{}, err
	}
	sessionConnectTimeout, err := envDurationOrDefault(lookup, envVarSessionConnectTimeout, DefaultSessionConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	maxSessions, err := envIntOrDefault(lookup, envVarMaxSessions, 0)
	if err != nil {
		return Config{}, err
	}
	maxOffersPerMinute, err := envIntOrDefault(lookup, envVarMaxOffersPerMinute, DefaultMaxOffersPerMinute)
	if err != nil {
		return Config{}, err
	}

	authModeDefault := envOrDefault(lookup, envVarAuthMode, string(DefaultAuthMode))
	apiKey := envOrDefault(lookup, envVarAPIKey, "")

	stunURL := envOrDefault(lookup, envStunURL, DefaultSTUNURL)
	turnURL := envOrDefault(lookup, envTurnServerURL, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnPassword := envOrDefault(lookup, envTurnPassword, "")

	googleAPIKey := envOrDefault(lookup, envVarGoogleAPIKey, "")
	geminiModel := envOrDefault(lookup, envVarGeminiModel, DefaultGeminiModel)
	geminiVoice := envOrDefault(lookup, envVarGeminiVoice, DefaultGeminiVoice)
	childAge, err := envIntOrDefault(lookup, envVarChildAge, DefaultChildAge)
	if err != nil {
		return Config{}, err
	}
	openAIAPIKey := envOrDefault(lookup, envVarOpenAIAPIKey, "")
	webSearchModel := envOrDefault(lookup, envVarWebSearchModel, DefaultWebSearchModel)
	webSearchTimeout, err := envDurationOrDefault(lookup, envVarWebSearchTimeout, DefaultWebSearchTimeout)
	if err != nil {
		return Config{}, err
	}

	var webrtcUDPPortMin uint
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		webrtcUDPPortMin = uint(p)
	}
	var webrtcUDPPortMax uint
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		webrtcUDPPortMax = uint(p)
	}
	webrtcNAT1To1IPsStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")
	webrtcNAT1To1CandidateTypeStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))

	fs := flag.NewFlagSet("aero-webrtc-voice-bot", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
		authModeStr  string
		envFile      string
		verbosity    countFlag
	)

	fs.StringVar(&host, "host", host, "Host for the HTTP server (env "+envVarHost+")")
	fs.IntVar(&port, "port", port, "Port for the HTTP server (env "+envVarPort+")")
	fs.Var(&verbosity, "v", "Increase log verbosity (repeatable: -v debug, -vv trace)")
	fs.StringVar(&envFile, "env-file", DefaultEnvFile, "Path of a .env file loaded before configuration is read")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: trace, debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.DurationVar(&iceGatherTimeout, "ice-gather-timeout", iceGatherTimeout, "Max time to wait for server-side ICE gathering before answering an offer (e.g. 2s)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins, or * (env "+envVarAllowedOrigins+")")
	fs.StringVar(&staticDir, "static-dir", staticDir, "Directory containing index.html (env "+envVarStaticDir+")")

	fs.DurationVar(&sessionConnectTimeout, "session-connect-timeout", sessionConnectTimeout, "Evict sessions that do not connect within this duration (env "+envVarSessionConnectTimeout+")")
	fs.IntVar(&maxSessions, "max-sessions", maxSessions, "Max concurrent sessions, 0 = unlimited (env "+envVarMaxSessions+")")
	fs.IntVar(&maxOffersPerMinute, "max-offers-per-minute", maxOffersPerMinute, "Max offers per client IP per minute, 0 = unlimited (env "+envVarMaxOffersPerMinute+")")

	fs.StringVar(&authModeStr, "auth-mode", authModeDefault, "Signaling auth mode: none or api_key (env "+envVarAuthMode+")")
	fs.StringVar(&apiKey, "api-key", apiKey, "API key required by signaling when --auth-mode=api_key (env "+envVarAPIKey+")")

	fs.StringVar(&stunURL, "stun-url", stunURL, "STUN server URL (env "+envStunURL+")")
	fs.StringVar(&turnURL, "turn-server-url", turnURL, "TURN server URL (env "+envTurnServerURL+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&turnPassword, "turn-password", turnPassword, "TURN password (env "+envTurnPassword+")")

	fs.StringVar(&googleAPIKey, "google-api-key", googleAPIKey, "Gemini API key (env "+envVarGoogleAPIKey+")")
	fs.StringVar(&geminiModel, "gemini-model", geminiModel, "Gemini Live model (env "+envVarGeminiModel+")")
	fs.StringVar(&geminiVoice, "gemini-voice", geminiVoice, "Gemini prebuilt voice name (env "+envVarGeminiVoice+")")
	fs.IntVar(&childAge, "child-age", childAge, "Age of the child the assistant talks to (env "+envVarChildAge+")")
	fs.StringVar(&openAIAPIKey, "openai-api-key", openAIAPIKey, "OpenAI API key used by web_search (env "+envVarOpenAIAPIKey+")")
	fs.StringVar(&webSearchModel, "web-search-model", webSearchModel, "OpenAI model used by web_search (env "+envVarWebSearchModel+")")
	fs.DurationVar(&webSearchTimeout, "web-search-timeout", webSearchTimeout, "Timeout for one web_search call (env "+envVarWebSearchTimeout+")")

	fs.UintVar(&webrtcUDPPortMin, "webrtc-udp-port-min", webrtcUDPPortMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&webrtcUDPPortMax, "webrtc-udp-port-max", webrtcUDPPortMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&webrtcNAT1To1IPsStr, "webrtc-nat-1to1-ips", webrtcNAT1To1IPsStr, "Comma-separated public IPs advertised for ICE (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&webrtcNAT1To1CandidateTypeStr, "webrtc-nat-1to1-ip-candidate-type", webrtcNAT1To1CandidateTypeStr, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	level = applyVerbosity(level, int(verbosity))

	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(host) == "" {
		return Config{}, fmt.Errorf("%s/--host must not be empty", envVarHost)
	}
	if port <= 0 || port > 65535 {
		return Config{}, fmt.Errorf("%s/--port must be in 1-65535", envVarPort)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if iceGatherTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ice-gather-timeout must be > 0", envVarICEGatheringTimeout)
	}
	if sessionConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--session-connect-timeout must be > 0", envVarSessionConnectTimeout)
	}
	if maxSessions < 0 {
		return Config{}, fmt.Errorf("%s/--max-sessions must be >= 0", envVarMaxSessions)
	}
	if maxOffersPerMinute < 0 {
		return Config{}, fmt.Errorf("%s/--max-offers-per-minute must be >= 0", envVarMaxOffersPerMinute)
	}
	if childAge <= 0 {
		return Config{}, fmt.Errorf("%s/--child-age must be > 0", envVarChildAge)
	}
	if webSearchTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--web-search-timeout must be > 0", envVarWebSearchTimeout)
	}
	if authMode == AuthModeAPIKey && strings.TrimSpace(apiKey) == "" {
		return Config{}, fmt.Errorf("%s/--api-key is required when %s=%s", envVarAPIKey, envVarAuthMode, AuthModeAPIKey)
	}

	allowedOrigins := splitCommaSeparated(allowedOriginsStr)
	if len(allowedOrigins) == 0 {
		return Config{}, fmt.Errorf("%s/--allowed-origins must not be empty", envVarAllowedOrigins)
	}

	var portRange *UDPPortRange
	if (webrtcUDPPortMin == 0) != (webrtcUDPPortMax == 0) {
		return Config{}, fmt.Errorf("%s and %s must be set together (or both unset)", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
	}
	if webrtcUDPPortMin != 0 {
		minPort, err := parsePortUint(webrtcUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("%s/--webrtc-udp-port-min: %w", envVarWebRTCUDPPortMin, err)
		}
		maxPort, err := parsePortUint(webrtcUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("%s/--webrtc-udp-port-max: %w", envVarWebRTCUDPPortMax, err)
		}
		if minPort > maxPort {
			return Config{}, fmt.Errorf("%s must be <= %s", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
		}
		portRange = &UDPPortRange{Min: minPort, Max: maxPort}
	}

	var nat1To1IPs []string
	if strings.TrimSpace(webrtcNAT1To1IPsStr) != "" {
		nat1To1IPs, err = parseIPList(webrtcNAT1To1IPsStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/--webrtc-nat-1to1-ips: %w", envVarWebRTCNAT1To1IPs, err)
		}
	}
	candidateType, err := parseCandidateType(webrtcNAT1To1CandidateTypeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envVarWebRTCNAT1To1IPCandidateType, err)
	}

	ice, err := NewICEConfig(stunURL, turnURL, turnUsername, turnPassword)
	if err != nil {
		return Config{}, err
	}

	return Config{
		Host:                host,
		Port:                port,
		ListenAddr:          net.JoinHostPort(host, strconv.Itoa(port)),
		Mode:                mode,
		LogFormat:           logFormat,
		LogLevel:            level,
		Verbosity:           int(verbosity),
		ShutdownTimeout:     shutdownTimeout,
		ICEGatheringTimeout: iceGatherTimeout,
		AllowedOrigins:      allowedOrigins,
		StaticDir:           staticDir,

		SessionConnectTimeout: sessionConnectTimeout,
		MaxSessions:           maxSessions,
		MaxOffersPerMinute:    maxOffersPerMinute,

		AuthMode: authMode,
		APIKey:   apiKey,

		ICE: ice,

		GoogleAPIKey:     googleAPIKey,
		GeminiModel:      geminiModel,
		GeminiVoice:      geminiVoice,
		ChildAge:         childAge,
		OpenAIAPIKey:     openAIAPIKey,
		WebSearchModel:   webSearchModel,
		WebSearchTimeout: webSearchTimeout,

		WebRTCUDPPortRange:           portRange,
		WebRTCNAT1To1IPs:             nat1To1IPs,
		WebRTCNAT1To1IPCandidateType: candidateType,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl <= LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

// countFlag counts repeated boolean occurrences, e.g. -v -v.
type countFlag int

func (c *countFlag) String() string   { return strconv.Itoa(int(*c)) }
func (c *countFlag) IsBoolFlag() bool { return true }

func (c *countFlag) Set(raw string) error {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "true":
		*c++
	case "false":
		*c = 0
	default:
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid verbosity %q", raw)
		}
		*c = countFlag(n)
	}
	return nil
}

func applyVerbosity(level slog.Level, verbosity int) slog.Level {
	switch {
	case verbosity >= 2:
		return LevelTrace
	case verbosity == 1 && level > slog.LevelDebug:
		return slog.LevelDebug
	default:
		return level
	}
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected trace, debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey), "apikey":
		return AuthModeAPIKey, nil
	default:
		return "", fmt.Errorf("invalid auth mode %q (expected none or api_key)", raw)
	}
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}

func splitCommaSeparated(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
