package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/bot"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/gemini"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/session"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/tools"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/webrtcpeer"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	args := os.Args[1:]
	if err := config.LoadDotEnv(config.EnvFileFromArgs(args)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	// Construct the WebRTC API early so misconfigurations are caught on startup.
	api, err := webrtcpeer.NewAPI(cfg, webrtcpeer.WithLogger(logger))
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	logger.Info("starting aero-webrtc-voice-bot",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"max_sessions", cfg.MaxSessions,
		"session_connect_timeout", cfg.SessionConnectTimeout,
		"ice_servers", len(cfg.ICE.Servers),
		"bot_enabled", cfg.BotEnabled(),
		"gemini_model", cfg.GeminiModel,
	)
	logStartupWarnings(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	registry := session.NewRegistry(session.Options{
		MaxSessions: cfg.MaxSessions,
		Metrics:     m,
		Logger:      logger,
	})
	go registry.RunJanitor(ctx, cfg.SessionConnectTimeout/2, cfg.SessionConnectTimeout)

	agent, err := newAgent(ctx, cfg, logger, m)
	if err != nil {
		logger.Error("failed to configure bot", "err", err)
		os.Exit(2)
	}
	supervisor := bot.NewSupervisor(bot.Options{
		Agent:   agent,
		Logger:  logger,
		Metrics: m,
		OnExit: func(id string, _ error) {
			_ = registry.Remove(id)
		},
	})

	authz, err := signaling.NewAuthAuthorizer(cfg)
	if err != nil {
		logger.Error("failed to configure signaling auth", "err", err)
		os.Exit(2)
	}
	sig := signaling.NewServer(signaling.Config{
		Registry:            registry,
		Supervisor:          supervisor,
		WebRTC:              api,
		ICEServers:          cfg.ICE.WebRTC(),
		ICEGatheringTimeout: cfg.ICEGatheringTimeout,
		Authorizer:          authz,
		OfferLimiter:        ratelimit.NewPerMinute(ratelimit.RealClock{}, cfg.MaxOffersPerMinute),
		Metrics:             m,
		Logger:              logger,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	sig.RegisterRoutes(srv.Mux())
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		closeSignaling(logger, sig, cfg)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	closeSignaling(logger, sig, cfg)

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// newAgent returns nil when GOOGLE_API_KEY is unset; sessions then connect
// without a bot.
func newAgent(ctx context.Context, cfg config.Config, logger *slog.Logger, m *metrics.Metrics) (bot.Agent, error) {
	if !cfg.BotEnabled() {
		return nil, nil
	}

	var searcher tools.Searcher
	if cfg.OpenAIAPIKey != "" {
		searcher = tools.NewOpenAISearcher(cfg.OpenAIAPIKey, cfg.WebSearchModel)
	}
	registry := tools.NewRegistry(logger, m, tools.NewWebSearch(searcher, cfg.WebSearchTimeout, logger, m))

	agent, err := gemini.NewAgent(ctx, gemini.Options{
		APIKey:   cfg.GoogleAPIKey,
		Model:    cfg.GeminiModel,
		Voice:    cfg.GeminiVoice,
		ChildAge: cfg.ChildAge,
		Tools:    registry,
		Logger:   logger,
		Metrics:  m,
	})
	if err != nil {
		return nil, err
	}
	return agent, nil
}

func closeSignaling(logger *slog.Logger, sig *signaling.Server, cfg config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := sig.Close(ctx); err != nil {
		logger.Warn("signaling shutdown incomplete", "err", err)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info, which
	// is populated for `go run` and dev builds.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
