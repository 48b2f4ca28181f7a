package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"

	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/config"
)

// slogFactory adapts slog to pion's LoggerFactory. Each pion subsystem gets a
// child logger tagged with its scope ("ice", "dtls", "pc", ...).
type slogFactory struct {
	logger *slog.Logger
}

func NewLoggerFactory(logger *slog.Logger) logging.LoggerFactory {
	return slogFactory{logger: logger}
}

func (f slogFactory) NewLogger(scope string) logging.LeveledLogger {
	return slogLeveled{logger: f.logger.With("component", "pion", "scope", scope)}
}

type slogLeveled struct {
	logger *slog.Logger
}

func (l slogLeveled) log(level slog.Level, msg string) {
	l.logger.Log(context.Background(), level, msg)
}

func (l slogLeveled) logf(level slog.Level, format string, args ...interface{}) {
	if !l.logger.Enabled(context.Background(), level) {
		return
	}
	l.logger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l slogLeveled) Trace(msg string) { l.log(config.LevelTrace, msg) }
func (l slogLeveled) Tracef(format string, args ...interface{}) {
	l.logf(config.LevelTrace, format, args...)
}
func (l slogLeveled) Debug(msg string) { l.log(slog.LevelDebug, msg) }
func (l slogLeveled) Debugf(format string, args ...interface{}) {
	l.logf(slog.LevelDebug, format, args...)
}
func (l slogLeveled) Info(msg string) { l.log(slog.LevelInfo, msg) }
func (l slogLeveled) Infof(format string, args ...interface{}) {
	l.logf(slog.LevelInfo, format, args...)
}
func (l slogLeveled) Warn(msg string) { l.log(slog.LevelWarn, msg) }
func (l slogLeveled) Warnf(format string, args ...interface{}) {
	l.logf(slog.LevelWarn, format, args...)
}
func (l slogLeveled) Error(msg string) { l.log(slog.LevelError, msg) }
func (l slogLeveled) Errorf(format string, args ...interface{}) {
	l.logf(slog.LevelError, format, args...)
}
