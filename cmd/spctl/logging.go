package main

import (
	"io"
	"strings"

	"github.com/pion/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapLoggerFactory hands the library packages pion loggers that write
// through one zap logger, named after each package's scope.
type zapLoggerFactory struct {
	base *zap.Logger
}

func (f *zapLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &zapLeveledLogger{s: f.base.Named(scope).Sugar()}
}

var _ logging.LoggerFactory = (*zapLoggerFactory)(nil)

// zapLeveledLogger maps pion's levels onto zap. zap has no trace level;
// trace goes to debug.
type zapLeveledLogger struct {
	s *zap.SugaredLogger
}

func (l *zapLeveledLogger) Trace(msg string)                  { l.s.Debug(msg) }
func (l *zapLeveledLogger) Tracef(format string, args ...any) { l.s.Debugf(format, args...) }
func (l *zapLeveledLogger) Debug(msg string)                  { l.s.Debug(msg) }
func (l *zapLeveledLogger) Debugf(format string, args ...any) { l.s.Debugf(format, args...) }
func (l *zapLeveledLogger) Info(msg string)                   { l.s.Info(msg) }
func (l *zapLeveledLogger) Infof(format string, args ...any)  { l.s.Infof(format, args...) }
func (l *zapLeveledLogger) Warn(msg string)                   { l.s.Warn(msg) }
func (l *zapLeveledLogger) Warnf(format string, args ...any)  { l.s.Warnf(format, args...) }
func (l *zapLeveledLogger) Error(msg string)                  { l.s.Error(msg) }
func (l *zapLeveledLogger) Errorf(format string, args ...any) { l.s.Errorf(format, args...) }

// newZapLogger builds a console logger writing to w at level ("trace",
// "debug", "info", "warn", "error" or "disabled").
func newZapLogger(w io.Writer, level string) (*zap.Logger, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	switch level {
	case "disabled", "off", "none":
		return zap.NewNop(), nil
	case "trace":
		level = "debug"
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(zapcore.AddSync(w)), lvl)
	return zap.New(core), nil
}
