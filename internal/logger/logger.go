package logger

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the module-scoped structured logger used across dida.
type Logger interface {
	Debug(module, message string, details map[string]any)
	Info(module, message string, details map[string]any)
	Warn(module, message string, details map[string]any)
	Error(module, message string, details map[string]any)
	Sync() error
}

// Options configures New.
type Options struct {
	// FilePath is the rotated JSON log file. Empty disables the file core.
	FilePath string
	// Level is one of debug|info|warn|error (default info).
	Level string
	// Console mirrors logs to stderr with the development encoder.
	Console bool
}

type ZapLogger struct {
	logger *zap.Logger
}

// New builds a zap logger with a lumberjack-rotated file core and an optional
// console core. With neither output enabled it returns a no-op logger.
func New(opts Options) *ZapLogger {
	level := parseLevel(opts.Level)
	var cores []zapcore.Core

	if opts.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0o755); err == nil {
			rotator := &lumberjack.Logger{
				Filename:   opts.FilePath,
				MaxSize:    10, // Megabytes
				MaxBackups: 3,
				MaxAge:     14, // Days
				Compress:   true,
			}
			encoderConfig := zap.NewProductionEncoderConfig()
			encoderConfig.TimeKey = "timestamp"
			encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
			encoderConfig.MessageKey = "message"
			encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
			cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(rotator), level))
		}
	}
	if opts.Console {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
			zapcore.Lock(os.Stderr),
			zap.DebugLevel,
		))
	}
	if len(cores) == 0 {
		return &ZapLogger{logger: zap.NewNop()}
	}
	l := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
	return &ZapLogger{logger: l}
}

// Nop returns a logger that discards everything. Used by tests and as the
// fallback when no logger is injected.
func Nop() *ZapLogger { return &ZapLogger{logger: zap.NewNop()} }

// NewWithZap wraps an existing zap logger (e.g. zaptest/observer in tests).
func NewWithZap(l *zap.Logger) *ZapLogger { return &ZapLogger{logger: l} }

func (l *ZapLogger) Debug(module, message string, details map[string]any) {
	l.logger.Debug(message, fields(module, details)...)
}

func (l *ZapLogger) Info(module, message string, details map[string]any) {
	l.logger.Info(message, fields(module, details)...)
}

func (l *ZapLogger) Warn(module, message string, details map[string]any) {
	l.logger.Warn(message, fields(module, details)...)
}

func (l *ZapLogger) Error(module, message string, details map[string]any) {
	fs := fields(module, details)
	if err, ok := details["error"].(error); ok {
		fs = append(fs, zap.Error(err))
	}
	l.logger.Error(message, fs...)
}

func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

func fields(module string, details map[string]any) []zap.Field {
	fs := []zap.Field{zap.String("module", module)}
	if len(details) > 0 {
		fs = append(fs, zap.Any("details", details))
	}
	return fs
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}
