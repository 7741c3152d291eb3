// Package logging wraps zap with package-level helpers used across the
// orchestrator. Until Init is called a development logger is installed.
package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger *zap.Logger
	sugar  *zap.SugaredLogger
)

// Config holds logging configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

func init() {
	l, _ := zap.NewDevelopment(zap.AddCallerSkip(1))
	set(l)
}

func set(l *zap.Logger) {
	mu.Lock()
	logger = l
	sugar = l.Sugar()
	mu.Unlock()
}

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Init replaces the global logger according to cfg and routes the
// standard library logger through it.
func Init(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("logging config is nil")
	}
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return err
	}

	core := zapcore.NewCore(newEncoder(cfg.Format), zapcore.AddSync(os.Stdout), level)
	set(zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)))

	log.SetFlags(0)
	log.SetOutput(stdLogWriter{})
	return nil
}

// Replace installs l as the global logger. Tests use it with zaptest/observer.
func Replace(l *zap.Logger) func() {
	prev := current()
	set(l.WithOptions(zap.AddCallerSkip(1)))
	return func() { set(prev) }
}

type stdLogWriter struct{}

func (stdLogWriter) Write(p []byte) (int, error) {
	msg := strings.TrimSuffix(string(p), "\n")
	current().Warn(msg, zap.String("source", "stdlib"))
	return len(p), nil
}

func parseLevel(level string) (zapcore.Level, error) {
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		if strings.EqualFold(level, "warning") {
			return zapcore.WarnLevel, nil
		}
		return l, fmt.Errorf("unknown log level %q", level)
	}
	return l, nil
}

func newEncoder(format string) zapcore.Encoder {
	if strings.EqualFold(format, "json") {
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "timestamp"
		cfg.MessageKey = "message"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncodeDuration = zapcore.SecondsDurationEncoder
		return zapcore.NewJSONEncoder(cfg)
	}

	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05")
	return zapcore.NewConsoleEncoder(cfg)
}

// Sync flushes any buffered log entries.
func Sync() error {
	return current().Sync()
}

// L returns the underlying zap.Logger.
func L() *zap.Logger {
	return current()
}

// S returns the underlying zap.SugaredLogger.
func S() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

// =============================================================================
// Structured logging functions
// =============================================================================

func Debug(msg string, fields ...zap.Field) { current().Debug(msg, fields...) }

func Info(msg string, fields ...zap.Field) { current().Info(msg, fields...) }

func Warn(msg string, fields ...zap.Field) { current().Warn(msg, fields...) }

func Error(msg string, fields ...zap.Field) { current().Error(msg, fields...) }

// Fatal logs at FatalLevel, then calls os.Exit(1).
func Fatal(msg string, fields ...zap.Field) { current().Fatal(msg, fields...) }

// Infof logs a formatted message at InfoLevel.
func Infof(template string, args ...interface{}) { S().Infof(template, args...) }

// Warnf logs a formatted message at WarnLevel.
func Warnf(template string, args ...interface{}) { S().Warnf(template, args...) }

// =============================================================================
// Field helpers
// =============================================================================

func String(key, value string) zap.Field { return zap.String(key, value) }

func Int(key string, value int) zap.Field { return zap.Int(key, value) }

func Int64(key string, value int64) zap.Field { return zap.Int64(key, value) }

func Bool(key string, value bool) zap.Field { return zap.Bool(key, value) }

// Err creates an error field with key "error".
func Err(err error) zap.Field { return zap.Error(err) }

func Any(key string, value interface{}) zap.Field { return zap.Any(key, value) }

func Duration(key string, value time.Duration) zap.Field { return zap.Duration(key, value) }

// Owner tags a log entry with the sandbox or pod identity key.
func Owner(key string) zap.Field { return zap.String("owner", key) }

// Op tags a log entry with the operation being performed.
func Op(name string) zap.Field { return zap.String("operation", name) }
