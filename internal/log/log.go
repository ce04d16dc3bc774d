package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Options configures the process-wide logger.
type Options struct {
	// Level is the minimum level written to the console. Defaults to INFO.
	Level Level
	// Format is "console" (default) or "json".
	Format string
	// File, if set, additionally receives every record at DEBUG as JSON.
	File string
}

var (
	mu         sync.RWMutex
	sugar      *zap.SugaredLogger
	loggerOnce sync.Once
	minLevel   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// initLogger installs a console logger on stderr unless Init ran first.
func initLogger() {
	loggerOnce.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		if sugar != nil {
			return
		}
		core := zapcore.NewCore(consoleEncoder(), zapcore.Lock(os.Stderr), minLevel)
		sugar = zap.New(core).Sugar()
	})
}

// Init replaces the process logger according to opts.
func Init(opts Options) error {
	if opts.Level != "" {
		SetLevel(opts.Level)
	}

	var enc zapcore.Encoder
	switch strings.ToLower(opts.Format) {
	case "", "console":
		enc = consoleEncoder()
	case "json":
		enc = zapcore.NewJSONEncoder(jsonEncoderConfig())
	default:
		return fmt.Errorf("unknown log format %q", opts.Format)
	}

	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.Lock(os.Stderr), minLevel)}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(jsonEncoderConfig()), zapcore.AddSync(f), zapcore.DebugLevel))
	}

	Replace(zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zapcore.ErrorLevel)))
	return nil
}

// Replace installs l as the process logger. Tests use zap.NewNop or zaptest.
func Replace(l *zap.Logger) {
	loggerOnce.Do(func() {})
	mu.Lock()
	sugar = l.WithOptions(zap.AddCallerSkip(1)).Sugar()
	mu.Unlock()
}

// Sync flushes buffered records.
func Sync() {
	_ = current().Sync()
}

func SetLevel(l Level) {
	switch l {
	case LevelDebug:
		minLevel.SetLevel(zapcore.DebugLevel)
	case LevelWarn:
		minLevel.SetLevel(zapcore.WarnLevel)
	case LevelError:
		minLevel.SetLevel(zapcore.ErrorLevel)
	default:
		minLevel.SetLevel(zapcore.InfoLevel)
	}
}

// ParseLevel maps a config string onto a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func Debug(msg string, kv ...any) {
	current().Debugw(msg, kv...)
}

func Info(msg string, kv ...any) {
	current().Infow(msg, kv...)
}

func Warn(msg string, kv ...any) {
	current().Warnw(msg, kv...)
}

func Error(msg string, err error, kv ...any) {
	// Prepend error into key-value list.
	extended := append([]any{"err", err}, kv...)
	current().Errorw(msg, extended...)
}

func current() *zap.SugaredLogger {
	initLogger()
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

func consoleEncoder() zapcore.Encoder {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.CallerKey = ""
	return zapcore.NewConsoleEncoder(cfg)
}

func jsonEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}
