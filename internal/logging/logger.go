// Package logging wraps log/slog with the dispatcher's logging
// configuration. Grounded on the teacher's pkg/logging/logger.go, trimmed
// to what the dispatcher needs.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Config controls log output. Mirrors the [logging] table of the TOML
// config (internal/config).
type Config struct {
	Level     string `toml:"level"`
	Format    string `toml:"format"`
	Output    string `toml:"output"`
	FilePath  string `toml:"file_path"`
	AddSource bool   `toml:"add_source"`
}

// Logger wraps slog.Logger with the dispatcher's configuration.
type Logger struct {
	*slog.Logger
	cfg *Config
}

// New builds a Logger from cfg.
func New(cfg *Config) (*Logger, error) {
	var output io.Writer
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	case "file":
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, err
		}
		output = f
	default:
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{Logger: slog.New(handler), cfg: cfg}, nil
}

// NewDefault returns a logger with sensible defaults (info, text, stdout).
func NewDefault() *Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &Logger{
		Logger: slog.New(handler),
		cfg:    &Config{Level: "info", Format: "text", Output: "stdout"},
	}
}

// WithContext returns a logger scoped to ctx (placeholder for future
// trace-id propagation; kept for parity with the teacher's call sites).
func (l *Logger) WithContext(_ context.Context) *Logger {
	return &Logger{Logger: l.Logger.With(), cfg: l.cfg}
}

// WithField returns a logger with an additional structured field.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{Logger: l.Logger.With(key, value), cfg: l.cfg}
}

// WithFields returns a logger with additional structured fields.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{Logger: l.Logger.With(args...), cfg: l.cfg}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var global = NewDefault()

// SetGlobal installs logger as the package-level default.
func SetGlobal(logger *Logger) {
	global = logger
	slog.SetDefault(logger.Logger)
}

// Global returns the current package-level default logger.
func Global() *Logger { return global }
