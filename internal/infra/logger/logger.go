package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"tldr-bot/internal/infra/config"
)

const redacted = "[REDACTED]"

// sensitiveKeys are attribute keys whose values are never written.
var sensitiveKeys = []string{"token", "api_key", "apikey", "authorization", "secret", "password"}

// New creates a configured *slog.Logger.
// The returned closer function should be deferred to flush/close file handles.
func New(cfg config.LoggerConfig) (*slog.Logger, func() error, error) {
	writer, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}
	return slog.New(newHandler(writer, cfg)), closer, nil
}

func newHandler(w io.Writer, cfg config.LoggerConfig) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: redact,
	}
	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.NewJSONHandler(w, opts)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

// redact masks attributes whose key names a credential.
func redact(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

// parseLevel converts a string level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openOutput returns an io.Writer for the specified output target.
func openOutput(output string) (io.Writer, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout, noop, nil
	case "stderr", "":
		return os.Stderr, noop, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	}
}
