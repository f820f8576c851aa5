// Package logging builds the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the log format, level and sink.
type Options struct {
	// Development switches to the human-readable text handler.
	Development bool
	// Level is one of debug, info, warn or error.
	Level string
	// File, when set, sends logs to a rotating file instead of stdout.
	File string
	// Output overrides the sink, for tests.
	Output io.Writer
}

// New builds a logger. The returned closer releases the log file, if any.
func New(opts Options) (*slog.Logger, io.Closer) {
	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}

	switch {
	case opts.Output != nil:
		out = opts.Output
	case opts.File != "":
		rotating := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		out, closer = rotating, rotating
	}

	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	var handler slog.Handler
	if opts.Development {
		handler = slog.NewTextHandler(out, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(out, handlerOpts)
	}
	return slog.New(handler), closer
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

const mask = "*****"

var sensitiveKeys = []string{"password", "redis_password", "token", "secret"}

// Redact returns a copy of fields with sensitive values masked. A key is
// sensitive when it contains one of the default names or one of extra.
func Redact(fields map[string]any, extra ...string) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if isSensitive(k, extra) {
			if s, ok := v.(string); ok && s == "" {
				out[k] = ""
				continue
			}
			out[k] = mask
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitive(key string, extra []string) bool {
	key = strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	for _, s := range extra {
		if strings.Contains(key, strings.ToLower(s)) {
			return true
		}
	}
	return false
}
