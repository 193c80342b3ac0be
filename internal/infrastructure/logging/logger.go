package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/gray-logic-ethrelay/internal/infrastructure/config"
)

// ServiceName is attached to every log entry.
const ServiceName = "ethrelay"

// Logger is a slog.Logger carrying the service and version fields.
//
// It satisfies the Logger interfaces of the ethrelay, mqtt and
// discovery packages, and is safe for concurrent use.
type Logger struct {
	*slog.Logger
}

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// New builds a Logger writing to the destination named by cfg.Output
// ("stderr", anything else means stdout).
func New(cfg config.LoggingConfig, version string) *Logger {
	var w io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		w = os.Stderr
	}
	return NewWithWriter(w, cfg, version)
}

// NewWithWriter is New with an explicit destination, used when another
// component owns the terminal.
//
// Parameters:
//   - w: Destination for log entries
//   - cfg: Level ("debug", "info", "warn", "error") and format ("text" or "json")
//   - version: Value of the version field
func NewWithWriter(w io.Writer, cfg config.LoggingConfig, version string) *Logger {
	opts := &slog.HandlerOptions{Level: levelFor(cfg.Level)}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	}

	return &Logger{slog.New(h).With("service", ServiceName, "version", version)}
}

// levelFor maps a configured level name to a slog.Level. Unknown names
// log at info.
func levelFor(name string) slog.Level {
	if lvl, ok := levels[strings.ToLower(name)]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// With returns a child Logger with extra fields.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{l.Logger.With(args...)}
}

// Default is the logger used until the configuration has been read: JSON
// on stderr at info.
func Default() *Logger {
	return NewWithWriter(os.Stderr, config.LoggingConfig{}, "dev")
}
