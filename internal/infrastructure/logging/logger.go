package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/iotgo-core/internal/infrastructure/config"
)

const serviceName = "iotgo"

// secretKeys are attribute keys whose values are credentials. Their values
// are reduced to a short prefix before they reach the output.
var secretKeys = map[string]bool{
	"apikey": true,
	"token":  true,
	"jwt":    true,
	"secret": true,
}

// hintLength is how much of a secret survives redaction; enough to tell two
// apikeys apart in a log, not enough to use one.
const hintLength = 4

// Logger is a slog.Logger carrying the service and version fields.
//
// It satisfies the Logger interfaces of the protocol, device, notify and
// mqtt packages, so one instance (or a Component child) serves them all.
type Logger struct {
	*slog.Logger
}

// New builds a Logger writing to the output named in cfg.
func New(cfg config.LoggingConfig, version string) *Logger {
	var w io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		w = os.Stderr
	}
	return NewWithWriter(w, cfg, version)
}

// NewWithWriter is New with an explicit destination; cfg.Output is ignored.
func NewWithWriter(w io.Writer, cfg config.LoggingConfig, version string) *Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: redact,
	}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	}

	return &Logger{slog.New(h.WithAttrs([]slog.Attr{
		slog.String("service", serviceName),
		slog.String("version", version),
	}))}
}

// redact replaces credential values with a prefix hint.
func redact(_ []string, a slog.Attr) slog.Attr {
	if !secretKeys[strings.ToLower(a.Key)] {
		return a
	}
	v := a.Value.Resolve().String()
	if len(v) > hintLength {
		v = v[:hintLength] + "***"
	} else if v != "" {
		v = "***"
	}
	return slog.String(a.Key, v)
}

// parseLevel maps a config level name to slog.Level, defaulting to info.
func parseLevel(level string) slog.Level {
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

// With returns a child Logger with extra default attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{l.Logger.With(args...)}
}

// Component is shorthand for With("component", name).
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Default is the JSON stdout info logger used before config is loaded.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json"}, "dev")
}

// Discard returns a logger that drops every record.
func Discard() *Logger {
	return &Logger{slog.New(slog.NewTextHandler(io.Discard, nil))}
}
