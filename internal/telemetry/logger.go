package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"

	"github.com/aaronromeo/mailrelay/internal/config"
)

// ParseLevel accepts debug, info, warn or error. Empty means info.
func ParseLevel(value string) (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(value) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", value)
	}
	return level, nil
}

// NewLogger builds the process logger. When t exports logs, records go
// through the otelslog bridge; otherwise to w as JSON or text.
func NewLogger(cfg config.Log, t *Telemetry, w io.Writer) *slog.Logger {
	if t != nil && t.LoggerProvider != nil {
		return otelslog.NewLogger(t.ServiceName, otelslog.WithLoggerProvider(t.LoggerProvider))
	}

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	options := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "text" {
		return slog.New(slog.NewTextHandler(w, options))
	}
	return slog.New(slog.NewJSONHandler(w, options))
}
