// Package obs wires the ambient logging and OpenTelemetry stack, adapted
// from the teacher's libs/go/core/{logging,otelinit} for the selinon
// process rather than swarm-go.
package obs

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogging configures a global slog logger, JSON-encoded when
// SELINON_JSON_LOG is truthy, text otherwise — same env-driven switch as
// the teacher's logging.Init.
func InitLogging(service string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("SELINON_JSON_LOG"))
	var handler slog.Handler
	opts := &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()}
	if mode == "1" || mode == "true" || mode == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", mode == "1" || mode == "true" || mode == "json")
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("SELINON_LOG_LEVEL")) {
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
