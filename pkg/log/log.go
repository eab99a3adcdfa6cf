// Package log configures the process-wide slog defaults shared by every
// fluxion binary.
package log

import (
	"log/slog"
	"os"
)

// Setup installs the default text handler at the given level. Unknown level
// names fall back to info.
func Setup(logLevel string) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(logLevel),
	})

	slog.SetDefault(slog.New(handler))
}

// WithModule returns a logger tagged with the component's module name.
func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}

func parseLevel(name string) slog.Level {
	switch name {
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
