// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package server

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"

	"codeberg.org/oliverandrich/schoolportal/internal/config"
)

// redactedKeys are attribute keys whose values never reach the log.
var redactedKeys = map[string]bool{
	"password":    true,
	"newPassword": true,
	"secret":      true,
	"token":       true,
	"resetToken":  true,
	"tempRef":     true,
}

// setupLogger installs the process wide logger for cfg.
func setupLogger(cfg *config.Config) {
	slog.SetDefault(newLogger(&cfg.Log, cfg.Server.Environment, os.Stdout))
}

// newLogger builds a text (tint) or JSON logger tagged with the
// environment. Unknown levels fall back to info.
func newLogger(cfg *config.LogConfig, environment string, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, ReplaceAttr: redact})
	} else {
		handler = tint.NewHandler(w, &tint.Options{Level: level, ReplaceAttr: redact, NoColor: !isTerminal(w)})
	}

	return slog.New(handler).With("app", "schoolportal", "env", environment)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if redactedKeys[a.Key] {
		return slog.String(a.Key, "[redacted]")
	}
	return a
}
