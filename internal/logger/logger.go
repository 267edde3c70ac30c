// Package logger wraps logrus with the formatting conventions the rest of
// Dispatch depends on: a text formatter for interactive use and a JSON
// formatter for ingestion by a log pipeline, selected at process start.
package logger

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is a thin wrapper around *logrus.Logger so callers depend on this
// package rather than importing logrus directly everywhere.
type Logger struct {
	*logrus.Logger
}

// Config controls logger construction.
type Config struct {
	// Level is a logrus level name (debug, info, warn, error). Defaults to info.
	Level string
	// Raw switches the formatter to JSON, used when DISPATCH_RAWLOG is set so
	// a log-shipping sidecar can parse structured fields instead of text.
	Raw bool
}

// New builds a Logger from Config.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if cfg.Raw {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	l.SetOutput(os.Stdout)

	return &Logger{Logger: l}
}

// NewDefault builds an info-level Logger, used by subsystems constructed
// outside of the top-level wiring (tests, standalone tools). The component
// name is not attached to the entries the returned Logger writes.
func NewDefault(component string) *Logger {
	l := New(Config{Level: "info"})
	return &Logger{Logger: l.WithField("component", component).Logger}
}

// FromEnv builds a Logger from DISPATCH_LOG_LEVEL / DISPATCH_RAWLOG.
func FromEnv() *Logger {
	raw := false
	if v := strings.TrimSpace(os.Getenv("DISPATCH_RAWLOG")); v != "" {
		raw = v != "0" && strings.ToLower(v) != "false"
	}
	return New(Config{
		Level: os.Getenv("DISPATCH_LOG_LEVEL"),
		Raw:   raw,
	})
}
