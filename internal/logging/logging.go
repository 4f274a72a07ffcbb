// Package logging configures the process-wide logrus logger and provides the
// structured event helper used by every lodge component.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// ValidLevels are the accepted logging.level values.
var ValidLevels = []string{"debug", "info", "warn", "error"}

// ValidFormats are the accepted logging.format values.
var ValidFormats = []string{"text", "json"}

// Setup configures the standard logrus logger with level and format.
// Empty values fall back to info and text.
func Setup(level, format string) error {
	return configure(logrus.StandardLogger(), os.Stderr, level, format)
}

// New returns a dedicated logger writing to w. Used by tests and embedded callers.
func New(w io.Writer, level, format string) (*logrus.Logger, error) {
	logger := logrus.New()
	if err := configure(logger, w, level, format); err != nil {
		return nil, err
	}
	return logger, nil
}

func configure(logger *logrus.Logger, w io.Writer, level, format string) error {
	if level == "" {
		level = "info"
	}
	parsed, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: must be one of %v", level, ValidLevels)
	}

	switch strings.ToLower(format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q: must be one of %v", format, ValidFormats)
	}

	logger.SetLevel(parsed)
	logger.SetOutput(w)
	return nil
}

// For returns a component-scoped entry on the standard logger.
func For(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}

// Event logs a structured lifecycle event at info level.
// The event type is recorded under event_type so logs can be grepped by it.
func Event(logger logrus.FieldLogger, eventType string, fields logrus.Fields) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.WithFields(fields).WithField("event_type", eventType).Info(eventType)
}
