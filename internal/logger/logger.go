// Package logger sets up the process-wide structured logger and the
// Fatal helper for unrecoverable errors; recoverable ones are reported
// with the logger's own Warn method.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

var root *slog.Logger

// Init builds the root logger, writing to stdout and, if logFile is
// non-empty, also appending to that file. Call once at process start;
// components obtain their own scoped logger via New.
func Init(level string, logFile string) error {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	writers := []io.Writer{os.Stdout}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("logger: open %s: %w", logFile, err)
		}
		writers = append(writers, f)
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05.000"))
			}
			return a
		},
	})

	root = slog.New(handler)
	slog.SetDefault(root)
	return nil
}

// New returns a logger scoped to one component (wsframe, keystroke,
// termfilter, rendezvous, ...), falling back to a stdout-only default
// when Init hasn't run yet — useful in tests that construct components
// directly without bringing up the whole process.
func New(component string) *slog.Logger {
	if root == nil {
		root = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	return root.With("component", component)
}

// Fatal logs msg at Error and terminates the process. It is the Go
// restatement of the source's errx()/abort() calls for invariant
// violations — conditions that mean a logic bug, not a runtime error to
// recover from. Its one caller is the termfilter linesz-overflow hook
// that rendezvous.NewMaster installs.
func Fatal(log *slog.Logger, msg string, args ...any) {
	log.Error(msg, args...)
	os.Exit(1)
}
