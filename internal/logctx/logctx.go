// Package logctx is the single structured-logging setup shared across the
// module, built on charmbracelet/log.
package logctx

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
)

// Logger wraps *log.Logger so call sites depend on this package rather than
// charmbracelet/log directly, keeping the dependency swappable in one place.
type Logger = log.Logger

// Level re-exports charmbracelet/log's level type so callers never import
// that package directly.
type Level = log.Level

const (
	LevelDebug = log.DebugLevel
	LevelInfo  = log.InfoLevel
	LevelWarn  = log.WarnLevel
	LevelError = log.ErrorLevel
)

// Options configures New.
type Options struct {
	Writer io.Writer
	Level  Level
}

// New builds a logger with sane defaults for a long-running daemon:
// timestamps on, level from Options.
func New(opts Options) *Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Level:           opts.Level,
	})
}

// TimestampFormatter renders times with an operator-supplied strftime
// pattern, for control-socket and upload-engine log lines the operator may want stamped in a
// format other than RFC3339 (e.g. to match a fleet-wide log aggregator's
// expected layout).
type TimestampFormatter struct {
	pattern *strftime.Strftime
}

// NewTimestampFormatter compiles a strftime pattern once. An empty pattern
// means "use RFC3339."
func NewTimestampFormatter(pattern string) (*TimestampFormatter, error) {
	if pattern == "" {
		return &TimestampFormatter{}, nil
	}
	compiled, err := strftime.New(pattern)
	if err != nil {
		return nil, err
	}
	return &TimestampFormatter{pattern: compiled}, nil
}

func (f *TimestampFormatter) Format(t time.Time) string {
	if f == nil || f.pattern == nil {
		return t.Format(time.RFC3339)
	}
	var sb strings.Builder
	if err := f.pattern.Format(&sb, t); err != nil {
		return t.Format(time.RFC3339)
	}
	return sb.String()
}
