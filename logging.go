package sorm

import (
	"io"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jjeffery/kv"
)

// Category groups observability events so they can be toggled independently.
type Category uint8

const (
	LogMapping       Category = iota // bean/column resolution
	LogExecuteQuery                  // ScanOne, ScanAll, SelectAll
	LogMultiRow                      // multi-row and batch writes
	LogExecuteUpdate                 // Exec and single statements
)

// String returns the string representation of the category.
func (c Category) String() string {
	switch c {
	case LogMapping:
		return "mapping"
	case LogExecuteQuery:
		return "execute_query"
	case LogMultiRow:
		return "multi_row"
	case LogExecuteUpdate:
		return "execute_update"
	default:
		return "unknown"
	}
}

// Logger receives one call per event. keyvals alternate between string keys
// and arbitrary values.
type Logger interface {
	Log(msg string, keyvals ...any)
}

// stdLogger implements Logger using standard library log package.
type stdLogger struct {
	logger *log.Logger
}

// NewLogger returns a Logger writing one line per event to w, with the
// key/value pairs appended in key=value form. A nil w writes to stderr.
func NewLogger(w io.Writer) Logger {
	if w == nil {
		w = os.Stderr
	}
	return &stdLogger{logger: log.New(w, "sorm: ", log.LstdFlags|log.Lmicroseconds)}
}

func (l *stdLogger) Log(msg string, keyvals ...any) {
	if len(keyvals) == 0 {
		l.logger.Println(msg)
		return
	}
	l.logger.Println(msg + " " + kv.List(keyvals).String())
}

// LogContext holds the logger and the set of enabled categories.
// Toggling is safe while other goroutines log.
type LogContext struct {
	logger  Logger
	enabled atomic.Uint32 // bit per Category
	force   atomic.Bool
}

// NewLogContext returns a context that sends events of the given categories
// to logger. A nil logger writes to stderr.
func NewLogContext(logger Logger, categories ...Category) *LogContext {
	if logger == nil {
		logger = NewLogger(nil)
	}
	lc := &LogContext{logger: logger}
	lc.Enable(categories...)
	return lc
}

// Enable turns the given categories on.
func (lc *LogContext) Enable(categories ...Category) {
	for _, c := range categories {
		lc.enabled.Or(uint32(1) << c)
	}
}

// Disable turns the given categories off.
func (lc *LogContext) Disable(categories ...Category) {
	for _, c := range categories {
		lc.enabled.And(^(uint32(1) << c))
	}
}

// ForceLogging enables every category regardless of the toggles while on.
func (lc *LogContext) ForceLogging(on bool) { lc.force.Store(on) }

// Enabled reports whether events of category c are logged.
func (lc *LogContext) Enabled(c Category) bool {
	if lc == nil {
		return false
	}
	return lc.force.Load() || lc.enabled.Load()&(uint32(1)<<c) != 0
}

// logPoint correlates the before and after events of one operation.
type logPoint struct {
	lc       *LogContext
	category Category
	traceID  string
	start    time.Time
}

// point starts a log point for c, or returns nil when c is disabled so
// callers skip building key/values entirely.
func (lc *LogContext) point(c Category) *logPoint {
	if !lc.Enabled(c) {
		return nil
	}
	return &logPoint{
		lc:       lc,
		category: c,
		traceID:  uuid.New().String(),
		start:    time.Now(),
	}
}

// before logs the start of the operation.
func (lp *logPoint) before(msg string, keyvals ...any) {
	if lp == nil {
		return
	}
	lp.lc.logger.Log(msg, lp.with(keyvals)...)
}

// done logs the end of the operation with its elapsed time and error, if any.
func (lp *logPoint) done(msg string, err error, keyvals ...any) {
	if lp == nil {
		return
	}
	keyvals = append(keyvals, "elapsed", time.Since(lp.start).String())
	if err != nil {
		keyvals = append(keyvals, "error", err.Error())
	}
	lp.lc.logger.Log(msg, lp.with(keyvals)...)
}

func (lp *logPoint) with(keyvals []any) []any {
	out := make([]any, 0, len(keyvals)+4)
	out = append(out, "category", lp.category.String(), "trace_id", lp.traceID)
	return append(out, keyvals...)
}
