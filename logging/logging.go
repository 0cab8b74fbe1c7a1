// Package logging provides the leveled logger sink used by envkit environments.
// Environments never format text themselves; they hand (level, message, error)
// to a Sink. Logger is the default text Sink, writing one line per entry.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/envkit/errors"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"

	// LevelOff suppresses every message. A disposed environment is pinned here.
	LevelOff Level = "OFF"
)

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
	LevelOff:   4,
}

// ParseLevel converts a case-insensitive level name into a Level.
// "warning" is accepted for WARN.
func ParseLevel(s string) (Level, error) {
	level := Level(strings.ToUpper(strings.TrimSpace(s)))
	if level == "WARNING" {
		level = LevelWarn
	}
	if _, ok := levelPriority[level]; !ok {
		return "", errors.Newf(errors.CodeInvalidConfig, "unknown log level %q", s)
	}
	return level, nil
}

// Enabled reports whether a message at level passes a minimum of min.
// Messages are never emitted at LevelOff, whatever the minimum.
func Enabled(level, min Level) bool {
	if level == LevelOff || min == LevelOff {
		return false
	}
	return levelPriority[level] >= levelPriority[min]
}

// Logger writes one text line per entry:
//
//	LEVEL TIMESTAMP [component] message key=value ...
//
// Loggers derived with WithComponent or With share the parent's output,
// level and lock.
type Logger struct {
	state     *loggerState
	component string
	fields    map[string]interface{}
}

type loggerState struct {
	mu       sync.Mutex
	output   io.Writer
	minLevel Level
}

// New creates a Logger writing to stdout at INFO.
func New() *Logger {
	return &Logger{state: &loggerState{output: os.Stdout, minLevel: LevelInfo}}
}

// WithComponent returns a logger tagging its lines with component.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{state: l.state, component: component, fields: l.fields}
}

// With returns a logger that adds fields to every line, after any fields
// passed at the call site.
func (l *Logger) With(fields map[string]interface{}) *Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{state: l.state, component: l.component, fields: merged}
}

// SetLevel sets the minimum level for this logger and every logger derived
// from the same root.
func (l *Logger) SetLevel(level Level) {
	l.state.mu.Lock()
	l.state.minLevel = level
	l.state.mu.Unlock()
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.state.mu.Lock()
	l.state.output = w
	l.state.mu.Unlock()
}

func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// Log implements Sink. A non-nil err becomes an error=... field; a
// structured error also contributes its code, op, env and task fields.
func (l *Logger) Log(level Level, msg string, err error) {
	if err == nil {
		l.log(level, msg)
		return
	}
	fields := map[string]interface{}{"error": err.Error()}
	if code := errors.Code(err); code != "" {
		fields["code"] = code
	}
	if op := errors.Op(err); op != "" {
		fields["op"] = op
	}
	if id := errors.EnvironmentID(err); id != "" {
		fields["env"] = id
	}
	if id := errors.TaskID(err); id != "" {
		fields["task"] = id
	}
	l.log(level, msg, fields)
}

// formatFields renders fields as key=value pairs in key order.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	all := l.fields
	if len(fields) > 0 && len(fields[0]) > 0 {
		all = make(map[string]interface{}, len(l.fields)+len(fields[0]))
		for k, v := range l.fields {
			all[k] = v
		}
		for k, v := range fields[0] {
			all[k] = v
		}
	}

	l.state.mu.Lock()
	defer l.state.mu.Unlock()
	if !Enabled(level, l.state.minLevel) {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-5s %s ", level, time.Now().UTC().Format("2006-01-02T15:04:05.000Z"))
	if l.component != "" {
		fmt.Fprintf(&b, "[%s] ", l.component)
	}
	b.WriteString(msg)
	b.WriteString(formatFields(all))
	b.WriteByte('\n')

	_, _ = io.WriteString(l.state.output, b.String())
}
