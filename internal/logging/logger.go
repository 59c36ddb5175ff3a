// Package logging provides the leveled, field-carrying logger used by all
// engine components.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Logger is the logging interface components depend on.
type Logger interface {
	Debug(msg string)
	Debugf(format string, args ...interface{})
	Info(msg string)
	Infof(format string, args ...interface{})
	Warn(msg string)
	Warnf(format string, args ...interface{})
	Error(msg string)
	Errorf(format string, args ...interface{})
	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
}

// Level represents the severity of a log message.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

// ParseLevel converts a level name to a Level, defaulting to info.
func ParseLevel(name string) Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

type stdLogger struct {
	mu     *sync.Mutex
	out    io.Writer
	level  Level
	fields map[string]interface{}
}

// New creates a logger writing to stderr at the given level.
func New(level Level) Logger {
	return &stdLogger{
		mu:     &sync.Mutex{},
		out:    os.Stderr,
		level:  level,
		fields: map[string]interface{}{},
	}
}

// NewWithWriter creates a logger writing to the given writer; used by
// tests to capture output.
func NewWithWriter(out io.Writer, level Level) Logger {
	return &stdLogger{
		mu:     &sync.Mutex{},
		out:    out,
		level:  level,
		fields: map[string]interface{}{},
	}
}

// NewComponentLogger creates a logger tagged with a component name, with
// the level taken from SHELFWATCH_LOG_LEVEL.
func NewComponentLogger(component string) Logger {
	return New(ParseLevel(os.Getenv("SHELFWATCH_LOG_LEVEL"))).WithField("component", component)
}

// Discard returns a logger that drops everything; used by tests.
func Discard() Logger {
	return NewWithWriter(io.Discard, ErrorLevel+1)
}

func (l *stdLogger) Debug(msg string)                          { l.log(DebugLevel, msg) }
func (l *stdLogger) Debugf(format string, args ...interface{}) { l.log(DebugLevel, fmt.Sprintf(format, args...)) }
func (l *stdLogger) Info(msg string)                           { l.log(InfoLevel, msg) }
func (l *stdLogger) Infof(format string, args ...interface{})  { l.log(InfoLevel, fmt.Sprintf(format, args...)) }
func (l *stdLogger) Warn(msg string)                           { l.log(WarnLevel, msg) }
func (l *stdLogger) Warnf(format string, args ...interface{})  { l.log(WarnLevel, fmt.Sprintf(format, args...)) }
func (l *stdLogger) Error(msg string)                          { l.log(ErrorLevel, msg) }
func (l *stdLogger) Errorf(format string, args ...interface{}) { l.log(ErrorLevel, fmt.Sprintf(format, args...)) }

func (l *stdLogger) WithField(key string, value interface{}) Logger {
	return l.WithFields(map[string]interface{}{key: value})
}

func (l *stdLogger) WithFields(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &stdLogger{mu: l.mu, out: l.out, level: l.level, fields: merged}
}

func (l *stdLogger) log(level Level, msg string) {
	if level < l.level || level > ErrorLevel {
		return
	}

	var sb strings.Builder
	sb.WriteString(time.Now().Format("2006-01-02T15:04:05.000Z07:00"))
	sb.WriteString(" [")
	sb.WriteString(levelNames[level])
	sb.WriteString("] ")
	sb.WriteString(msg)

	if len(l.fields) > 0 {
		keys := make([]string, 0, len(l.fields))
		for k := range l.fields {
			keys = append(keys, k)
		}
		// Sorted so log lines are stable for grepping and tests.
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, " %s=%v", k, l.fields[k])
		}
	}
	sb.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	io.WriteString(l.out, sb.String())
}
