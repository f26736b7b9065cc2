// Package logging provides leveled, component-scoped console logging.
// Output goes to stderr by default because stdout may carry the stdio bridge.
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

// Level is a log severity name as printed in the first column.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

func (l Level) rank() int {
	switch l {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	}
	return -1
}

// ParseLevel converts a case-insensitive level name. Unknown names yield
// LevelInfo and false.
func ParseLevel(s string) (Level, bool) {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	if l.rank() < 0 {
		return LevelInfo, false
	}
	return l, true
}

const timeLayout = "2006-01-02T15:04:05.000Z"

// sink is shared by a logger and everything derived from it.
type sink struct {
	mu     sync.Mutex
	output io.Writer
}

// Logger writes one line per call:
//
//	LEVEL TIMESTAMP [component] message key=value ...
//
// Loggers derived with WithComponent or WithTraceID share the parent's
// output but keep their own level.
type Logger struct {
	sink      *sink
	minLevel  Level
	component string
	traceID   string
}

// New returns a logger writing to stderr at LevelInfo.
func New() *Logger {
	return &Logger{sink: &sink{output: os.Stderr}, minLevel: LevelInfo}
}

// Discard returns a logger that writes nothing.
func Discard() *Logger {
	return &Logger{sink: &sink{output: io.Discard}, minLevel: LevelError}
}

func (l *Logger) derive() *Logger {
	c := *l
	return &c
}

// WithComponent returns a logger that tags lines with [component].
func (l *Logger) WithComponent(component string) *Logger {
	c := l.derive()
	c.component = component
	return c
}

// WithTraceID returns a logger that adds trace=id to every line.
func (l *Logger) WithTraceID(traceID string) *Logger {
	c := l.derive()
	c.traceID = traceID
	return c
}

// SetLevel drops messages below level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput redirects this logger and every logger sharing its output.
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.output = w
	l.sink.mu.Unlock()
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

// log formats and writes one line. Only the first fields map is used.
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if level.rank() < l.minLevel.rank() {
		return
	}

	kv := make(map[string]interface{}, 4)
	if len(fields) > 0 {
		for k, v := range fields[0] {
			kv[k] = v
		}
	}
	if l.traceID != "" {
		kv["trace"] = l.traceID
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-5s %s ", level, time.Now().UTC().Format(timeLayout))
	if l.component != "" {
		b.WriteString("[" + l.component + "] ")
	}
	b.WriteString(msg)
	appendFields(&b, kv)
	b.WriteByte('\n')

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	_, _ = io.WriteString(l.sink.output, b.String())
}

// appendFields writes " key=value" pairs in key order.
func appendFields(b *strings.Builder, kv map[string]interface{}) {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, " %s=%v", k, kv[k])
	}
}

// CommandReceived logs an inbound bridge command.
func (l *Logger) CommandReceived(method string) {
	l.Debug("command", map[string]interface{}{
		"method": method,
	})
}

// CommandFailed logs a command rejected at the dispatcher boundary.
func (l *Logger) CommandFailed(method string, err error) {
	l.Error("command_failed", map[string]interface{}{
		"method": method,
		"error":  err.Error(),
	})
}

// TaskRegistered logs a task entering the registry.
func (l *Logger) TaskRegistered(taskID string) {
	l.Debug("task_registered", map[string]interface{}{
		"task": taskID,
	})
}

// TaskFetching logs the hand-off of a task to the request executor.
func (l *Logger) TaskFetching(task fmt.Stringer) {
	l.Debug("task_fetching", map[string]interface{}{
		"task": task.String(),
	})
}

// TaskFinished logs a task leaving the registry after its sink fired.
func (l *Logger) TaskFinished(taskID, state string, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"task":     taskID,
		"state":    state,
		"duration": duration.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("task_finished", fields)
		return
	}
	l.Info("task_finished", fields)
}

// TaskRemoveFailed logs a removal of an entry that was already gone.
func (l *Logger) TaskRemoveFailed(taskID string, err error) {
	l.Warn("task_remove_failed", map[string]interface{}{
		"task":  taskID,
		"error": err.Error(),
	})
}
