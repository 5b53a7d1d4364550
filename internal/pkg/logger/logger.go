// Package logger provides structured JSON logging with levels and
// PII redaction for the sequence engine processes.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log entry.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

// ParseLevel maps a LOG_LEVEL value to a Level. Unknown values map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// Logger emits structured JSON log entries with optional PII redaction.
type Logger struct {
	component string
}

type core struct {
	level     Level
	redactPII bool
	mu        sync.Mutex
	out       io.Writer
}

var std = &core{level: INFO, redactPII: true, out: os.Stderr}

// SetLevel sets the minimum log level.
func SetLevel(l Level) { std.level = l }

// SetRedactPII enables or disables PII redaction.
func SetRedactPII(r bool) { std.redactPII = r }

// SetOutput redirects log output, primarily for tests.
func SetOutput(w io.Writer) { std.out = w }

// With returns a logger that tags every entry with the given component name.
func With(component string) *Logger {
	return &Logger{component: component}
}

// Debug emits a DEBUG-level structured log entry.
func Debug(msg string, fields ...interface{}) { emit(DEBUG, "", msg, fields...) }

// Info emits an INFO-level structured log entry.
func Info(msg string, fields ...interface{}) { emit(INFO, "", msg, fields...) }

// Warn emits a WARN-level structured log entry.
func Warn(msg string, fields ...interface{}) { emit(WARN, "", msg, fields...) }

// Error emits an ERROR-level structured log entry.
func Error(msg string, fields ...interface{}) { emit(ERROR, "", msg, fields...) }

// Debug emits a DEBUG-level entry tagged with the logger's component.
func (l *Logger) Debug(msg string, fields ...interface{}) { emit(DEBUG, l.component, msg, fields...) }

// Info emits an INFO-level entry tagged with the logger's component.
func (l *Logger) Info(msg string, fields ...interface{}) { emit(INFO, l.component, msg, fields...) }

// Warn emits a WARN-level entry tagged with the logger's component.
func (l *Logger) Warn(msg string, fields ...interface{}) { emit(WARN, l.component, msg, fields...) }

// Error emits an ERROR-level entry tagged with the logger's component.
func (l *Logger) Error(msg string, fields ...interface{}) { emit(ERROR, l.component, msg, fields...) }

func emit(level Level, component, msg string, fields ...interface{}) {
	if level < std.level {
		return
	}

	entry := map[string]interface{}{
		"time":  time.Now().UTC().Format(time.RFC3339),
		"level": levelNames[level],
		"msg":   msg,
	}
	if component != "" {
		entry["component"] = component
	}

	for i := 0; i < len(fields)-1; i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		val := fmt.Sprintf("%v", fields[i+1])
		if std.redactPII {
			val = redactPIIValue(val)
		}
		entry[key] = val
	}

	data, _ := json.Marshal(entry)
	std.mu.Lock()
	fmt.Fprintln(std.out, string(data))
	std.mu.Unlock()
}

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

func redactPIIValue(val string) string {
	return emailRegex.ReplaceAllStringFunc(val, RedactEmail)
}

// RedactEmail masks a recipient address so lead emails never land in logs
// verbatim: "john.doe@example.com" becomes "jo***@example.com". Local
// parts of two characters or fewer are masked entirely, and anything that
// is not an address at all becomes "***@***".
func RedactEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return "***@***"
	}
	if len(local) > 2 {
		return local[:2] + "***@" + domain
	}
	return "***@" + domain
}
