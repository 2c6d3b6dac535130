package logger

import (
	"context"
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

// Logger provides structured JSON logging with optional PII redaction.
// A Logger carries a fixed set of fields (e.g. request_id, worker_id) that
// are emitted with every entry; With returns a child logger with extra fields.
type Logger struct {
	level     Level
	redactPII bool
	fields    []any
	mu        *sync.Mutex
	out       io.Writer
}

// New creates a Logger writing JSON lines to out. Redaction is on by default.
func New(out io.Writer, level Level) *Logger {
	if out == nil {
		out = os.Stderr
	}
	return &Logger{level: level, redactPII: true, mu: &sync.Mutex{}, out: out}
}

var defaultLogger = New(os.Stderr, INFO)

// Default returns the process-wide default logger.
func Default() *Logger { return defaultLogger }

// SetLevel sets the minimum log level for the default logger.
func SetLevel(l Level) { defaultLogger.level = l }

// SetRedactPII enables or disables PII redaction for the default logger.
func SetRedactPII(r bool) { defaultLogger.redactPII = r }

// With returns a child logger that includes the given key-value pairs in
// every entry. The parent is not modified.
func (l *Logger) With(fields ...any) *Logger {
	child := *l
	child.fields = append(append([]any{}, l.fields...), fields...)
	return &child
}

// Debug emits a DEBUG-level structured log entry.
func (l *Logger) Debug(msg string, fields ...any) { l.log(DEBUG, msg, fields...) }

// Info emits an INFO-level structured log entry.
func (l *Logger) Info(msg string, fields ...any) { l.log(INFO, msg, fields...) }

// Warn emits a WARN-level structured log entry.
func (l *Logger) Warn(msg string, fields ...any) { l.log(WARN, msg, fields...) }

// Error emits an ERROR-level structured log entry.
func (l *Logger) Error(msg string, fields ...any) { l.log(ERROR, msg, fields...) }

// Package-level helpers on the default logger.
func Debug(msg string, fields ...any) { defaultLogger.log(DEBUG, msg, fields...) }
func Info(msg string, fields ...any)  { defaultLogger.log(INFO, msg, fields...) }
func Warn(msg string, fields ...any)  { defaultLogger.log(WARN, msg, fields...) }
func Error(msg string, fields ...any) { defaultLogger.log(ERROR, msg, fields...) }

func (l *Logger) log(level Level, msg string, fields ...any) {
	if level < l.level {
		return
	}

	entry := map[string]any{
		"time":  time.Now().UTC().Format(time.RFC3339),
		"level": levelNames[level],
		"msg":   msg,
	}

	all := append(append([]any{}, l.fields...), fields...)
	for i := 0; i < len(all)-1; i += 2 {
		key := fmt.Sprintf("%v", all[i])
		val := fmt.Sprintf("%v", all[i+1])
		if l.redactPII {
			val = redactPIIValue(key, val)
		}
		entry[key] = val
	}

	data, _ := json.Marshal(entry)
	l.mu.Lock()
	fmt.Fprintln(l.out, string(data))
	l.mu.Unlock()
}

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

func redactPIIValue(key, val string) string {
	key = strings.ToLower(key)
	// Sender/recipient/address fields are always redacted. Keys like
	// email_id or email_count carry no addresses and pass through.
	if key == "email" || strings.Contains(key, "sender") || strings.Contains(key, "recipient") || strings.Contains(key, "address") {
		return RedactEmail(val)
	}
	// Redact any embedded addresses in generic fields (subjects, bodies, errors)
	return emailRegex.ReplaceAllStringFunc(val, RedactEmail)
}

type ctxKey struct{}

// WithContext returns a context carrying the given logger.
func WithContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger attached to ctx, or the default logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(ctxKey{}).(*Logger); ok {
		return l
	}
	return defaultLogger
}
