// Package logger provides structured JSON logging with optional redaction of
// recipient email addresses. Scheduler loops log through the stdlib log
// package for operational chatter; anything that carries a recipient address
// goes through this package so PII never lands in plain text.
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

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger emits structured JSON entries with key/value fields.
type Logger struct {
	mu        sync.Mutex
	out       io.Writer
	level     Level
	redactPII bool
}

var std = &Logger{out: os.Stderr, level: INFO, redactPII: true}

// SetLevel sets the minimum level for the package-level logger.
func SetLevel(l Level) { std.level = l }

// SetOutput redirects the package-level logger (used by tests).
func SetOutput(w io.Writer) { std.out = w }

// SetRedactPII toggles email redaction for the package-level logger.
func SetRedactPII(on bool) { std.redactPII = on }

// Debug emits a DEBUG entry. Fields are alternating key/value pairs.
func Debug(msg string, fields ...interface{}) { std.log(DEBUG, msg, fields) }

// Info emits an INFO entry.
func Info(msg string, fields ...interface{}) { std.log(INFO, msg, fields) }

// Warn emits a WARN entry.
func Warn(msg string, fields ...interface{}) { std.log(WARN, msg, fields) }

// Error emits an ERROR entry.
func Error(msg string, fields ...interface{}) { std.log(ERROR, msg, fields) }

func (l *Logger) log(level Level, msg string, fields []interface{}) {
	if level < l.level {
		return
	}

	entry := map[string]interface{}{
		"time":  time.Now().UTC().Format(time.RFC3339),
		"level": level.String(),
		"msg":   msg,
	}
	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		val := fmt.Sprintf("%v", fields[i+1])
		if l.redactPII {
			val = redactValue(key, val)
		}
		entry[key] = val
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	l.mu.Lock()
	fmt.Fprintln(l.out, string(data))
	l.mu.Unlock()
}

var emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

func redactValue(key, val string) string {
	k := strings.ToLower(key)
	if strings.Contains(k, "email") || strings.Contains(k, "recipient") || strings.Contains(k, "contact") {
		return RedactEmail(val)
	}
	return emailRe.ReplaceAllStringFunc(val, RedactEmail)
}
