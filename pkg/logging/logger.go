// Package logging is the structured logger shared by the coordinator's
// services, background loops and CLI.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Fields are key/value pairs attached to an entry
type Fields map[string]interface{}

// sink is shared by a logger and every child derived from it
type sink struct {
	mu   sync.Mutex
	out  io.Writer
	file *os.File
}

// Logger writes leveled entries as JSON lines or plain text
type Logger struct {
	level      Level
	jsonFormat bool
	sink       *sink
	fields     Fields
	now        func() time.Time
}

// Options configures New
type Options struct {
	Level  string
	Format string // "json" or "text"
	File   string // optional path; entries are also written to stdout
}

// New builds a logger from opts
func New(opts Options) (*Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	l := NewLogger(level, !strings.EqualFold(opts.Format, "text"))
	if opts.File == "" {
		return l, nil
	}
	if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", opts.File, err)
	}
	l.sink.out = io.MultiWriter(f, os.Stdout)
	l.sink.file = f
	return l, nil
}

// NewLogger creates a logger writing to stdout
func NewLogger(level Level, jsonFormat bool) *Logger {
	return &Logger{
		level:      level,
		jsonFormat: jsonFormat,
		sink:       &sink{out: os.Stdout},
		now:        time.Now,
	}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	l := NewLogger(FATAL+1, true)
	l.sink.out = io.Discard
	return l
}

// SetOutput redirects the logger and all of its children
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.out = w
	l.sink.mu.Unlock()
}

// Entry is one JSON log line
type Entry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Fields    Fields `json:"fields,omitempty"`
}

func (l *Logger) log(level Level, message string, fields Fields) {
	if l == nil || level < l.level {
		return
	}

	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		merged[k] = v
	}

	now := l.now()
	var line []byte
	if l.jsonFormat {
		data, err := json.Marshal(Entry{
			Timestamp: now.UTC().Format(time.RFC3339Nano),
			Level:     level.String(),
			Message:   message,
			Fields:    merged,
		})
		if err != nil {
			data = []byte(fmt.Sprintf(`{"level":"ERROR","message":"unencodable log entry: %v"}`, err))
		}
		line = append(data, '\n')
	} else {
		var b strings.Builder
		fmt.Fprintf(&b, "[%s] %s: %s", now.Format("2006-01-02 15:04:05"), level.String(), message)
		keys := make([]string, 0, len(merged))
		for k := range merged {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, merged[k])
		}
		b.WriteByte('\n')
		line = []byte(b.String())
	}

	l.sink.mu.Lock()
	l.sink.out.Write(line)
	l.sink.mu.Unlock()
}

func first(fields []Fields) Fields {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...Fields) { l.log(DEBUG, message, first(fields)) }

// Info logs an info message
func (l *Logger) Info(message string, fields ...Fields) { l.log(INFO, message, first(fields)) }

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...Fields) { l.log(WARN, message, first(fields)) }

// Error logs an error message
func (l *Logger) Error(message string, fields ...Fields) { l.log(ERROR, message, first(fields)) }

// Fatal logs an error message and exits the process
func (l *Logger) Fatal(message string, fields ...Fields) {
	l.log(FATAL, message, first(fields))
	os.Exit(1)
}

// Enabled reports whether entries at level are written
func (l *Logger) Enabled(level Level) bool {
	return l != nil && level >= l.level
}

// WithField returns a child logger carrying key=value
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(Fields{key: value})
}

// WithFields returns a child logger carrying every pair in fields
func (l *Logger) WithFields(fields Fields) *Logger {
	if l == nil {
		return nil
	}
	next := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		next[k] = v
	}
	for k, v := range fields {
		next[k] = v
	}
	child := *l
	child.fields = next
	return &child
}

// WithError attaches err under the "error" key
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

// ParseLevel parses a log level string; empty means INFO
func ParseLevel(level string) (Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return DEBUG, nil
	case "info", "":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "fatal":
		return FATAL, nil
	default:
		return INFO, fmt.Errorf("unknown log level %q", level)
	}
}

// Close closes the log file if one was opened
func (l *Logger) Close() error {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if l.sink.file == nil {
		return nil
	}
	err := l.sink.file.Close()
	l.sink.file = nil
	l.sink.out = os.Stdout
	return err
}
