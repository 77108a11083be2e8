// Package logging is the structured JSON logger shared by every pagekeeper component.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level is the severity of a log entry.
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

// Fields carries structured key/value context of a log entry.
type Fields map[string]interface{}

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// Entry is one JSON log line.
type Entry struct {
	Timestamp     time.Time `json:"@timestamp"`
	Level         string    `json:"level"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	NodeID        string    `json:"node_id,omitempty"`
	Component     string    `json:"component,omitempty"`
	Action        string    `json:"action,omitempty"`
	Page          string    `json:"page,omitempty"`
	Duration      *int64    `json:"duration_ms,omitempty"`
	Error         string    `json:"error,omitempty"`
	Fields        Fields    `json:"fields,omitempty"`
	File          string    `json:"file,omitempty"`
	Line          int       `json:"line,omitempty"`
}

// Logger writes entries asynchronously to its writers.
type Logger struct {
	level   Level
	nodeID  string
	writers []io.Writer
	mu      sync.RWMutex
	entries chan Entry
	done    chan struct{}
	wg      sync.WaitGroup
	closed  sync.Once
}

// Config configures NewLogger.
type Config struct {
	Level         Level
	NodeID        string
	LogFile       string
	EnableConsole bool
	EnableFile    bool
	BufferSize    int
}

// NewLogger creates a logger and starts its writer goroutine.
func NewLogger(config Config) *Logger {
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	logger := &Logger{
		level:   config.Level,
		nodeID:  config.NodeID,
		entries: make(chan Entry, config.BufferSize),
		done:    make(chan struct{}),
	}

	if config.EnableConsole {
		logger.writers = append(logger.writers, os.Stdout)
	}
	if config.EnableFile && config.LogFile != "" {
		if file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			logger.writers = append(logger.writers, file)
		} else {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", config.LogFile, err)
		}
	}

	logger.wg.Add(1)
	go logger.run()

	return logger
}

func (l *Logger) run() {
	defer l.wg.Done()

	for {
		select {
		case entry := <-l.entries:
			l.write(entry)
		case <-l.done:
			for {
				select {
				case entry := <-l.entries:
					l.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(entry Entry) {
	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal log entry: %v\n", err)
		return
	}
	data = append(data, '\n')

	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, w := range l.writers {
		w.Write(data)
	}
}

// WithCorrelationID returns a context carrying id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// NewCorrelationID generates a fresh correlation ID.
func NewCorrelationID() string {
	return uuid.New().String()
}

// CorrelationID extracts the correlation ID from ctx, if any.
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// Enabled reports whether entries at level would be written.
func (l *Logger) Enabled(level Level) bool {
	return level >= l.level
}

func (l *Logger) log(ctx context.Context, level Level, component, action, message string, fields Fields, err error, duration *time.Duration) {
	if !l.Enabled(level) {
		return
	}

	entry := Entry{
		Timestamp:     time.Now().UTC(),
		Level:         level.String(),
		Message:       message,
		CorrelationID: CorrelationID(ctx),
		NodeID:        l.nodeID,
		Component:     component,
		Action:        action,
		Fields:        fields,
	}
	if _, file, line, ok := runtime.Caller(2); ok {
		entry.File = file
		entry.Line = line
	}
	if p, ok := fields["page"].(fmt.Stringer); ok {
		entry.Page = p.String()
		delete(fields, "page")
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if duration != nil {
		ms := duration.Milliseconds()
		entry.Duration = &ms
	}

	select {
	case l.entries <- entry:
	default:
		// Buffer full, write inline.
		l.write(entry)
	}
}

func first(fields []Fields) Fields {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(ctx context.Context, component, action, message string, fields ...Fields) {
	l.log(ctx, DEBUG, component, action, message, first(fields), nil, nil)
}

// Info logs at INFO level.
func (l *Logger) Info(ctx context.Context, component, action, message string, fields ...Fields) {
	l.log(ctx, INFO, component, action, message, first(fields), nil, nil)
}

// Warn logs at WARN level.
func (l *Logger) Warn(ctx context.Context, component, action, message string, fields ...Fields) {
	l.log(ctx, WARN, component, action, message, first(fields), nil, nil)
}

// Error logs at ERROR level.
func (l *Logger) Error(ctx context.Context, component, action, message string, err error, fields ...Fields) {
	l.log(ctx, ERROR, component, action, message, first(fields), err, nil)
}

// Fatal logs at FATAL level. It does not exit the process.
func (l *Logger) Fatal(ctx context.Context, component, action, message string, err error, fields ...Fields) {
	l.log(ctx, FATAL, component, action, message, first(fields), err, nil)
}

// WithDuration logs message with an elapsed time.
func (l *Logger) WithDuration(ctx context.Context, level Level, component, action, message string, d time.Duration, fields ...Fields) {
	l.log(ctx, level, component, action, message, first(fields), nil, &d)
}

// Close flushes pending entries and closes file writers.
func (l *Logger) Close() {
	l.closed.Do(func() {
		close(l.done)
		l.wg.Wait()

		l.mu.Lock()
		defer l.mu.Unlock()
		for _, w := range l.writers {
			if c, ok := w.(io.Closer); ok && w != os.Stdout && w != os.Stderr {
				c.Close()
			}
		}
	})
}

// AddWriter adds an output.
func (l *Logger) AddWriter(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writers = append(l.writers, w)
}

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// SetGlobalLogger installs the logger used by the package-level helpers.
func SetGlobalLogger(logger *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = logger
}

// GetGlobalLogger returns the installed logger, or nil.
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

func Debug(ctx context.Context, component, action, message string, fields ...Fields) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.log(ctx, DEBUG, component, action, message, first(fields), nil, nil)
	}
}

func Info(ctx context.Context, component, action, message string, fields ...Fields) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.log(ctx, INFO, component, action, message, first(fields), nil, nil)
	}
}

func Warn(ctx context.Context, component, action, message string, fields ...Fields) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.log(ctx, WARN, component, action, message, first(fields), nil, nil)
	}
}

func Error(ctx context.Context, component, action, message string, err error, fields ...Fields) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.log(ctx, ERROR, component, action, message, first(fields), err, nil)
	}
}

func Fatal(ctx context.Context, component, action, message string, err error, fields ...Fields) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.log(ctx, FATAL, component, action, message, first(fields), err, nil)
	}
}

// StartTimer returns a func that logs the elapsed time when called.
func StartTimer(ctx context.Context, component, action, message string) func() {
	logger := GetGlobalLogger()
	if logger == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		d := time.Since(start)
		logger.log(ctx, INFO, component, action, message, nil, nil, &d)
	}
}
