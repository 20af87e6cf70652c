package logging

import (
	"context"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/austindbirch/harbor_bpe/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// LogEntry represents a structured log entry
type LogEntry struct {
	Level          LogLevel
	Message        string
	TraceID        string
	SubscriptionID string
	ResourceType   string
	TaskID         string
	Fields         map[string]any

	core *zap.Logger
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	core    *zap.Logger
}

// New creates a new structured logger for the given service, writing JSON lines to stdout
func New(service string) *Logger {
	return NewWithCore(service, newJSONCore(zapcore.AddSync(os.Stdout), zapcore.DebugLevel))
}

// NewWithCore creates a logger writing to the given zap core
func NewWithCore(service string, core zapcore.Core) *Logger {
	return &Logger{
		service: service,
		core:    zap.New(core).With(zap.String("service", service)),
	}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{core: zap.NewNop()}
}

func newJSONCore(w zapcore.WriteSyncer, level zapcore.Level) zapcore.Core {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		MessageKey:     "msg",
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	return zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), w, level)
}

// Service returns the service name of the logger
func (l *Logger) Service() string {
	return l.service
}

// Sync flushes buffered entries
func (l *Logger) Sync() error {
	return l.core.Sync()
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.Plain()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		entry.TraceID = traceID
	}
	return entry
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	entry := l.Plain()
	for k, v := range fields {
		entry.Fields[k] = v
	}
	return entry
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return &LogEntry{
		Fields: make(map[string]any),
		core:   l.core,
	}
}

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.TraceID = traceID
	return e
}

// WithSubscription sets the subscription ID for the log entry
func (e *LogEntry) WithSubscription(subscriptionID string) *LogEntry {
	e.SubscriptionID = subscriptionID
	return e
}

// WithResourceType sets the resource type for the log entry
func (e *LogEntry) WithResourceType(resourceType string) *LogEntry {
	e.ResourceType = resourceType
	return e
}

// WithTask sets the task ID for the log entry
func (e *LogEntry) WithTask(taskID string) *LogEntry {
	e.TaskID = taskID
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		return e.WithField("error", err.Error())
	}
	return e
}

// Debug logs at debug level
func (e *LogEntry) Debug(message string) {
	e.write(LevelDebug, message)
}

// Debugf logs at debug level with formatting
func (e *LogEntry) Debugf(format string, args ...any) {
	e.write(LevelDebug, fmt.Sprintf(format, args...))
}

// Info logs at info level
func (e *LogEntry) Info(message string) {
	e.write(LevelInfo, message)
}

// Infof logs at info level with formatting
func (e *LogEntry) Infof(format string, args ...any) {
	e.write(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn logs at warn level
func (e *LogEntry) Warn(message string) {
	e.write(LevelWarn, message)
}

// Warnf logs at warn level with formatting
func (e *LogEntry) Warnf(format string, args ...any) {
	e.write(LevelWarn, fmt.Sprintf(format, args...))
}

// Error logs at error level
func (e *LogEntry) Error(message string) {
	e.write(LevelError, message)
}

// Errorf logs at error level with formatting
func (e *LogEntry) Errorf(format string, args ...any) {
	e.write(LevelError, fmt.Sprintf(format, args...))
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.write(LevelFatal, message)
	os.Exit(1)
}

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.write(LevelFatal, fmt.Sprintf(format, args...))
	os.Exit(1)
}

func (e *LogEntry) write(level LogLevel, message string) {
	e.Level = level
	e.Message = message
	if e.core == nil {
		e.core = defaultLogger.core
	}

	fields := e.zapFields()
	switch level {
	case LevelDebug:
		e.core.Debug(message, fields...)
	case LevelInfo:
		e.core.Info(message, fields...)
	case LevelWarn:
		e.core.Warn(message, fields...)
	default:
		// fatal is routed through Error so os.Exit stays in our hands
		e.core.Error(message, fields...)
	}
}

func (e *LogEntry) zapFields() []zap.Field {
	fields := make([]zap.Field, 0, len(e.Fields)+4)
	if e.TraceID != "" {
		fields = append(fields, zap.String("trace_id", e.TraceID))
	}
	if e.SubscriptionID != "" {
		fields = append(fields, zap.String("subscription_id", e.SubscriptionID))
	}
	if e.ResourceType != "" {
		fields = append(fields, zap.String("resource_type", e.ResourceType))
	}
	if e.TaskID != "" {
		fields = append(fields, zap.String("task_id", e.TaskID))
	}
	if len(e.Fields) == 0 {
		return fields
	}

	// stable output order
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	extra := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		extra = append(extra, zap.Any(k, e.Fields[k]))
	}
	return append(fields, zap.Dict("fields", extra...))
}

// Global convenience functions

var defaultLogger = New("harborbpe")

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *LogEntry {
	return defaultLogger.WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	defaultLogger = New(service)
}
