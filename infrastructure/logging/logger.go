// Package logging provides structured logging with trace ID support for the
// kernel runtime.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys.
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID.
	TraceIDKey ContextKey = "trace_id"
	// PrincipalIDKey is the context key for the acting principal (caller) ID.
	PrincipalIDKey ContextKey = "principal_id"
	// ImmediateCallerKey is the context key for the immediate-caller identity
	// seen by a nested invocation's permission check.
	ImmediateCallerKey ContextKey = "immediate_caller"
	// ServiceKey is the context key for service name.
	ServiceKey ContextKey = "service"
)

// Logger wraps logrus.Logger with additional functionality.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a new Logger instance.
func New(service, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{
		Logger:  logger,
		service: service,
	}
}

// NewFromEnv constructs a logger using LOG_LEVEL and LOG_FORMAT environment
// variables. Defaults to "info" and "json" when unset.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// WithContext creates a new logger entry with context values.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)

	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if principalID := ctx.Value(PrincipalIDKey); principalID != nil {
		entry = entry.WithField("principal_id", principalID)
	}
	if caller := ctx.Value(ImmediateCallerKey); caller != nil {
		entry = entry.WithField("immediate_caller", caller)
	}

	return entry
}

// WithTraceID creates a new logger entry with trace ID.
func (l *Logger) WithTraceID(traceID string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"service":  l.service,
		"trace_id": traceID,
	})
}

// WithFields creates a new logger entry with custom fields.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["service"] = l.service
	return l.Logger.WithFields(fields)
}

// WithError creates a new logger entry with error.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"service": l.service,
		"error":   err.Error(),
	})
}

// SetOutput sets the logger output.
func (l *Logger) SetOutput(output io.Writer) {
	l.Logger.SetOutput(output)
}

// Context helper functions

// NewTraceID generates a new trace ID.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID retrieves the trace ID from context.
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// WithPrincipalID adds the acting principal's ID to the context.
func WithPrincipalID(ctx context.Context, principalID string) context.Context {
	return context.WithValue(ctx, PrincipalIDKey, principalID)
}

// GetPrincipalID retrieves the acting principal's ID from context.
func GetPrincipalID(ctx context.Context) string {
	if id, ok := ctx.Value(PrincipalIDKey).(string); ok {
		return id
	}
	return ""
}

// WithImmediateCaller records the immediate-caller identity for a nested
// invocation frame.
func WithImmediateCaller(ctx context.Context, callerID string) context.Context {
	return context.WithValue(ctx, ImmediateCallerKey, callerID)
}

// GetImmediateCaller retrieves the immediate-caller identity from context.
func GetImmediateCaller(ctx context.Context) string {
	if id, ok := ctx.Value(ImmediateCallerKey).(string); ok {
		return id
	}
	return ""
}

// Structured logging helpers specific to the kernel's execution pipeline.

// LogInvocation logs the outcome of a dispatched primitive action.
func (l *Logger) LogInvocation(ctx context.Context, action, targetID string, seq uint64, outcome string, cost map[string]float64, duration time.Duration) {
	fields := logrus.Fields{
		"action":      action,
		"target_id":   targetID,
		"seq":         seq,
		"outcome":     outcome,
		"duration_ms": duration.Milliseconds(),
	}
	for k, v := range cost {
		fields["cost_"+k] = v
	}
	entry := l.WithContext(ctx).WithFields(fields)
	if outcome == "ACCESS_DENIED" || outcome == "EXECUTION_ERROR" || outcome == "TIMEOUT" {
		entry.Warn("invocation rejected")
		return
	}
	entry.Info("invocation completed")
}

// LogLedgerOp logs a ledger mutation (transfer, mint, burn, spend).
func (l *Logger) LogLedgerOp(ctx context.Context, op, resource string, amount float64, from, to string, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"op":       op,
		"resource": resource,
		"amount":   amount,
		"from":     from,
		"to":       to,
	})
	if err != nil {
		entry.WithError(err).Warn("ledger operation failed")
		return
	}
	entry.Info("ledger operation committed")
}

// LogTokenBucket logs a token-bucket admission decision.
func (l *Logger) LogTokenBucket(ctx context.Context, bucket string, balance, requested float64, admitted bool) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"bucket":    bucket,
		"balance":   balance,
		"requested": requested,
		"admitted":  admitted,
	}).Debug("token bucket spend")
}

// LogAudit logs an audit event (contract decision, quarantine, checkpoint).
func (l *Logger) LogAudit(ctx context.Context, action, resource, resourceID, result string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"action":      action,
		"resource":    resource,
		"resource_id": resourceID,
		"result":      result,
		"audit":       true,
	}).Info("audit log")
}

// LogErrorWithStack logs an error with additional context.
func (l *Logger) LogErrorWithStack(ctx context.Context, err error, message string, fields map[string]interface{}) {
	logFields := logrus.Fields{"error": err.Error()}
	for k, v := range fields {
		logFields[k] = v
	}
	l.WithContext(ctx).WithFields(logFields).Error(message)
}

// Fatal logs a fatal error and exits.
func (l *Logger) Fatal(ctx context.Context, message string, err error) {
	l.WithContext(ctx).WithError(err).Fatal(message)
}

// Global logger instance (initialized once at startup).
var defaultLogger *Logger

// InitDefault initializes the default logger.
func InitDefault(service, level, format string) {
	defaultLogger = New(service, level, format)
}

// Default returns the default logger.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("kernel", "info", "json")
	}
	return defaultLogger
}

// FormatDuration formats a duration in milliseconds for log messages.
func FormatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d.Nanoseconds())/1e6)
}
