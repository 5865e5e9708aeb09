// Package logger provides structured logging infrastructure for the application.
// This is part of the platform layer and contains no business logic.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Context key types for storing values in context
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"
	// TenantIDKey is the context key for tenant (CRM location) ID
	TenantIDKey contextKey = "tenant_id"
	// ContactIDKey is the context key for the CRM contact ID
	ContactIDKey contextKey = "contact_id"
)

// Logger wraps slog.Logger for structured logging
type Logger struct {
	*slog.Logger
}

// New creates a new logger based on environment
func New(env string) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if strings.EqualFold(env, "development") {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithContext returns a logger with context values extracted.
// Supports request_id, tenant_id, and contact_id from context.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if ctx == nil {
		return l
	}

	newLogger := l

	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		newLogger = &Logger{Logger: newLogger.With(slog.String("request_id", requestID))}
	}

	if tenantID, ok := ctx.Value(TenantIDKey).(string); ok && tenantID != "" {
		newLogger = newLogger.WithTenantID(tenantID)
	}

	if contactID, ok := ctx.Value(ContactIDKey).(string); ok && contactID != "" {
		newLogger = newLogger.WithContactID(contactID)
	}

	return newLogger
}

// WithTenantID returns a logger with tenant ID
func (l *Logger) WithTenantID(tenantID string) *Logger {
	return &Logger{
		Logger: l.With(slog.String("tenant_id", tenantID)),
	}
}

// WithContactID returns a logger with contact ID
func (l *Logger) WithContactID(contactID string) *Logger {
	return &Logger{
		Logger: l.With(slog.String("contact_id", contactID)),
	}
}

// HTTPRequest logs an HTTP request
func (l *Logger) HTTPRequest(method, path string, status int, latencyMs float64, clientIP string) {
	l.Info("http_request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.Float64("latency_ms", latencyMs),
		slog.String("client_ip", clientIP),
	)
}

// HTTPError logs an HTTP error
func (l *Logger) HTTPError(method, path string, status int, err error, clientIP string) {
	l.Error("http_error",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.String("error", err.Error()),
		slog.String("client_ip", clientIP),
	)
}

// WebhookRejected logs an inbound webhook that failed verification.
// These never reach business logic, so the boundary is the only audit point.
func (l *Logger) WebhookRejected(tenantID, reason, clientIP string) {
	l.Warn("webhook_rejected",
		slog.String("tenant_id", tenantID),
		slog.String("reason", reason),
		slog.String("client_ip", clientIP),
	)
}

// DuplicateEvent logs a deduplicated webhook or tick delivery.
// Duplicates are silently discarded but counted for observability.
func (l *Logger) DuplicateEvent(tenantID, eventKey string) {
	l.Info("duplicate_event_discarded",
		slog.String("tenant_id", tenantID),
		slog.String("event_key", eventKey),
	)
}

// StaleEvent logs an out-of-order event that would regress lead state.
func (l *Logger) StaleEvent(tenantID, contactID string) {
	l.Info("stale_event_skipped",
		slog.String("tenant_id", tenantID),
		slog.String("contact_id", contactID),
	)
}

// CrmRetry logs a transient CRM write failure eligible for retry.
func (l *Logger) CrmRetry(tenantID, contactID string, attempt int, err error) {
	l.Warn("crm_write_retry",
		slog.String("tenant_id", tenantID),
		slog.String("contact_id", contactID),
		slog.Int("attempt", attempt),
		slog.String("error", err.Error()),
	)
}

// DeadLetter logs a write or transition that exhausted its retry budget.
func (l *Logger) DeadLetter(tenantID, contactID, category string, err error) {
	l.Error("dead_letter",
		slog.String("tenant_id", tenantID),
		slog.String("contact_id", contactID),
		slog.String("category", category),
		slog.String("error", err.Error()),
	)
}

// DatabaseError logs database errors
func (l *Logger) DatabaseError(operation string, err error) {
	l.Error("database_error",
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	)
}

// RateLimitExceeded logs rate limit events
func (l *Logger) RateLimitExceeded(clientIP, path string) {
	l.Warn("rate_limit_exceeded",
		slog.String("client_ip", clientIP),
		slog.String("path", path),
	)
}
