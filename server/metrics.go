package server

import (
	"log/slog"
	"time"
)

// PathRedactor is a function type for custom path redaction in logs.
// It takes a file path and returns a redacted version for privacy.
//
// Example implementations:
//
//	// Redact middle components
//	func(path string) string {
//	    parts := strings.Split(path, "/")
//	    if len(parts) > 3 {
//	        for i := 2; i < len(parts)-1; i++ {
//	            parts[i] = "*"
//	        }
//	    }
//	    return strings.Join(parts, "/")
//	}
//
//	// Redact specific patterns
//	func(path string) string {
//	    return regexp.MustCompile(`/users/[^/]+/`).ReplaceAllString(path, "/users/*/")
//	}
type PathRedactor func(path string) string

// MetricsCollector is an optional interface for collecting server metrics.
// Implementations can send metrics to monitoring systems like Prometheus,
// StatsD, DataDog, etc.
//
// All methods are called from various points in the server lifecycle and
// should be non-blocking. If a method takes significant time, it should
// dispatch the work asynchronously.
//
// The server will check if the collector is nil before calling methods,
// so implementations don't need to handle nil receivers.
type MetricsCollector interface {
	// RecordCommand records metrics for an FTP command execution.
	// cmd is the command name (e.g., "RETR", "STOR", "LIST").
	// success indicates whether the command completed successfully; the
	// session dispatcher has no per-handler outcome and always passes true.
	// duration is how long the command took to execute.
	RecordCommand(cmd string, success bool, duration time.Duration)

	// RecordTransfer records metrics for a file transfer operation.
	// operation is the command that ran the transfer: "RETR" (download),
	// "STOR" or "APPE" (upload), or "LIST" or "NLST" (directory listing).
	// bytes is the number of bytes transferred.
	// duration is how long the transfer took.
	RecordTransfer(operation string, bytes int64, duration time.Duration)

	// RecordConnection records metrics for connection attempts.
	// accepted indicates whether the connection was accepted.
	// reason provides context (e.g., "global_limit_reached", "per_ip_limit_reached", "accepted").
	RecordConnection(accepted bool, reason string)

	// RecordAuthentication records metrics for authentication attempts.
	// success indicates whether authentication succeeded.
	// user is the username that attempted to authenticate.
	RecordAuthentication(success bool, user string)

	// RecordLockContention records an occasion where a command was turned
	// away with a 450 because the file it targeted was already held by
	// the lock table. cmd is the command that lost the race (RETR, STOR,
	// APPE, DELE or RNFR) and path is the virtual path it targeted.
	RecordLockContention(cmd, path string)
}

// slogMetricsCollector is a MetricsCollector that writes every event to a
// structured logger instead of a monitoring backend. It exists so the
// server always has a concrete, runnable collector to reach for (wired
// through WithMetricsCollector) rather than leaving MetricsCollector a
// contract nothing in this repo implements.
type slogMetricsCollector struct {
	logger *slog.Logger
}

// NewSlogMetricsCollector returns a MetricsCollector that logs each event
// at debug level through logger, tagged "metric" so a log pipeline can
// filter on it independently of the server's operational log lines.
func NewSlogMetricsCollector(logger *slog.Logger) MetricsCollector {
	return &slogMetricsCollector{logger: logger}
}

func (m *slogMetricsCollector) RecordCommand(cmd string, success bool, duration time.Duration) {
	m.logger.Debug("metric", "metric", "command", "cmd", cmd, "success", success, "duration_ms", duration.Milliseconds())
}

func (m *slogMetricsCollector) RecordTransfer(operation string, bytes int64, duration time.Duration) {
	m.logger.Debug("metric", "metric", "transfer", "operation", operation, "bytes", bytes, "duration_ms", duration.Milliseconds())
}

func (m *slogMetricsCollector) RecordConnection(accepted bool, reason string) {
	m.logger.Debug("metric", "metric", "connection", "accepted", accepted, "reason", reason)
}

func (m *slogMetricsCollector) RecordAuthentication(success bool, user string) {
	m.logger.Debug("metric", "metric", "authentication", "success", success, "user", user)
}

func (m *slogMetricsCollector) RecordLockContention(cmd, path string) {
	m.logger.Debug("metric", "metric", "lock_contention", "cmd", cmd, "path", path)
}
