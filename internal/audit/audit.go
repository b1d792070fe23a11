// Package audit emits structured audit events at well-defined hook
// points, distinct from the Prometheus counters in internal/metrics.
// Audit events never carry env values or file contents (§7).
package audit

import (
	"log/slog"
	"strings"
)

// EventType names one audited operation: lifecycle, exec, filesystem
// mutation, transfer, policy and system events — this is a security log,
// not a generic trace.
type EventType string

const (
	EventSpawn         EventType = "container_spawn"
	EventAttach        EventType = "container_attach"
	EventKill          EventType = "container_kill"
	EventExecStart     EventType = "exec_start"
	EventExecCancel    EventType = "exec_cancel"
	EventFSWrite       EventType = "fs_write"
	EventFSDelete      EventType = "fs_delete"
	EventTransferImport EventType = "transfer_import"
	EventTransferExport EventType = "transfer_export"
	EventPolicyReject  EventType = "policy_reject"
	EventSystemStartup EventType = "system_startup"
	EventSystemShutdown EventType = "system_shutdown"
	EventReconcile     EventType = "system_reconcile"
)

// sensitiveSubstrings matches the original's redaction word list; any
// detail key containing one of these is redacted wholesale rather than
// trusted to hold a safe value.
var sensitiveSubstrings = []string{"password", "token", "secret", "key", "auth", "credential", "private"}

const redacted = "***REDACTED***"

// Event is one audited occurrence. Details is free-form but passes
// through Sanitize before being logged.
type Event struct {
	Type          EventType
	ContainerID   string
	ClientName    string
	SessionID     string
	CorrelationID string
	Details       map[string]any
}

// Logger emits sanitized audit events through the slog logger it is given
// (slog.Default when nil), tagged component=audit so audit lines can be
// told apart from general application output.
type Logger struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger.With("component", "audit")}
}

func (l *Logger) Log(e Event) {
	attrs := []any{"event_type", string(e.Type)}
	if e.ContainerID != "" {
		attrs = append(attrs, "container_id", e.ContainerID)
	}
	if e.ClientName != "" {
		attrs = append(attrs, "client_name", e.ClientName)
	}
	if e.SessionID != "" {
		attrs = append(attrs, "session_id", e.SessionID)
	}
	if e.CorrelationID != "" {
		attrs = append(attrs, "correlation_id", e.CorrelationID)
	}
	if sanitized := sanitize(e.Details); len(sanitized) > 0 {
		attrs = append(attrs, "details", sanitized)
	}
	l.logger.Info("audit_event", attrs...)
}

// sanitize redacts any key whose name contains one of the sensitive
// substrings, recursing into nested maps and slices of maps.
func sanitize(details map[string]any) map[string]any {
	if len(details) == 0 {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		switch {
		case isSensitiveKey(k):
			out[k] = redacted
		case isMap(v):
			out[k] = sanitize(v.(map[string]any))
		case isMapSlice(v):
			in := v.([]map[string]any)
			sanitizedSlice := make([]map[string]any, len(in))
			for i, item := range in {
				sanitizedSlice[i] = sanitize(item)
			}
			out[k] = sanitizedSlice
		default:
			out[k] = v
		}
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range sensitiveSubstrings {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

func isMap(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

func isMapSlice(v any) bool {
	_, ok := v.([]map[string]any)
	return ok
}
