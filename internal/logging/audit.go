package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventDeviceCreated  AuditEventType = "device_created"
	AuditEventAuthentication AuditEventType = "authentication"
	AuditEventConfigChange   AuditEventType = "config_change"
	AuditEventMigration      AuditEventType = "migration"
	AuditEventStartup        AuditEventType = "startup"
	AuditEventShutdown       AuditEventType = "shutdown"
)

// AuditEvent represents a security-relevant event.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Component string         `json:"component"`
	DeviceID  int64          `json:"device_id,omitempty"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Result    string         `json:"result"` // "success", "failure", "denied"
	Details   map[string]any `json:"details,omitempty"`
	SourceIP  string         `json:"source_ip,omitempty"`
	Error     string         `json:"error,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// AuditLogger writes audit events as JSON lines.
type AuditLogger struct {
	mu        sync.Mutex
	w         io.Writer
	rotator   *FileRotator
	component string
}

// NewAuditLogger writes events to w.
func NewAuditLogger(w io.Writer, component string) *AuditLogger {
	return &AuditLogger{w: w, component: component}
}

// OpenAuditLog writes events to a rotating file at path.
func OpenAuditLog(path, component string) (*AuditLogger, error) {
	rotator, err := NewFileRotator(&Config{
		FilePath:   path,
		MaxSize:    50,
		MaxBackups: 10,
		Compress:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}
	a := NewAuditLogger(rotator, component)
	a.rotator = rotator
	return a, nil
}

// Log writes an audit event. A nil AuditLogger discards it.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Component == "" {
		event.Component = a.component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	data = append(data, '\n')
	if _, err := a.w.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}

	return nil
}

// LogDeviceCreated records a device registration.
func (a *AuditLogger) LogDeviceCreated(ctx context.Context, deviceID int64, name string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventDeviceCreated,
		DeviceID:  deviceID,
		Action:    "device_created",
		Resource:  name,
		Result:    "success",
	})
}

// LogAuthFailure records a rejected device credential.
func (a *AuditLogger) LogAuthFailure(ctx context.Context, sourceIP, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventAuthentication,
		Action:    "device_auth",
		Result:    "denied",
		SourceIP:  sourceIP,
		Error:     reason,
	})
}

// LogConfigChange records a setting reloaded from disk.
func (a *AuditLogger) LogConfigChange(ctx context.Context, setting, oldValue, newValue string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "config_changed",
		Resource:  setting,
		Result:    "success",
		Details: map[string]any{
			"old_value": oldValue,
			"new_value": newValue,
		},
	})
}

// LogMigration records a schema rollback or upgrade run from the CLI.
func (a *AuditLogger) LogMigration(ctx context.Context, action string, version int, err error) error {
	event := AuditEvent{
		EventType: AuditEventMigration,
		Action:    action,
		Result:    "success",
		Details:   map[string]any{"version": version},
	}
	if err != nil {
		event.Result = "failure"
		event.Error = err.Error()
	}
	return a.Log(ctx, event)
}

// LogStartup records a server start.
func (a *AuditLogger) LogStartup(ctx context.Context, version, addr string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "server_started",
		Result:    "success",
		Details: map[string]any{
			"version": version,
			"addr":    addr,
		},
	})
}

// LogShutdown records a server stop.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "server_stopped",
		Result:    "success",
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// Close closes the underlying file, if any.
func (a *AuditLogger) Close() error {
	if a == nil || a.rotator == nil {
		return nil
	}
	return a.rotator.Close()
}
