package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"ERROR", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelDebug, "debug"},
		{LevelInfo, "info"},
		{LevelWarn, "warn"},
		{LevelError, "error"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if got := LevelString(test.level); got != test.expected {
				t.Errorf("expected %q, got %q", test.expected, got)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("json"); err != nil || f != FormatJSON {
		t.Errorf("ParseFormat(json) = %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("ParseFormat(\"\") = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level Info, got %v", cfg.Level)
	}
	if cfg.Format != FormatText {
		t.Errorf("expected default format Text, got %v", cfg.Format)
	}
	if cfg.Output != "stderr" {
		t.Errorf("expected default output stderr, got %s", cfg.Output)
	}
	if cfg.MaxSize <= 0 {
		t.Errorf("expected positive MaxSize, got %d", cfg.MaxSize)
	}
	if cfg.MaxBackups <= 0 {
		t.Errorf("expected positive MaxBackups, got %d", cfg.MaxBackups)
	}
}

func newBufferLogger(t *testing.T, format Format) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := New(&Config{
		Level:     LevelInfo,
		Format:    format,
		Component: "test",
		Writer:    &buf,
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logger, &buf
}

func TestJSONFormat(t *testing.T) {
	logger, buf := newBufferLogger(t, FormatJSON)

	logger.Info("beat accepted", "device_id", 7)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if record["msg"] != "beat accepted" {
		t.Errorf("unexpected msg: %v", record["msg"])
	}
	if record["component"] != "test" {
		t.Errorf("unexpected component: %v", record["component"])
	}
	if record["device_id"] != float64(7) {
		t.Errorf("unexpected device_id: %v", record["device_id"])
	}
}

func TestRedaction(t *testing.T) {
	logger, buf := newBufferLogger(t, FormatJSON)

	logger.Info("auth", "authorization", "my_token", "token", "abc", "device", "phone")

	out := buf.String()
	if strings.Contains(out, "my_token") || strings.Contains(out, "abc") {
		t.Errorf("sensitive values leaked: %s", out)
	}
	if !strings.Contains(out, "phone") {
		t.Errorf("non-sensitive value missing: %s", out)
	}
}

func TestShouldRedact(t *testing.T) {
	tests := []struct {
		key      string
		expected bool
	}{
		{"password", true},
		{"PASSWORD", true},
		{"secret", true},
		{"api_key", true},
		{"token", true},
		{"device_token", true},
		{"Authorization", true},
		{"bearer", true},
		{"cookie", true},
		{"device_id", false},
		{"name", false},
		{"timestamp", false},
	}

	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			if got := shouldRedact(test.key); got != test.expected {
				t.Errorf("shouldRedact(%q) = %v, expected %v", test.key, got, test.expected)
			}
		})
	}
}

func TestSetLevelAffectsDerivedLoggers(t *testing.T) {
	logger, buf := newBufferLogger(t, FormatText)
	child := logger.WithComponent("reconcile")

	child.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug record written at info level: %s", buf.String())
	}

	logger.SetLevel(LevelDebug)
	child.Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("expected debug record after SetLevel, got %q", buf.String())
	}
	if logger.Level() != LevelDebug {
		t.Errorf("expected level debug, got %v", logger.Level())
	}
}

func TestWithContextAddsRequestID(t *testing.T) {
	logger, buf := newBufferLogger(t, FormatText)

	ctx := ContextWithRequestID(context.Background(), "req-789")
	logger.WithContext(ctx).Info("hello")

	if !strings.Contains(buf.String(), "request_id=req-789") {
		t.Errorf("expected request id in output, got %q", buf.String())
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "test-request-456")
	if got := RequestIDFromContext(ctx); got != "test-request-456" {
		t.Errorf("expected %q, got %q", "test-request-456", got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
	//nolint:staticcheck
	if got := RequestIDFromContext(nil); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	logger.Error("dropped")
	if err := logger.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestFileOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "heartbeatd.log")

	logger, err := New(&Config{
		Level:    LevelInfo,
		Format:   FormatText,
		Output:   "file",
		FilePath: logPath,
		MaxSize:  1,
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	logger.Info("written to file")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("unexpected log content: %q", data)
	}
}

func TestFileRotatorRotation(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")

	rotator, err := NewFileRotator(&Config{
		FilePath:   logPath,
		MaxSize:    1,
		MaxBackups: 2,
	})
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}

	line := bytes.Repeat([]byte("x"), 512*1024)
	for i := 0; i < 8; i++ {
		if _, err := rotator.Write(line); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}
	if err := rotator.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	backups, err := rotator.Backups()
	if err != nil {
		t.Fatalf("Backups failed: %v", err)
	}
	if len(backups) == 0 || len(backups) > 2 {
		t.Errorf("expected 1-2 backups, got %d: %v", len(backups), backups)
	}

	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatalf("current log missing: %v", err)
	}
	if info.Size() > 1024*1024 {
		t.Errorf("current log exceeds max size: %d", info.Size())
	}
}

func TestAuditLogger(t *testing.T) {
	var buf bytes.Buffer
	audit := NewAuditLogger(&buf, "test")
	ctx := ContextWithRequestID(context.Background(), "req-1")

	if err := audit.LogDeviceCreated(ctx, 3, "phone"); err != nil {
		t.Errorf("LogDeviceCreated failed: %v", err)
	}
	if err := audit.LogAuthFailure(ctx, "10.0.0.1", "unknown token"); err != nil {
		t.Errorf("LogAuthFailure failed: %v", err)
	}
	if err := audit.LogConfigChange(ctx, "logging.level", "info", "debug"); err != nil {
		t.Errorf("LogConfigChange failed: %v", err)
	}
	if err := audit.LogMigration(ctx, "rollback", 2, errors.New("boom")); err != nil {
		t.Errorf("LogMigration failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d", len(lines))
	}

	var first AuditEvent
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("line is not valid JSON: %v", err)
	}
	if first.EventType != AuditEventDeviceCreated || first.DeviceID != 3 || first.Resource != "phone" {
		t.Errorf("unexpected event: %+v", first)
	}
	if first.Component != "test" || first.RequestID != "req-1" {
		t.Errorf("defaults not applied: %+v", first)
	}

	var last AuditEvent
	if err := json.Unmarshal([]byte(lines[3]), &last); err != nil {
		t.Fatalf("line is not valid JSON: %v", err)
	}
	if last.Result != "failure" || last.Error != "boom" {
		t.Errorf("unexpected migration event: %+v", last)
	}
}

func TestNilAuditLogger(t *testing.T) {
	var audit *AuditLogger
	if err := audit.LogShutdown(context.Background(), "signal"); err != nil {
		t.Errorf("nil audit logger should discard: %v", err)
	}
	if err := audit.Close(); err != nil {
		t.Errorf("nil Close: %v", err)
	}
}

func TestOpenAuditLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	audit, err := OpenAuditLog(path, "heartbeatd")
	if err != nil {
		t.Fatalf("OpenAuditLog failed: %v", err)
	}
	if err := audit.LogStartup(context.Background(), "dev", ":8000"); err != nil {
		t.Errorf("LogStartup failed: %v", err)
	}
	if err := audit.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read audit log: %v", err)
	}
	if !strings.Contains(string(data), `"server_started"`) {
		t.Errorf("unexpected audit content: %s", data)
	}
}
