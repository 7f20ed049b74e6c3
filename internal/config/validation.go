package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Has reports whether any error concerns field.
func (e ValidationErrors) Has(field string) bool {
	for _, err := range e {
		if err.Field == field {
			return true
		}
	}
	return false
}

// ValidateConfig checks every section and returns all problems found as
// ValidationErrors, or nil.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported config version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateServer(&c.Server)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)
	errs = append(errs, validateMQTT(&c.MQTT)...)
	errs = append(errs, validateStatus(&c.Status)...)

	if c.Auth.CacheTTLSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "auth.cache_ttl_sec",
			Message: "cache TTL cannot be negative",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateServer(s *ServerConfig) ValidationErrors {
	var errs ValidationErrors

	if _, _, err := net.SplitHostPort(s.Addr); err != nil {
		errs = append(errs, ValidationError{
			Field:   "server.addr",
			Message: fmt.Sprintf("invalid listen address %q: %v", s.Addr, err),
		})
	}

	for name, v := range map[string]int{
		"server.read_timeout_sec":     s.ReadTimeoutSec,
		"server.write_timeout_sec":    s.WriteTimeoutSec,
		"server.shutdown_timeout_sec": s.ShutdownTimeoutSec,
	} {
		if v < 0 {
			errs = append(errs, ValidationError{Field: name, Message: "timeout cannot be negative"})
		}
	}

	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if s.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "storage.path",
			Message: "database path is required",
		})
	}
	if s.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "storage.max_connections",
			Message: "at least one connection is required",
		})
	}
	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch strings.ToLower(l.Format) {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is '%s'", l.Output),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if !m.Enabled {
		return nil
	}

	var errs ValidationErrors
	if !strings.HasPrefix(m.Path, "/") {
		errs = append(errs, ValidationError{
			Field:   "metrics.path",
			Message: "path must start with '/'",
		})
	}
	if m.Namespace == "" {
		errs = append(errs, ValidationError{
			Field:   "metrics.namespace",
			Message: "namespace is required",
		})
	}
	return errs
}

func validateMQTT(m *MQTTConfig) ValidationErrors {
	if !m.Enabled {
		return nil
	}

	var errs ValidationErrors
	if !isValidBrokerURL(m.Broker) {
		errs = append(errs, ValidationError{
			Field:   "mqtt.broker",
			Message: fmt.Sprintf("invalid broker URL: %q (expected tcp://, ssl://, ws:// or wss://)", m.Broker),
		})
	}
	if m.QoS > 2 {
		errs = append(errs, ValidationError{
			Field:   "mqtt.qos",
			Message: "qos must be 0, 1 or 2",
		})
	}
	if m.TopicPrefix == "" || strings.ContainsAny(m.TopicPrefix, "+#") {
		errs = append(errs, ValidationError{
			Field:   "mqtt.topic_prefix",
			Message: "topic prefix must be non-empty and contain no wildcards",
		})
	}
	return errs
}

func validateStatus(s *StatusConfig) ValidationErrors {
	var errs ValidationErrors

	if s.ActiveWindowSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "status.active_window_sec",
			Message: "active window must be positive",
		})
	}
	if s.SleepAfterSec < s.ActiveWindowSec {
		errs = append(errs, ValidationError{
			Field:   "status.sleep_after_sec",
			Message: "sleep threshold must not be shorter than the active window",
		})
	}
	if s.ReportLimit < 1 {
		errs = append(errs, ValidationError{
			Field:   "status.report_limit",
			Message: "report limit must be positive",
		})
	}
	if s.GraphBeats < 1 {
		errs = append(errs, ValidationError{
			Field:   "status.graph_beats",
			Message: "graph beat count must be positive",
		})
	}

	return errs
}

func isValidBrokerURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "mqtt", "mqtts", "ws", "wss":
		return true
	}
	return false
}
