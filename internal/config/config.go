// Package config handles configuration loading, validation, and hot reload
// for heartbeatd.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"heartbeatd/internal/logging"
	"heartbeatd/internal/notify"
	"heartbeatd/internal/store"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	Server  ServerConfig  `toml:"server" json:"server" yaml:"server"`
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`
	MQTT    MQTTConfig    `toml:"mqtt" json:"mqtt" yaml:"mqtt"`
	Auth    AuthConfig    `toml:"auth" json:"auth" yaml:"auth"`
	Status  StatusConfig  `toml:"status" json:"status" yaml:"status"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":3000".
	Addr string `toml:"addr" json:"addr" yaml:"addr"`

	ReadTimeoutSec     int `toml:"read_timeout_sec" json:"read_timeout_sec" yaml:"read_timeout_sec"`
	WriteTimeoutSec    int `toml:"write_timeout_sec" json:"write_timeout_sec" yaml:"write_timeout_sec"`
	ShutdownTimeoutSec int `toml:"shutdown_timeout_sec" json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`

	// CORSOrigins lists origins allowed to call the API. Empty disables CORS.
	CORSOrigins []string `toml:"cors_origins" json:"cors_origins" yaml:"cors_origins"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`
	BusyTimeoutMs  int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int64  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`

	// AuditPath is the audit log file. Empty disables audit logging.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Path      string `toml:"path" json:"path" yaml:"path"`
	Namespace string `toml:"namespace" json:"namespace" yaml:"namespace"`
}

// MQTTConfig holds absence event publishing settings.
type MQTTConfig struct {
	Enabled     bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Broker      string `toml:"broker" json:"broker" yaml:"broker"`
	ClientID    string `toml:"client_id" json:"client_id" yaml:"client_id"`
	TopicPrefix string `toml:"topic_prefix" json:"topic_prefix" yaml:"topic_prefix"`
	QoS         byte   `toml:"qos" json:"qos" yaml:"qos"`
	Username    string `toml:"username" json:"username" yaml:"username"`
	Password    string `toml:"password" json:"password" yaml:"password"`
}

// AuthConfig holds device authentication settings.
type AuthConfig struct {
	// CacheTTLSec is how long a resolved token stays cached. 0 disables
	// the cache.
	CacheTTLSec int `toml:"cache_ttl_sec" json:"cache_ttl_sec" yaml:"cache_ttl_sec"`
}

// StatusConfig tunes the status pages.
type StatusConfig struct {
	// ActiveWindowSec is how recent the last beat must be to show "active".
	ActiveWindowSec int64 `toml:"active_window_sec" json:"active_window_sec" yaml:"active_window_sec"`

	// SleepAfterSec is the inactivity after which the sleep note is shown.
	SleepAfterSec int64 `toml:"sleep_after_sec" json:"sleep_after_sec" yaml:"sleep_after_sec"`

	ReportLimit int `toml:"report_limit" json:"report_limit" yaml:"report_limit"`
	GraphBeats  int `toml:"graph_beats" json:"graph_beats" yaml:"graph_beats"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Server: ServerConfig{
			Addr:               ":3000",
			ReadTimeoutSec:     10,
			WriteTimeoutSec:    30,
			ShutdownTimeoutSec: 10,
		},
		Storage: StorageConfig{
			Path:           filepath.Join(HeartbeatdDir(), "heartbeatd.db"),
			MaxConnections: 5,
			BusyTimeoutMs:  5000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSizeMB:  100,
			MaxBackups: 5,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "heartbeatd",
		},
		MQTT: MQTTConfig{
			ClientID:    "heartbeatd",
			TopicPrefix: "heartbeatd",
			QoS:         1,
		},
		Auth: AuthConfig{
			CacheTTLSec: 300,
		},
		Status: StatusConfig{
			ActiveWindowSec: 10 * 60,
			SleepAfterSec:   4 * 60 * 60,
			ReportLimit:     1000,
			GraphBeats:      4000,
		},
	}
}

// HeartbeatdDir returns the base data directory.
// HEARTBEATD_DATA_DIR overrides the platform default.
func HeartbeatdDir() string {
	if dir := os.Getenv("HEARTBEATD_DATA_DIR"); dir != "" {
		return dir
	}
	return PlatformDataDir()
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(HeartbeatdDir(), "config.toml")
}

// Load reads configuration from path, then applies environment overrides.
// A missing file yields the defaults. The decoder is chosen by extension;
// unknown extensions are decoded as TOML.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

func loadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	}
	return cfg, nil
}

// Save writes cfg to path as TOML, creating the parent directory.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encode TOML: %w", err)
	}
	return f.Close()
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{filepath.Dir(c.Storage.Path)}
	if c.Logging.FilePath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.Logging.AuditPath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.AuditPath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies HEARTBEATD_* environment variables. DATABASE_URL
// and PORT are honoured as well; the HEARTBEATD_ forms take precedence.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("PORT"); v != "" {
		if _, err := strconv.ParseUint(v, 10, 16); err == nil {
			c.Server.Addr = ":" + v
		}
	}
	if v := os.Getenv("HEARTBEATD_ADDR"); v != "" {
		c.Server.Addr = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Storage.Path = databasePath(v)
	}
	if v := os.Getenv("HEARTBEATD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}

	if v := os.Getenv("HEARTBEATD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("HEARTBEATD_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("HEARTBEATD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	if v := os.Getenv("HEARTBEATD_MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
		c.MQTT.Enabled = true
	}
	// Credentials are kept out of config files.
	if v := os.Getenv("HEARTBEATD_MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
}

// databasePath strips the sqlite URL scheme from a DATABASE_URL value.
func databasePath(url string) string {
	for _, prefix := range []string{"sqlite://", "sqlite:", "file:"} {
		if strings.HasPrefix(url, prefix) {
			url = strings.TrimPrefix(url, prefix)
			break
		}
	}
	if i := strings.IndexByte(url, '?'); i >= 0 {
		url = url[:i]
	}
	return url
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Server.CORSOrigins = append([]string(nil), c.Server.CORSOrigins...)
	return &clone
}

// StoreOptions returns the options for store.OpenWithOptions.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		MaxConnections: c.Storage.MaxConnections,
		BusyTimeout:    time.Duration(c.Storage.BusyTimeoutMs) * time.Millisecond,
	}
}

// LoggingOptions converts the logging section for logging.New.
func (c *Config) LoggingOptions() (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}
	return &logging.Config{
		Level:      level,
		Format:     format,
		Output:     c.Logging.Output,
		FilePath:   c.Logging.FilePath,
		MaxSize:    c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		Compress:   c.Logging.Compress,
	}, nil
}

// MQTTOptions converts the MQTT section for notify.NewMQTTPublisher.
func (c *Config) MQTTOptions() notify.MQTTOptions {
	return notify.MQTTOptions{
		Broker:      c.MQTT.Broker,
		ClientID:    c.MQTT.ClientID,
		TopicPrefix: c.MQTT.TopicPrefix,
		QoS:         c.MQTT.QoS,
		Username:    c.MQTT.Username,
		Password:    c.MQTT.Password,
	}
}

// AuthCacheTTL returns the token cache lifetime.
func (c *Config) AuthCacheTTL() time.Duration {
	return time.Duration(c.Auth.CacheTTLSec) * time.Second
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSec) * time.Second
}
