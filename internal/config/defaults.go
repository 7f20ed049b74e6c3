package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// PlatformDataDir returns the directory heartbeatd keeps its database in.
//
//   - macOS:   ~/Library/Application Support/heartbeatd/
//   - Linux:   $XDG_DATA_HOME/heartbeatd or ~/.local/share/heartbeatd/
//   - Windows: %APPDATA%\heartbeatd\
func PlatformDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "heartbeatd")
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "heartbeatd")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "heartbeatd")
		}
		return filepath.Join(home, "AppData", "Roaming", "heartbeatd")
	case "linux":
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "heartbeatd")
		}
		return filepath.Join(home, ".local", "share", "heartbeatd")
	default:
		return filepath.Join(home, ".heartbeatd")
	}
}

// PlatformConfigDir returns the directory searched for config files.
func PlatformConfigDir() string {
	if runtime.GOOS == "linux" {
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "heartbeatd")
		}
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, ".config", "heartbeatd")
		}
	}
	return PlatformDataDir()
}

// SupportedConfigFormats returns the config file extensions Load understands.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile looks for config.<ext> in the working directory, then the
// config directory, then the data directory. It returns "" if none exists.
func FindConfigFile() string {
	for _, dir := range []string{".", PlatformConfigDir(), HeartbeatdDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
