package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "batchdl"

// GetConfigDir returns the directory holding settings.toml. On Linux it
// honours XDG_CONFIG_HOME.
func GetConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, appName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+appName)
}

// GetStateDir returns the directory for the history ledger and debug logs.
// On Linux it honours XDG_STATE_HOME. Elsewhere it shares the config dir.
func GetStateDir() string {
	if runtime.GOOS == "linux" {
		if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
			return filepath.Join(dir, appName)
		}
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, ".local", "state", appName)
		}
	}
	return GetConfigDir()
}

// GetSettingsPath returns the path to the settings TOML file.
func GetSettingsPath() string {
	return filepath.Join(GetConfigDir(), "settings.toml")
}

// EnsureDirs creates the config and state directories.
func EnsureDirs() error {
	for _, dir := range []string{GetConfigDir(), GetStateDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
