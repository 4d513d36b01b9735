//go:build darwin

package config

import (
	"os"
	"path/filepath"
)

// DefaultDataDir returns the platform-native location for daemon state.
func DefaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "Library", "Application Support", "indexd")
	}
	return "indexd-data"
}
