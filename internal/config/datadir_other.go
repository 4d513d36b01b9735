//go:build !darwin

package config

import (
	"os"
	"path/filepath"
)

// DefaultDataDir returns the XDG-compatible location for daemon state.
func DefaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "indexd-data"
		}
	}
	return filepath.Join(dir, "indexd")
}
