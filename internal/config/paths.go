package config

import (
	"os"
	"path/filepath"
)

// OrchardPath returns the root directory for Orchard data.
// It uses $ORCHARD_PATH if set, otherwise defaults to ~/.orchard.
func OrchardPath() string {
	if v := os.Getenv("ORCHARD_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".orchard")
	}
	return filepath.Join(home, ".orchard")
}

// ConfigPath returns the path to the Orchard config file.
func ConfigPath() string {
	return filepath.Join(OrchardPath(), "config.yaml")
}
