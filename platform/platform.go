// Package platform provides platform-specific directory paths.
package platform

import (
	"os"
)

// AppName is the application name used for directory naming
const AppName = "metric-sam3d"

// ServerName is the server name used for temp directories
const ServerName = "metric-sam3d-server"

// GetDataDir returns the application data directory.
// Linux: ~/.local/share/metric-sam3d
// Falls back to ~/.metric-sam3d if XDG is not available.
func GetDataDir() string {
	return getDataDir()
}

// GetTempDir returns the temp directory for staging uploaded captures.
// Linux: XDG_RUNTIME_DIR/metric-sam3d-server or /tmp/metric-sam3d-server
func GetTempDir() string {
	return getTempDir()
}

// EnsureExecutable ensures a file has executable permissions.
func EnsureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	// Add executable bit for owner
	return os.Chmod(path, info.Mode()|0111)
}
