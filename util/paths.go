package util

import (
	"os"
	"path/filepath"
)

// DataDirEnv overrides the data directory.
const DataDirEnv = "NOTISYNC_DIR"

// GetDataDir returns the data directory path
func GetDataDir() string {
	if envDir := os.Getenv(DataDirEnv); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".notisync")
	}
	return filepath.Join(home, ".notisync")
}

// DatabasePath returns the SQLite database location inside dataDir.
func DatabasePath(dataDir string) string {
	return filepath.Join(dataDir, "notisync.db")
}

// ConfigPath returns the config file location inside dataDir.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config.toml")
}

// GetDeviceDir returns the per-device state directory of the radio simulator.
func GetDeviceDir(dataDir, address string) string {
	return filepath.Join(dataDir, "devices", sanitize(address))
}

// GetAdvertDir returns the directory where advertising devices publish themselves.
func GetAdvertDir(dataDir string) string {
	return filepath.Join(dataDir, "adverts")
}

// GetSocketDir returns the directory where Unix domain sockets are stored
func GetSocketDir(dataDir string) string {
	return filepath.Join(dataDir, "sockets")
}

// EnsureDir creates dir and its parents.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// sanitize makes a device address usable as a file name. Radio addresses
// contain colons.
func sanitize(address string) string {
	out := []byte(address)
	for i, c := range out {
		if c == ':' || c == '/' || c == '\\' {
			out[i] = '-'
		}
	}
	return string(out)
}

// SocketPath returns the Unix domain socket a device listens on while advertising.
func SocketPath(dataDir, address string) string {
	return filepath.Join(GetSocketDir(dataDir), sanitize(address)+".sock")
}
