// Package paths resolves codemem's on-disk state locations.
// This package has NO internal imports (only stdlib) to avoid import cycles.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// BaseDir returns the codemem base directory (~/.codemem), honoring
// CODEMEM_HOME when set.
func BaseDir() (string, error) {
	if override := os.Getenv("CODEMEM_HOME"); override != "" {
		return ExpandTilde(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".codemem"), nil
}

// DataPath returns a path within the codemem base directory.
func DataPath(subpath string) (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, subpath), nil
}

// DBPath returns the sqlite database path, honoring CODEMEM_DB_PATH.
func DBPath() (string, error) {
	if override := os.Getenv("CODEMEM_DB_PATH"); override != "" {
		return ExpandTilde(override)
	}
	return DataPath("mem.sqlite")
}

// KeysDir returns the ed25519 key material directory, honoring CODEMEM_KEYS_DIR.
func KeysDir() (string, error) {
	if override := os.Getenv("CODEMEM_KEYS_DIR"); override != "" {
		return ExpandTilde(override)
	}
	return DataPath("keys")
}

// SyncPidFile returns the sync daemon pidfile path, honoring CODEMEM_SYNC_PID.
func SyncPidFile() (string, error) {
	if override := os.Getenv("CODEMEM_SYNC_PID"); override != "" {
		return ExpandTilde(override)
	}
	return DataPath("sync-daemon.pid")
}

// SyncLogFile returns the sync daemon log path.
func SyncLogFile() (string, error) {
	if override := os.Getenv("CODEMEM_SYNC_LOG"); override != "" {
		return ExpandTilde(override)
	}
	return DataPath("sync-daemon.log")
}

// ConfigPath returns the active config file path.
// Priority: CODEMEM_CONFIG env > ~/.config/codemem/config.json[c].
// Returns ("", nil) if no config exists - this is a valid state, not an error.
func ConfigPath() (string, error) {
	if override := os.Getenv("CODEMEM_CONFIG"); override != "" {
		return ExpandTilde(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	for _, name := range []string{"config.jsonc", "config.json"} {
		candidate := filepath.Join(home, ".config", "codemem", name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}

// DefaultConfigPath returns the default location for a new config file.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "codemem", "config.json"), nil
}

// EnsureDir creates a directory if it doesn't exist (mode 0750: owner rwx, group r-x).
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// EnsureParentDir creates the parent directory of a file path if needed.
func EnsureParentDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}

// ExpandTilde expands a leading ~ to the user's home directory.
func ExpandTilde(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	if len(path) == 1 {
		return home, nil
	}
	return filepath.Join(home, path[1:]), nil
}
