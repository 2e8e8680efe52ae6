package xfs

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandTilde replaces a leading tilde (~) with the user's home directory.
func ExpandTilde(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
}

// EnsureDir creates path (and parents) if it does not exist yet.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

// RemoveQuietly removes path and reports whether something was actually removed.
// A missing file is not an error.
func RemoveQuietly(path string) (bool, error) {
	if path == "" {
		return false, nil
	}

	err := os.Remove(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}

	return false, err
}
