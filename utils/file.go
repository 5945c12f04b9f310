package utils

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ExpandHomeDir replaces a leading "~" or "~/" in path with the current user's home directory.
func ExpandHomeDir(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "cannot expand home directory")
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// ResolvePath expands a leading "~" in path and joins relative paths onto baseDir. The empty path
// stays empty.
func ResolvePath(baseDir, path string) (string, error) {
	if path == "" {
		return "", nil
	}
	path, err := ExpandHomeDir(path)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(path) || baseDir == "" {
		return filepath.Clean(path), nil
	}
	return filepath.Join(baseDir, path), nil
}
