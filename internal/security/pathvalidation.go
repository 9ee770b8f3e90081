// Package security validates file paths that arrive from API clients.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathTraversal is returned for paths that resolve outside their base directory.
var ErrPathTraversal = errors.New("path escapes the allowed directory")

// ValidatePathWithinDirectory checks that filePath, taken relative to
// safeDir when not absolute, stays inside safeDir once symlinks are
// resolved. The file itself need not exist; its nearest existing parent is
// resolved instead.
func ValidatePathWithinDirectory(filePath, safeDir string) error {
	if filePath == "" {
		return fmt.Errorf("empty path")
	}
	absSafeDir, err := filepath.Abs(safeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory path: %w", err)
	}
	canonicalSafeDir, err := filepath.EvalSymlinks(absSafeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory symlinks: %w", err)
	}

	absPath := filepath.Clean(filePath)
	if !filepath.IsAbs(absPath) {
		absPath = filepath.Join(absSafeDir, absPath)
	}

	relPath, err := filepath.Rel(canonicalSafeDir, canonicalise(absPath))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPathTraversal, filePath)
	}
	if relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) || filepath.IsAbs(relPath) {
		return fmt.Errorf("%w: %s", ErrPathTraversal, filePath)
	}
	return nil
}

// canonicalise resolves symlinks in the longest existing prefix of path, so
// a link such as /data/evil -> /etc is caught for /data/evil/new.bin.
func canonicalise(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	for check := path; ; {
		parent := filepath.Dir(check)
		if parent == check {
			return path
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			rel, _ := filepath.Rel(parent, path)
			return filepath.Join(resolved, rel)
		}
		check = parent
	}
}
