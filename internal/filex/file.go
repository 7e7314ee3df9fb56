// Package filex has filesystem helpers for writing into the workspace.
package filex

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureDir creates dir and its parents if needed and returns its absolute
// path.
func EnsureDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("abs %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", abs, err)
	}
	return abs, nil
}

// CreateTemp opens a hidden temp file next to dest, creating dest's parent
// directory first. Pair with Commit or Discard.
func CreateTemp(dest string) (*os.File, error) {
	dir := filepath.Dir(dest)
	if _, err := EnsureDir(dir); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".part-*")
	if err != nil {
		return nil, fmt.Errorf("create temp for %s: %w", dest, err)
	}
	return f, nil
}

// Commit closes f and renames it over dest.
func Commit(f *os.File, dest string) error {
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return fmt.Errorf("close %s: %w", f.Name(), err)
	}
	if err := os.Rename(f.Name(), dest); err != nil {
		_ = os.Remove(f.Name())
		return fmt.Errorf("rename to %s: %w", dest, err)
	}
	return nil
}

// Discard closes and removes f, ignoring errors.
func Discard(f *os.File) {
	_ = f.Close()
	_ = os.Remove(f.Name())
}
