package file

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	appDirPerm  os.FileMode = 0o750
	appFilePerm os.FileMode = 0o640
)

var errEmptyPath = errors.New("empty path")

// EnsureDir creates the directory if it does not exist.
func EnsureDir(dirPath string) error {
	if dirPath == "" {
		return errEmptyPath
	}
	if err := os.MkdirAll(dirPath, appDirPerm); err != nil { //nolint:gosec // app-owned data dir
		return fmt.Errorf("ensure dir: %w", err)
	}
	return nil
}

// CopyAtomic writes data provided by the reader to the destination file atomically.
// The data goes to a temporary file in the same directory which is renamed over
// filename only after a successful sync; on any failure the temporary file is removed
// and an existing destination is left untouched.
func CopyAtomic(filename string, reader io.Reader) (err error) {
	if filename == "" {
		return errEmptyPath
	}
	dir := filepath.Dir(filename)
	if err := EnsureDir(dir); err != nil {
		return err
	}
	tempFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tempFile.Name()
	closed := false
	defer func() {
		if err == nil {
			return
		}
		if !closed {
			_ = tempFile.Close()
		}
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tempFile, reader); err != nil {
		return fmt.Errorf("copy to temp: %w", err)
	}
	if err := tempFile.Chmod(appFilePerm); err != nil {
		return fmt.Errorf("chmod temp: %w", err)
	}
	// ensure data hits disk
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("sync temp: %w", err)
	}
	closed = true
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, filename); err != nil {
		return fmt.Errorf("rename temp: %w", err)
	}
	return nil
}
