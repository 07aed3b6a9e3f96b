package sys

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileHandle is the subset of *os.File the storage layers depend on. Tests
// swap the package-level openers to inject faulty implementations.
type FileHandle interface {
	io.ReadWriteCloser
	io.ReaderAt
	io.WriterAt
	io.Seeker

	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
	Name() string
}

var _ FileHandle = (*os.File)(nil)

type OpenFileHandler func(name string, flag int, perm os.FileMode) (FileHandle, error)
type RemoveHandler func(name string) error
type RenameHandler func(oldpath, newpath string) error

// OpenFile opens name with the given flags. It is a variable so tests can
// substitute a failing implementation.
var OpenFile OpenFileHandler = func(name string, flag int, perm os.FileMode) (FileHandle, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

var Remove RemoveHandler = os.Remove

var Rename RenameHandler = os.Rename

// Create creates or truncates name for reading and writing.
func Create(name string) (FileHandle, error) {
	return OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
}

// Open opens name read-only.
func Open(name string) (FileHandle, error) {
	return OpenFile(name, os.O_RDONLY, 0)
}

// FileSize returns the current size of f.
func FileSize(f FileHandle) (int64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// WriteFileAtomic replaces path with data using the write-temp, fsync,
// rename sequence, so readers observe either the old or the new content.
func WriteFileAtomic(path string, data []byte) error {
	tempPath := path + ".tmp"
	f, err := Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp file %s: %w", tempPath, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = Remove(tempPath)
		return fmt.Errorf("failed to write temp file %s: %w", tempPath, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = Remove(tempPath)
		return fmt.Errorf("failed to sync temp file %s: %w", tempPath, err)
	}
	// Close before rename for Windows.
	if err := f.Close(); err != nil {
		_ = Remove(tempPath)
		return fmt.Errorf("failed to close temp file %s: %w", tempPath, err)
	}
	if err := Rename(tempPath, path); err != nil {
		_ = Remove(tempPath)
		return fmt.Errorf("failed to rename %s to %s: %w", tempPath, path, err)
	}
	return SyncDir(filepath.Dir(path))
}
