//go:build windows

package sys

import (
	"errors"
	"fmt"
	"os"
)

var ErrLocked = errors.New("directory is locked by another process")

// DirLock on Windows relies on exclusive creation of the lock file.
type DirLock struct {
	f    *os.File
	path string
}

func LockDir(dir, name string) (*DirLock, error) {
	path := dir + string(os.PathSeparator) + name
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%s: %w", dir, ErrLocked)
		}
		return nil, fmt.Errorf("failed to create lock file %s: %w", path, err)
	}
	return &DirLock{f: f, path: path}, nil
}

func (l *DirLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	_ = os.Remove(l.path)
	return err
}
