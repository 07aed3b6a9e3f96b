//go:build !linux

package sys

// Preallocate is unavailable on this platform.
func Preallocate(f FileHandle, size int64) error {
	return ErrPreallocNotSupported
}
