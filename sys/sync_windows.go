//go:build windows

package sys

// SyncDir is a no-op on Windows, where directory handles cannot be synced.
func SyncDir(string) error { return nil }
