// Package channel provides a buffered, positioned view over an append-only
// file. Reads see every byte written so far, flushed or not.
package channel

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/INLOpen/bookie/core"
	"github.com/INLOpen/bookie/sys"
)

// ErrClosed is returned by operations on a closed BufferedChannel.
var ErrClosed = errors.New("buffered channel is closed")

// BufferedChannel appends to a file through an in-memory write buffer. The
// logical stream starts at the file's size when the channel is created.
type BufferedChannel struct {
	mu    sync.Mutex
	file  sys.FileHandle
	alloc core.Allocator

	buf []byte
	// n is the number of unflushed bytes at the front of buf.
	n int
	// flushed is the stream offset where buf begins.
	flushed int64
	closed  bool
}

// New wraps file with a write buffer of writeCapacity bytes taken from alloc.
func New(alloc core.Allocator, file sys.FileHandle, writeCapacity int) (*BufferedChannel, error) {
	if file == nil {
		return nil, fmt.Errorf("new buffered channel: %w", core.ErrNullArgument)
	}
	if writeCapacity <= 0 {
		return nil, fmt.Errorf("new buffered channel: capacity %d: %w", writeCapacity, core.ErrInvalidArgument)
	}
	if alloc == nil {
		alloc = core.DefaultAllocator
	}
	size, err := sys.FileSize(file)
	if err != nil {
		return nil, fmt.Errorf("new buffered channel: stat %s: %w", file.Name(), err)
	}
	buf, err := alloc.Allocate(writeCapacity)
	if err != nil {
		return nil, fmt.Errorf("new buffered channel: %w", err)
	}
	return &BufferedChannel{
		file:    file,
		alloc:   alloc,
		buf:     buf,
		flushed: size,
	}, nil
}

// Write appends p to the stream, flushing the buffer to the file whenever
// it fills.
func (c *BufferedChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	written := 0
	for written < len(p) {
		m := copy(c.buf[c.n:], p[written:])
		c.n += m
		written += m
		if c.n == len(c.buf) {
			if err := c.flushLocked(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Read copies up to len(dst) bytes starting at stream position pos into dst.
// A range that runs past the end of the stream yields a short count and a
// nil error; pos at or beyond the end yields io.EOF.
func (c *BufferedChannel) Read(dst []byte, pos int64) (int, error) {
	if pos < 0 {
		return 0, fmt.Errorf("read at %d: %w", pos, core.ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	if len(dst) == 0 {
		return 0, nil
	}
	end := c.flushed + int64(c.n)
	if pos >= end {
		return 0, io.EOF
	}

	read := 0
	if pos < c.flushed {
		want := int64(len(dst))
		if avail := c.flushed - pos; avail < want {
			want = avail
		}
		m, err := c.file.ReadAt(dst[:want], pos)
		read += m
		if err != nil && !(errors.Is(err, io.EOF) && int64(m) == want) {
			return read, fmt.Errorf("read %s at %d: %w", c.file.Name(), pos, err)
		}
		pos += int64(m)
	}
	if read < len(dst) && pos >= c.flushed {
		off := pos - c.flushed
		read += copy(dst[read:], c.buf[off:c.n])
	}
	return read, nil
}

// Flush writes buffered bytes to the file without syncing it.
func (c *BufferedChannel) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.flushLocked()
}

func (c *BufferedChannel) flushLocked() error {
	if c.n == 0 {
		return nil
	}
	m, err := c.file.WriteAt(c.buf[:c.n], c.flushed)
	if m > 0 {
		// Keep what did land accounted for, shift the remainder down.
		c.flushed += int64(m)
		copy(c.buf, c.buf[m:c.n])
		c.n -= m
	}
	if err != nil {
		return fmt.Errorf("flush %s: %w", c.file.Name(), err)
	}
	return nil
}

// Sync flushes and fsyncs the file.
func (c *BufferedChannel) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.flushLocked(); err != nil {
		return err
	}
	if err := c.file.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", c.file.Name(), err)
	}
	return nil
}

// Position returns the logical end of the stream, flushed or not.
func (c *BufferedChannel) Position() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushed + int64(c.n)
}

// FileSize returns the number of bytes known to be in the file.
func (c *BufferedChannel) FileSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushed
}

// Unflushed returns the number of bytes held only in memory.
func (c *BufferedChannel) Unflushed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// Clear discards unflushed bytes.
func (c *BufferedChannel) Clear() {
	c.mu.Lock()
	c.n = 0
	c.mu.Unlock()
}

// Name returns the underlying file name.
func (c *BufferedChannel) Name() string {
	return c.file.Name()
}

// Close flushes, releases the buffer and closes the file. The buffer is
// released even when the flush fails. Close is idempotent.
func (c *BufferedChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	flushErr := c.flushLocked()
	c.alloc.Release(c.buf)
	c.buf = nil
	c.n = 0
	closeErr := c.file.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
