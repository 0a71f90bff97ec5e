package transport

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// FifoTransport talks over a pair of named pipes.
//
// Each pipe is opened O_RDWR|O_NONBLOCK. Opening read-write never blocks
// waiting for a peer, and a FIFO with no writer would otherwise poll as
// permanently readable, defeating read timeouts.
type FifoTransport struct {
	readPath  string
	writePath string
	timeouts  Timeouts
	fd        *FdTransport
}

// NewFifoTransport returns a transport reading readPath and writing writePath.
func NewFifoTransport(readPath, writePath string, timeouts Timeouts) *FifoTransport {
	return &FifoTransport{readPath: readPath, writePath: writePath, timeouts: timeouts}
}

// Open opens both pipes.
func (t *FifoTransport) Open() error {
	if t.fd != nil {
		return nil
	}
	rfd, err := unix.Open(t.readPath, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open fifo %s: %w", t.readPath, err)
	}
	wfd, err := unix.Open(t.writePath, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		_ = unix.Close(rfd)
		return fmt.Errorf("open fifo %s: %w", t.writePath, err)
	}
	fd := NewFdTransport(rfd, wfd, t.timeouts)
	if err := fd.Open(); err != nil {
		_ = fd.Close()
		return err
	}
	t.fd = fd
	return nil
}

// Close closes both pipes. The FIFO nodes themselves are left in place.
func (t *FifoTransport) Close() error {
	if t.fd == nil {
		return nil
	}
	err := t.fd.Close()
	t.fd = nil
	return err
}

// Read reads from the read pipe.
func (t *FifoTransport) Read(n int, timeout time.Duration) ([]byte, error) {
	if t.fd == nil {
		return nil, ErrClosed
	}
	return t.fd.Read(n, timeout)
}

// Write writes to the write pipe.
func (t *FifoTransport) Write(p []byte, timeout time.Duration) (int, error) {
	if t.fd == nil {
		return 0, ErrClosed
	}
	return t.fd.Write(p, timeout)
}

// Timeouts reports the configured timeouts.
func (t *FifoTransport) Timeouts() Timeouts {
	return t.timeouts
}

// MakeFifo creates a named pipe at path with mode 0600.
func MakeFifo(path string) error {
	if err := unix.Mkfifo(path, 0o600); err != nil {
		return fmt.Errorf("mkfifo %s: %w", path, err)
	}
	return nil
}
