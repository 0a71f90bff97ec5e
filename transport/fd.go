package transport

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// FdTransport moves bytes over a pair of OS descriptors, one for reading and
// one for writing. Both are switched to non-blocking mode on Open so that
// every call can be bounded with poll(2).
type FdTransport struct {
	readFd   int
	writeFd  int
	timeouts Timeouts
	open     bool
	closed   bool
}

// NewFdTransport wraps descriptors owned by the caller until Open; after
// Open the transport owns them and closes them on Close.
func NewFdTransport(readFd, writeFd int, timeouts Timeouts) *FdTransport {
	return &FdTransport{readFd: readFd, writeFd: writeFd, timeouts: timeouts}
}

// NewFileTransport wraps duplicates of r and w. The caller keeps ownership
// of the originals and may close them once this returns.
func NewFileTransport(r, w *os.File, timeouts Timeouts) (*FdTransport, error) {
	rfd, err := dupFile(r)
	if err != nil {
		return nil, err
	}
	wfd, err := dupFile(w)
	if err != nil {
		_ = unix.Close(rfd)
		return nil, err
	}
	return NewFdTransport(rfd, wfd, timeouts), nil
}

// dupFile duplicates the descriptor behind f without disturbing f's own
// blocking mode.
func dupFile(f *os.File) (int, error) {
	rc, err := f.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("access %s: %w", f.Name(), err)
	}
	fd := -1
	var dupErr error
	err = rc.Control(func(s uintptr) {
		fd, dupErr = unix.FcntlInt(s, unix.F_DUPFD_CLOEXEC, 0)
	})
	if err == nil {
		err = dupErr
	}
	if err != nil {
		return -1, fmt.Errorf("dup %s: %w", f.Name(), err)
	}
	return fd, nil
}

// Open puts both descriptors into non-blocking mode.
func (t *FdTransport) Open() error {
	if t.closed {
		return ErrClosed
	}
	if t.open {
		return nil
	}
	for _, fd := range []int{t.readFd, t.writeFd} {
		if err := unix.SetNonblock(fd, true); err != nil {
			return fmt.Errorf("set non-blocking on fd %d: %w", fd, err)
		}
	}
	t.open = true
	return nil
}

// Close closes both descriptors. Calling it more than once is harmless.
func (t *FdTransport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.open = false
	errR := unix.Close(t.readFd)
	var errW error
	if t.writeFd != t.readFd {
		errW = unix.Close(t.writeFd)
	}
	return errors.Join(errR, errW)
}

// Timeouts reports the timeouts given at construction.
func (t *FdTransport) Timeouts() Timeouts {
	return t.timeouts
}

// Read waits up to timeout for data and returns at most n bytes.
// End of stream closes the transport and reports ErrClosed.
func (t *FdTransport) Read(n int, timeout time.Duration) ([]byte, error) {
	if !t.open {
		return nil, ErrClosed
	}
	if n <= 0 {
		return nil, nil
	}
	dl := newDeadline(timeout)
	buf := make([]byte, n)
	for {
		got, err := unix.Read(t.readFd, buf)
		switch {
		case err == nil && got > 0:
			return buf[:got], nil
		case err == nil && got == 0:
			_ = t.Close()
			return nil, ErrClosed
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
		default:
			return nil, fmt.Errorf("read fd %d: %w", t.readFd, err)
		}

		ready, err := poll(t.readFd, unix.POLLIN, dl)
		if err != nil {
			return nil, err
		}
		if !ready {
			return nil, ErrTimeout
		}
	}
}

// Write writes as much of p as it can before timeout. A short count is
// returned once at least one byte has been written; ErrTimeout only when
// nothing could be written.
func (t *FdTransport) Write(p []byte, timeout time.Duration) (int, error) {
	if !t.open {
		return 0, ErrClosed
	}
	dl := newDeadline(timeout)
	written := 0
	for written < len(p) {
		w, err := unix.Write(t.writeFd, p[written:])
		if w > 0 {
			written += w
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EPIPE):
			_ = t.Close()
			if written > 0 {
				return written, nil
			}
			return 0, ErrClosed
		case errors.Is(err, unix.EAGAIN):
		default:
			return written, fmt.Errorf("write fd %d: %w", t.writeFd, err)
		}

		ready, err := poll(t.writeFd, unix.POLLOUT, dl)
		if err != nil {
			return written, err
		}
		if !ready {
			if written > 0 {
				return written, nil
			}
			return 0, ErrTimeout
		}
	}
	return written, nil
}

// poll waits for events on fd until the deadline. It reports readiness,
// treating hangup and error conditions as ready so the following syscall
// surfaces them.
func poll(fd int, events int16, dl deadline) (bool, error) {
	for {
		ms := pollMillis(dl.remaining())
		fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			if dl.expired() {
				return false, nil
			}
			continue
		}
		if err != nil {
			return false, fmt.Errorf("poll fd %d: %w", fd, err)
		}
		if n == 0 {
			return false, nil
		}
		return fds[0].Revents&(events|unix.POLLHUP|unix.POLLERR) != 0, nil
	}
}

// pollMillis rounds d up to whole milliseconds so a sub-millisecond budget
// still waits instead of busy-looping.
func pollMillis(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}
