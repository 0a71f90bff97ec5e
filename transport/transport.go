// Package transport defines the duplex byte channel used to talk to a
// microcontroller, and its concrete variants.
//
// A Transport moves raw bytes with an explicit timeout on every call; there
// is no implicit blocking I/O. Variants:
//   - FdTransport: a non-blocking read/write descriptor pair
//   - SubprocessTransport: stdin/stdout of a spawned process
//   - FifoTransport: a named-pipe pair
//   - EscapingTransport: 0x01-escaping wrapper for monitor-multiplexed pipes
//   - EmulatorTransport: an emulator process reached through a FIFO pair
//   - SerialTransport: a serial port, by path or by pattern match
//   - WakeupTransport: probes the peer for a marker before passing data through
//
// No Transport is safe for concurrent use; one caller drives it at a time.
package transport

import (
	"errors"
	"fmt"
	"time"
)

// Transport is a duplex byte channel with per-call timeouts.
type Transport interface {
	// Open readies the channel. It may block until the peer is ready.
	Open() error

	// Close releases the underlying resource.
	Close() error

	// Read returns between 1 and n bytes. It fails with ErrTimeout if no
	// byte arrives within timeout, and with ErrClosed if the transport is
	// not open or the peer hung up.
	Read(n int, timeout time.Duration) ([]byte, error)

	// Write writes p, returning the number of bytes consumed. A short count
	// with a nil error is valid; the caller resumes from p[n:]. Fails with
	// ErrTimeout if nothing could be written within timeout.
	Write(p []byte, timeout time.Duration) (int, error)

	// Timeouts reports the handshake and steady-state timeouts suited to
	// this channel.
	Timeouts() Timeouts
}

// Timeouts are hints from a transport to the session layered on it.
type Timeouts struct {
	// SessionStartRetry bounds one handshake probe round.
	SessionStartRetry time.Duration `yaml:"session_start_retry" json:"session_start_retry"`
	// SessionStart bounds the whole handshake.
	SessionStart time.Duration `yaml:"session_start" json:"session_start"`
	// SessionEstablished is the per-call read/write timeout after the handshake.
	SessionEstablished time.Duration `yaml:"session_established" json:"session_established"`
}

// Validate checks that the timeouts describe a usable session.
func (t Timeouts) Validate() error {
	if t.SessionStart <= 0 {
		return fmt.Errorf("session_start timeout must be positive, got %v", t.SessionStart)
	}
	if t.SessionEstablished <= 0 {
		return fmt.Errorf("session_established timeout must be positive, got %v", t.SessionEstablished)
	}
	if t.SessionStartRetry < 0 {
		return fmt.Errorf("session_start_retry timeout must not be negative, got %v", t.SessionStartRetry)
	}
	return nil
}

// RetryInterval returns the probe-round timeout, falling back to
// SessionStart when no retry interval is set.
func (t Timeouts) RetryInterval() time.Duration {
	if t.SessionStartRetry > 0 && t.SessionStartRetry < t.SessionStart {
		return t.SessionStartRetry
	}
	return t.SessionStart
}

// Sentinel errors for transport failure classification.
var (
	// ErrClosed indicates I/O on a transport that is closed or not yet open.
	ErrClosed = errors.New("transport closed")

	// ErrTimeout indicates a read or write that did not complete in time.
	ErrTimeout = errors.New("transport timeout")

	// ErrStartupFailure indicates the wakeup marker never arrived.
	ErrStartupFailure = errors.New("transport startup failure")

	// ErrPortNotFound indicates a serial port could not be resolved.
	ErrPortNotFound = errors.New("serial port not found")

	// ErrEscapeDesync indicates a write that does not continue a split escape pair.
	ErrEscapeDesync = errors.New("escape sequence desynchronized")
)

// StartupError reports a handshake that did not see its marker before the
// startup deadline. It classifies as ErrStartupFailure.
type StartupError struct {
	// Elapsed is how long the handshake ran.
	Elapsed time.Duration
	// Timeout is the startup bound that was exceeded.
	Timeout time.Duration
	// Received counts bytes read from the peer while waiting.
	Received int
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("wakeup sequence not received within %v (elapsed %v, %d bytes of noise)",
		e.Timeout, e.Elapsed.Round(time.Millisecond), e.Received)
}

// Is reports ErrStartupFailure.
func (e *StartupError) Is(target error) bool {
	return target == ErrStartupFailure
}

// PortNotFoundError reports a serial pattern that did not match exactly one
// port. It classifies as ErrPortNotFound.
type PortNotFoundError struct {
	Pattern string
	Found   []string
}

func (e *PortNotFoundError) Error() string {
	if e.Pattern == "" {
		return "must specify one of port or grep"
	}
	return fmt.Sprintf("grep expression %q should find 1 serial port; found %q", e.Pattern, e.Found)
}

// Is reports ErrPortNotFound.
func (e *PortNotFoundError) Is(target error) bool {
	return target == ErrPortNotFound
}

// deadline tracks the remaining budget of a call.
type deadline struct {
	end time.Time
}

func newDeadline(timeout time.Duration) deadline {
	return deadline{end: time.Now().Add(timeout)}
}

// remaining returns the time left, never negative.
func (d deadline) remaining() time.Duration {
	r := time.Until(d.end)
	if r < 0 {
		return 0
	}
	return r
}

func (d deadline) expired() bool {
	return !time.Now().Before(d.end)
}
