package transport

import (
	"bytes"
	"sync"
	"time"
)

// StubTransport is an in-memory Transport for exercising the layers above
// transports without hardware. Bytes fed with Feed are returned by Read;
// bytes passed to Write are recorded and offered to OnWrite, which may feed
// a reply.
type StubTransport struct {
	// T is reported by Timeouts.
	T Timeouts
	// OpenErr, when set, is returned by Open.
	OpenErr error
	// MaxWrite caps the bytes accepted per Write call; zero means no cap.
	MaxWrite int
	// OnWrite sees every accepted chunk.
	OnWrite func(s *StubTransport, p []byte)

	mu      sync.Mutex
	inbound []byte
	written bytes.Buffer
	arrived chan struct{}
	opened  int
	closed  int
	isOpen  bool
}

// NewStubTransport returns a stub reporting timeouts.
func NewStubTransport(timeouts Timeouts) *StubTransport {
	return &StubTransport{T: timeouts, arrived: make(chan struct{}, 1)}
}

// Feed queues bytes for Read. Safe to call from another goroutine.
func (s *StubTransport) Feed(p []byte) {
	s.mu.Lock()
	s.inbound = append(s.inbound, p...)
	s.mu.Unlock()
	select {
	case s.arrived <- struct{}{}:
	default:
	}
}

// Written returns a copy of everything written so far.
func (s *StubTransport) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.written.Bytes())
}

// Opened reports how many times Open succeeded.
func (s *StubTransport) Opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// Closed reports how many times Close was called.
func (s *StubTransport) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// IsOpen reports whether the stub is open.
func (s *StubTransport) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isOpen
}

// Open marks the stub open, or fails with OpenErr.
func (s *StubTransport) Open() error {
	if s.OpenErr != nil {
		return s.OpenErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened++
	s.isOpen = true
	return nil
}

// Close marks the stub closed.
func (s *StubTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	s.isOpen = false
	return nil
}

// Timeouts reports T.
func (s *StubTransport) Timeouts() Timeouts {
	return s.T
}

// Read returns fed bytes, waiting up to timeout for some to arrive.
func (s *StubTransport) Read(n int, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		s.mu.Lock()
		if !s.isOpen {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		if len(s.inbound) > 0 {
			k := min(n, len(s.inbound))
			out := bytes.Clone(s.inbound[:k])
			s.inbound = s.inbound[k:]
			s.mu.Unlock()
			return out, nil
		}
		s.mu.Unlock()

		select {
		case <-s.arrived:
		case <-timer.C:
			return nil, ErrTimeout
		}
	}
}

// Write records up to MaxWrite bytes of p.
func (s *StubTransport) Write(p []byte, _ time.Duration) (int, error) {
	s.mu.Lock()
	if !s.isOpen {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	n := len(p)
	if s.MaxWrite > 0 && n > s.MaxWrite {
		n = s.MaxWrite
	}
	s.written.Write(p[:n])
	s.mu.Unlock()

	if s.OnWrite != nil && n > 0 {
		s.OnWrite(s, p[:n])
	}
	return n, nil
}
