package transport

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/pithecene-io/microlink/log"
)

// DefaultWakeupSequence is the marker emitted by the device runtime once it
// is ready for a session.
var DefaultWakeupSequence = []byte{0xfe, 0xff, 0xfd, 0x03, 0, 0, 0, 0, 0, 0x02, 'f', 'w'}

// wakeupReadSize is how many bytes one probe round asks the child for.
const wakeupReadSize = 128

// WakeupConfig configures the handshake performed by WakeupTransport.
type WakeupConfig struct {
	// Sequence is the marker to wait for. Required.
	Sequence []byte
	// Poke is written at the start of each probe round; empty disables it.
	Poke []byte
	// Timeouts overrides the child's timeouts when non-zero.
	Timeouts *Timeouts
	Logger   *log.Logger
	// OnProbe is called after every probe round with the bytes read in it.
	OnProbe func(round int, read []byte)
}

// HandshakeStats describes the last completed handshake.
type HandshakeStats struct {
	Rounds   int
	Noise    int
	Trailing int
	Elapsed  time.Duration
}

// WakeupTransport wraps a child transport and, on Open, probes it until the
// wakeup sequence appears. Bytes before the marker are discarded as boot
// noise; bytes after it are kept and returned by the next Read. After the
// handshake, reads and writes pass through.
type WakeupTransport struct {
	child   Transport
	cfg     WakeupConfig
	logger  *log.Logger
	pending []byte
	stats   HandshakeStats
	ready   bool
}

// NewWakeupTransport wraps child.
func NewWakeupTransport(child Transport, cfg WakeupConfig) (*WakeupTransport, error) {
	if len(cfg.Sequence) == 0 {
		return nil, errors.New("wakeup transport: sequence is required")
	}
	if cfg.Timeouts != nil {
		if err := cfg.Timeouts.Validate(); err != nil {
			return nil, fmt.Errorf("wakeup transport: %w", err)
		}
	}
	return &WakeupTransport{
		child:  child,
		cfg:    cfg,
		logger: log.OrNop(cfg.Logger).Named("wakeup"),
	}, nil
}

// Timeouts reports the override if one was given, else the child's.
func (t *WakeupTransport) Timeouts() Timeouts {
	if t.cfg.Timeouts != nil {
		return *t.cfg.Timeouts
	}
	return t.child.Timeouts()
}

// Stats returns figures for the last successful handshake.
func (t *WakeupTransport) Stats() HandshakeStats {
	return t.stats
}

// Open opens the child and performs the handshake. On failure the child is
// left open; the owner closes it.
func (t *WakeupTransport) Open() error {
	t.ready = false
	t.pending = nil
	if err := t.child.Open(); err != nil {
		return err
	}

	timeouts := t.Timeouts()
	start := time.Now()
	dl := newDeadline(timeouts.SessionStart)
	retry := timeouts.RetryInterval()
	keep := len(t.cfg.Sequence) - 1

	var buf []byte
	noise := 0
	for round := 1; ; round++ {
		if dl.expired() {
			return &StartupError{Elapsed: time.Since(start), Timeout: timeouts.SessionStart, Received: noise + len(buf)}
		}
		if err := t.poke(min(retry, dl.remaining())); err != nil {
			return err
		}

		data, err := t.child.Read(wakeupReadSize, min(retry, dl.remaining()))
		if err != nil && !errors.Is(err, ErrTimeout) {
			return fmt.Errorf("wakeup read: %w", err)
		}
		if t.cfg.OnProbe != nil {
			t.cfg.OnProbe(round, data)
		}
		buf = append(buf, data...)

		if idx := bytes.Index(buf, t.cfg.Sequence); idx >= 0 {
			noise += idx
			t.pending = append([]byte(nil), buf[idx+len(t.cfg.Sequence):]...)
			t.stats = HandshakeStats{Rounds: round, Noise: noise, Trailing: len(t.pending), Elapsed: time.Since(start)}
			t.ready = true
			t.logger.Debug("wakeup sequence received", map[string]any{
				"rounds":   round,
				"noise":    noise,
				"trailing": len(t.pending),
			})
			return nil
		}

		// Only a marker prefix can straddle the next round.
		if len(buf) > keep {
			noise += len(buf) - keep
			buf = append(buf[:0], buf[len(buf)-keep:]...)
		}
	}
}

// poke writes the configured poke payload, looping over short writes. A
// timeout is tolerated: the peer may not be reading yet.
func (t *WakeupTransport) poke(timeout time.Duration) error {
	p := t.cfg.Poke
	for len(p) > 0 {
		n, err := t.child.Write(p, timeout)
		if errors.Is(err, ErrTimeout) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("wakeup poke: %w", err)
		}
		p = p[n:]
	}
	return nil
}

// Close closes the child.
func (t *WakeupTransport) Close() error {
	t.ready = false
	t.pending = nil
	return t.child.Close()
}

// Read returns retained post-marker bytes first, then reads the child.
func (t *WakeupTransport) Read(n int, timeout time.Duration) ([]byte, error) {
	if !t.ready {
		return nil, ErrClosed
	}
	if len(t.pending) > 0 {
		k := min(n, len(t.pending))
		out := t.pending[:k:k]
		t.pending = t.pending[k:]
		return out, nil
	}
	return t.child.Read(n, timeout)
}

// Write passes through to the child.
func (t *WakeupTransport) Write(p []byte, timeout time.Duration) (int, error) {
	if !t.ready {
		return 0, ErrClosed
	}
	return t.child.Write(p, timeout)
}
