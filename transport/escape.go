package transport

import (
	"fmt"
	"time"
)

// ControlByte is reserved on monitor-multiplexed channels. A data byte with
// this value is sent doubled; the control byte followed by anything else is
// a monitor command.
const ControlByte byte = 0x01

// MonitorQuit asks the monitor on the far side to shut the peer down.
var MonitorQuit = []byte{ControlByte, 'x'}

// MonitorQuitTimeout bounds the write of MonitorQuit.
const MonitorQuitTimeout = time.Second

// EscapingTransport doubles ControlByte in outgoing data. Reads pass through
// untouched.
//
// Write reports logical bytes consumed, not encoded bytes emitted. When the
// child accepts only the first half of a doubled pair, that logical byte is
// not counted and the transport remembers the half-sent pair: the next Write
// must begin with ControlByte (the caller resuming at the reported offset
// guarantees this), and only the missing half is sent for it.
type EscapingTransport struct {
	child       Transport
	halfEscaped bool
}

// NewEscapingTransport wraps child.
func NewEscapingTransport(child Transport) *EscapingTransport {
	return &EscapingTransport{child: child}
}

// Open opens the child.
func (t *EscapingTransport) Open() error {
	t.halfEscaped = false
	return t.child.Open()
}

// Close closes the child.
func (t *EscapingTransport) Close() error {
	return t.child.Close()
}

// Read reads from the child.
func (t *EscapingTransport) Read(n int, timeout time.Duration) ([]byte, error) {
	return t.child.Read(n, timeout)
}

// Timeouts reports the child's timeouts.
func (t *EscapingTransport) Timeouts() Timeouts {
	return t.child.Timeouts()
}

// Write escapes p and writes it to the child.
func (t *EscapingTransport) Write(p []byte, timeout time.Duration) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if t.halfEscaped && p[0] != ControlByte {
		return 0, fmt.Errorf("%w: pending second half of escaped 0x%02x, got 0x%02x",
			ErrEscapeDesync, ControlByte, p[0])
	}

	encoded, ends := escape(p, t.halfEscaped)
	n, err := t.child.Write(encoded, timeout)
	if n <= 0 {
		return 0, err
	}

	// Count logical bytes whose encoding was fully written.
	logical := 0
	for logical < len(ends) && ends[logical] <= n {
		logical++
	}
	start := 0
	if logical > 0 {
		start = ends[logical-1]
	}
	t.halfEscaped = logical < len(p) && n > start
	return logical, err
}

// WriteMonitorQuit sends the monitor quit sequence unescaped.
func (t *EscapingTransport) WriteMonitorQuit() error {
	if t.halfEscaped {
		return fmt.Errorf("%w: monitor quit would complete a pending escape", ErrEscapeDesync)
	}
	sent := 0
	for sent < len(MonitorQuit) {
		n, err := t.child.Write(MonitorQuit[sent:], MonitorQuitTimeout)
		if err != nil {
			return fmt.Errorf("write monitor quit: %w", err)
		}
		sent += n
	}
	return nil
}

// escape encodes p and returns, for each logical byte, the encoded offset
// just past it. With resume set, the first byte is the tail of a pair whose
// first half was already sent.
func escape(p []byte, resume bool) (encoded []byte, ends []int) {
	encoded = make([]byte, 0, len(p)+len(p)/8)
	ends = make([]int, len(p))
	for i, b := range p {
		if b == ControlByte && !(resume && i == 0) {
			encoded = append(encoded, ControlByte)
		}
		encoded = append(encoded, b)
		ends[i] = len(encoded)
	}
	return encoded, ends
}

// Unescaper decodes a stream produced by EscapingTransport, as the monitor
// on the far side does. It keeps state across Decode calls so pairs may be
// split between chunks.
type Unescaper struct {
	pending bool
}

// Decode returns the data bytes in p and any monitor commands (the byte
// following an unpaired ControlByte).
func (u *Unescaper) Decode(p []byte) (data, commands []byte) {
	data = make([]byte, 0, len(p))
	for _, b := range p {
		if u.pending {
			u.pending = false
			if b == ControlByte {
				data = append(data, b)
			} else {
				commands = append(commands, b)
			}
			continue
		}
		if b == ControlByte {
			u.pending = true
			continue
		}
		data = append(data, b)
	}
	return data, commands
}

// Pending reports whether a ControlByte is awaiting its partner.
func (u *Unescaper) Pending() bool {
	return u.pending
}
