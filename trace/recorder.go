package trace

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pithecene-io/microlink/transport"
)

// Op names the transport call a Record describes.
type Op string

// Recorded operations.
const (
	OpOpen  Op = "open"
	OpClose Op = "close"
	OpRead  Op = "read"
	OpWrite Op = "write"
)

// Record is one traced transport call.
type Record struct {
	Seq  int64  `msgpack:"seq"`
	Op   Op     `msgpack:"op"`
	Ts   int64  `msgpack:"ts"`
	Data []byte `msgpack:"data,omitempty"`
	// N is the count returned by Write.
	N int `msgpack:"n,omitempty"`
	// Timeout is the per-call timeout in nanoseconds.
	Timeout int64  `msgpack:"timeout,omitempty"`
	Err     string `msgpack:"err,omitempty"`
	// Timedout marks calls that failed with a transport timeout.
	Timedout bool `msgpack:"timedout,omitempty"`
}

// Time returns the record timestamp.
func (r *Record) Time() time.Time {
	return time.Unix(0, r.Ts)
}

// String renders a one-line summary.
func (r *Record) String() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "#%d %s %s", r.Seq, r.Time().UTC().Format("15:04:05.000000"), r.Op)
	switch r.Op {
	case OpRead:
		fmt.Fprintf(&b, " %d bytes", len(r.Data))
	case OpWrite:
		fmt.Fprintf(&b, " %d/%d bytes", r.N, len(r.Data))
	}
	if r.Timedout {
		b.WriteString(" timeout")
	} else if r.Err != "" {
		fmt.Fprintf(&b, " error=%q", r.Err)
	}
	if len(r.Data) > 0 {
		fmt.Fprintf(&b, " % x", r.Data)
	}
	return b.String()
}

// Recorder is a transport.Transport decorator that writes a Record for
// every call to the wrapped transport. Recording failures never fail the
// traced call; the first one is kept and reported by Err.
type Recorder struct {
	child transport.Transport
	w     io.Writer
	now   func() time.Time

	mu     sync.Mutex
	seq    int64
	buf    []byte
	errOut error
}

// NewRecorder traces child into w.
func NewRecorder(child transport.Transport, w io.Writer) *Recorder {
	return &Recorder{child: child, w: w, now: time.Now}
}

// Err returns the first error writing the trace, if any.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errOut
}

// Records returns the number of records written.
func (r *Recorder) Records() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

func (r *Recorder) record(rec Record, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errOut != nil {
		return
	}
	r.seq++
	rec.Seq = r.seq
	rec.Ts = r.now().UnixNano()
	if err != nil {
		rec.Err = err.Error()
		rec.Timedout = errors.Is(err, transport.ErrTimeout)
	}
	frame, encErr := AppendFrame(r.buf[:0], &rec)
	if encErr == nil {
		r.buf = frame
		_, encErr = r.w.Write(frame)
	}
	if encErr != nil {
		r.errOut = fmt.Errorf("write trace record %d: %w", rec.Seq, encErr)
	}
}

// Open opens the child.
func (r *Recorder) Open() error {
	err := r.child.Open()
	r.record(Record{Op: OpOpen}, err)
	return err
}

// Close closes the child.
func (r *Recorder) Close() error {
	err := r.child.Close()
	r.record(Record{Op: OpClose}, err)
	return err
}

// Read reads from the child.
func (r *Recorder) Read(n int, timeout time.Duration) ([]byte, error) {
	data, err := r.child.Read(n, timeout)
	r.record(Record{Op: OpRead, Data: data, Timeout: int64(timeout)}, err)
	return data, err
}

// Write writes to the child. The record keeps the full payload offered and
// the count accepted.
func (r *Recorder) Write(p []byte, timeout time.Duration) (int, error) {
	n, err := r.child.Write(p, timeout)
	r.record(Record{Op: OpWrite, Data: bytes.Clone(p), N: n, Timeout: int64(timeout)}, err)
	return n, err
}

// Timeouts reports the child's timeouts.
func (r *Recorder) Timeouts() transport.Timeouts {
	return r.child.Timeouts()
}
