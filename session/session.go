// Package session provides the established, post-handshake view of a
// transport.
//
// A Session separates two phases. While connecting, the transport's
// session_start_retry and session_start timeouts bound each wakeup probe
// and the whole handshake. Once established, every read and write is
// bounded by session_established. A Session owns its transport: it is
// closed on every exit path, including a failed handshake.
package session

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"
	"time"

	"github.com/pithecene-io/microlink/log"
	"github.com/pithecene-io/microlink/metrics"
	"github.com/pithecene-io/microlink/trace"
	"github.com/pithecene-io/microlink/transport"
)

// ErrTransportInUse indicates a transport already owned by another open session.
var ErrTransportInUse = errors.New("transport already owned by an open session")

// State is the session lifecycle phase.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config configures a Session. The zero value opens the transport without
// a handshake and uses the transport's own timeouts.
type Config struct {
	// Timeouts overrides the transport's timeouts when set.
	Timeouts *transport.Timeouts
	// Wakeup is the marker the device emits when ready. Empty skips the handshake.
	Wakeup []byte
	// Poke is written at the start of every handshake probe round.
	Poke []byte
	// Trace, when set, receives a frame for every transport call.
	Trace   io.Writer
	Logger  *log.Logger
	Metrics *metrics.Collector
}

// Session wraps one transport with a wakeup handshake and steady-state
// timeouts. Not safe for concurrent use.
type Session struct {
	raw      transport.Transport
	cfg      Config
	timeouts transport.Timeouts
	logger   *log.Logger

	stack    transport.Transport
	wakeup   *transport.WakeupTransport
	recorder *trace.Recorder
	state    State
}

// New prepares a session over t. Nothing is opened until Open. Only one
// open session may own a given transport; that is enforced for pointer and
// other comparable transports, not for non-comparable values.
func New(t transport.Transport, cfg Config) (*Session, error) {
	if t == nil {
		return nil, errors.New("session: transport is required")
	}
	timeouts := t.Timeouts()
	if cfg.Timeouts != nil {
		timeouts = *cfg.Timeouts
	}
	if err := timeouts.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return &Session{
		raw:      t,
		cfg:      cfg,
		timeouts: timeouts,
		logger:   log.OrNop(cfg.Logger),
	}, nil
}

// Timeouts returns the timeouts in effect.
func (s *Session) Timeouts() transport.Timeouts {
	return s.timeouts
}

// State returns the lifecycle phase.
func (s *Session) State() State {
	return s.state
}

// Handshake returns the stats of the completed handshake; zero when the
// session has no wakeup marker.
func (s *Session) Handshake() transport.HandshakeStats {
	if s.wakeup == nil {
		return transport.HandshakeStats{}
	}
	return s.wakeup.Stats()
}

// TraceErr reports a failure writing the trace, if tracing is enabled.
func (s *Session) TraceErr() error {
	if s.recorder == nil {
		return nil
	}
	return s.recorder.Err()
}

// Open claims the transport, opens it and performs the handshake. On any
// failure the transport is closed and released before returning; the
// session cannot be reopened.
func (s *Session) Open() error {
	if s.state != StateNew {
		return fmt.Errorf("session: open in state %s", s.state)
	}
	if err := claim(s.raw, s); err != nil {
		return err
	}
	s.state = StateConnecting

	if err := s.build(); err != nil {
		s.fail(err)
		return err
	}

	start := time.Now()
	if err := s.stack.Open(); err != nil {
		s.fail(err)
		if errors.Is(err, transport.ErrStartupFailure) {
			s.cfg.Metrics.IncStartupFailure()
		}
		return fmt.Errorf("session open: %w", err)
	}

	s.state = StateEstablished
	s.cfg.Metrics.IncSessionOpened()
	hs := s.Handshake()
	s.cfg.Metrics.AbsorbHandshake(hs.Rounds, hs.Noise)
	s.logger.Info("session established", map[string]any{
		"elapsed_ms":       time.Since(start).Milliseconds(),
		"handshake":        s.wakeup != nil,
		"rounds":           hs.Rounds,
		"noise_bytes":      hs.Noise,
		"established_ms":   s.timeouts.SessionEstablished.Milliseconds(),
		"session_start_ms": s.timeouts.SessionStart.Milliseconds(),
	})
	return nil
}

// build assembles raw -> recorder -> wakeup.
func (s *Session) build() error {
	var t transport.Transport = s.raw
	if s.cfg.Trace != nil {
		s.recorder = trace.NewRecorder(t, s.cfg.Trace)
		t = s.recorder
	}
	if len(s.cfg.Wakeup) > 0 {
		timeouts := s.timeouts
		w, err := transport.NewWakeupTransport(t, transport.WakeupConfig{
			Sequence: s.cfg.Wakeup,
			Poke:     s.cfg.Poke,
			Timeouts: &timeouts,
			Logger:   s.logger,
		})
		if err != nil {
			return err
		}
		s.wakeup = w
		t = w
	}
	s.stack = t
	return nil
}

// fail closes whatever was opened, releases the claim and marks the session
// closed.
func (s *Session) fail(cause error) {
	var closeErr error
	if s.stack != nil {
		closeErr = s.stack.Close()
	} else {
		closeErr = s.raw.Close()
	}
	release(s.raw, s)
	s.state = StateClosed
	s.cfg.Metrics.IncSessionFailed()

	fields := map[string]any{"error": cause.Error()}
	if closeErr != nil {
		fields["close_error"] = closeErr.Error()
	}
	s.logger.Warn("session open failed", fields)
}

// Close closes the transport. Safe to call more than once and on a
// session that failed to open.
func (s *Session) Close() error {
	if s.state == StateClosed {
		return nil
	}
	if s.state == StateNew {
		s.state = StateClosed
		return nil
	}
	err := s.stack.Close()
	release(s.raw, s)
	s.state = StateClosed
	s.cfg.Metrics.IncSessionClosed()
	s.logger.Info("session closed", nil)
	if err != nil {
		return fmt.Errorf("session close: %w", err)
	}
	return nil
}

// ReadTimeout returns between 1 and n bytes, waiting at most timeout.
func (s *Session) ReadTimeout(n int, timeout time.Duration) ([]byte, error) {
	if s.state != StateEstablished {
		return nil, transport.ErrClosed
	}
	data, err := s.stack.Read(n, timeout)
	if errors.Is(err, transport.ErrTimeout) {
		s.cfg.Metrics.IncReadTimeout()
	}
	s.cfg.Metrics.AddBytesRead(len(data))
	return data, err
}

// WriteTimeout performs one transport write bounded by timeout; the count
// may be short.
func (s *Session) WriteTimeout(p []byte, timeout time.Duration) (int, error) {
	if s.state != StateEstablished {
		return 0, transport.ErrClosed
	}
	n, err := s.stack.Write(p, timeout)
	if errors.Is(err, transport.ErrTimeout) {
		s.cfg.Metrics.IncWriteTimeout()
	}
	s.cfg.Metrics.AddBytesWritten(n)
	return n, err
}

// Read implements io.Reader with the established timeout.
func (s *Session) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	data, err := s.ReadTimeout(len(p), s.timeouts.SessionEstablished)
	return copy(p, data), err
}

// Write implements io.Writer: it resumes short writes until p is written,
// each transport call bounded by the established timeout.
func (s *Session) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := s.WriteTimeout(p[written:], s.timeouts.SessionEstablished)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// With opens a session over t, runs fn, and closes the session whatever
// happens, including a panic in fn. A close error is joined with fn's.
func With(t transport.Transport, cfg Config, fn func(*Session) error) (err error) {
	s, err := New(t, cfg)
	if err != nil {
		return err
	}
	if err := s.Open(); err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, s.Close())
	}()
	return fn(s)
}

// claims maps each transport to the open session that owns it.
var claims = struct {
	sync.Mutex
	owners map[any]*Session
}{owners: make(map[any]*Session)}

type pointerKey struct {
	typ reflect.Type
	ptr uintptr
}

// claimKey identifies t: by address for pointer-like transports, by value
// for other comparable ones. A non-comparable value has no identity to
// claim, so ok is false and it is left unguarded.
func claimKey(t transport.Transport) (key any, ok bool) {
	v := reflect.ValueOf(t)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.UnsafePointer:
		return pointerKey{v.Type(), v.Pointer()}, true
	}
	if !v.Comparable() {
		return nil, false
	}
	return t, true
}

func claim(t transport.Transport, s *Session) error {
	key, ok := claimKey(t)
	if !ok {
		return nil
	}
	claims.Lock()
	defer claims.Unlock()
	if owner, ok := claims.owners[key]; ok && owner != s {
		return ErrTransportInUse
	}
	claims.owners[key] = s
	return nil
}

func release(t transport.Transport, s *Session) {
	key, ok := claimKey(t)
	if !ok {
		return
	}
	claims.Lock()
	defer claims.Unlock()
	if claims.owners[key] == s {
		delete(claims.owners, key)
	}
}
