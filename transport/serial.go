package transport

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/pithecene-io/microlink/log"
)

// DefaultBaudRate is used when SerialConfig.BaudRate is zero.
const DefaultBaudRate = 115200

// DefaultSerialTimeouts suit a device that is already programmed and
// attached.
var DefaultSerialTimeouts = Timeouts{
	SessionStartRetry:  time.Second,
	SessionStart:       5 * time.Second,
	SessionEstablished: 5 * time.Second,
}

// SerialConfig selects and configures a serial port. Exactly one of Port
// and Grep must be set.
type SerialConfig struct {
	// Port is a device path such as /dev/ttyACM0.
	Port string
	// Grep is a regular expression matched against each enumerated port's
	// description (see PortInfo.Description).
	Grep     string
	BaudRate int
	Timeouts Timeouts
}

// PortInfo describes an enumerated serial port.
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

// Description is the text Grep patterns are matched against: the device
// name, product string and USB hardware id.
func (p PortInfo) Description() string {
	parts := []string{p.Name}
	if p.Product != "" {
		parts = append(parts, p.Product)
	}
	if p.IsUSB {
		hwid := fmt.Sprintf("USB VID:PID=%s:%s", strings.ToUpper(p.VID), strings.ToUpper(p.PID))
		if p.SerialNumber != "" {
			hwid += " SER=" + p.SerialNumber
		}
		parts = append(parts, hwid)
	}
	return strings.Join(parts, " ")
}

// ListPorts enumerates serial ports on this host.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		out = append(out, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return out, nil
}

// GrepPorts returns the ports whose description matches pattern.
func GrepPorts(ports []PortInfo, pattern string) ([]PortInfo, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("grep expression %q: %w", pattern, err)
	}
	var out []PortInfo
	for _, p := range ports {
		if re.MatchString(p.Description()) {
			out = append(out, p)
		}
	}
	return out, nil
}

// serialPort is the subset of serial.Port the transport drives.
type serialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	ResetOutputBuffer() error
	Drain() error
}

// SerialTransport talks to a device over a serial line.
type SerialTransport struct {
	cfg    SerialConfig
	logger *log.Logger
	path   string
	port   serialPort
	// stalled is set while a Write that timed out is still blocked in the
	// driver, and closed when it returns.
	stalled chan struct{}

	// Swapped out in tests.
	listPorts func() ([]PortInfo, error)
	openPort  func(path string, mode *serial.Mode) (serialPort, error)
}

// NewSerialTransport validates cfg. The port is resolved and opened on Open.
func NewSerialTransport(cfg SerialConfig, logger *log.Logger) (*SerialTransport, error) {
	if cfg.Port == "" && cfg.Grep == "" {
		return nil, &PortNotFoundError{}
	}
	if cfg.Port != "" && cfg.Grep != "" {
		return nil, errors.New("serial transport: port and grep are mutually exclusive")
	}
	if cfg.Grep != "" {
		if _, err := regexp.Compile(cfg.Grep); err != nil {
			return nil, fmt.Errorf("serial transport: grep expression %q: %w", cfg.Grep, err)
		}
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Timeouts == (Timeouts{}) {
		cfg.Timeouts = DefaultSerialTimeouts
	}
	return &SerialTransport{
		cfg:       cfg,
		logger:    log.OrNop(logger),
		listPorts: ListPorts,
		openPort: func(path string, mode *serial.Mode) (serialPort, error) {
			return serial.Open(path, mode)
		},
	}, nil
}

// resolve returns the device path to open.
func (t *SerialTransport) resolve() (string, error) {
	if t.cfg.Port != "" {
		return t.cfg.Port, nil
	}
	ports, err := t.listPorts()
	if err != nil {
		return "", err
	}
	matched, err := GrepPorts(ports, t.cfg.Grep)
	if err != nil {
		return "", err
	}
	if len(matched) != 1 {
		found := make([]string, len(matched))
		for i, p := range matched {
			found[i] = p.Name
		}
		return "", &PortNotFoundError{Pattern: t.cfg.Grep, Found: found}
	}
	return matched[0].Name, nil
}

// Open resolves the port, opens it exclusively, and discards stale buffered
// bytes in both directions.
func (t *SerialTransport) Open() error {
	if t.port != nil {
		return nil
	}
	path, err := t.resolve()
	if err != nil {
		return err
	}
	t.logger.Debug("opening serial port", map[string]any{"device": path, "baud": t.cfg.BaudRate})

	port, err := t.openPort(path, &serial.Mode{BaudRate: t.cfg.BaudRate})
	if err != nil {
		return fmt.Errorf("open serial port %s: %w", path, err)
	}
	if err := errors.Join(port.ResetInputBuffer(), port.ResetOutputBuffer()); err != nil {
		_ = port.Close()
		return fmt.Errorf("reset serial port %s: %w", path, err)
	}
	t.path = path
	t.port = port
	openSerialPorts.add(t)
	return nil
}

// Close closes the port and drops it from the leak registry.
func (t *SerialTransport) Close() error {
	if t.port == nil {
		return nil
	}
	openSerialPorts.remove(t)
	err := t.port.Close()
	t.port = nil
	t.stalled = nil
	if err != nil {
		return fmt.Errorf("close serial port %s: %w", t.path, err)
	}
	return nil
}

// Path returns the resolved device path once open.
func (t *SerialTransport) Path() string {
	return t.path
}

// Timeouts reports the configured timeouts.
func (t *SerialTransport) Timeouts() Timeouts {
	return t.cfg.Timeouts
}

// Read waits up to timeout for the first byte, then takes whatever else is
// already buffered, up to n bytes, without waiting further.
func (t *SerialTransport) Read(n int, timeout time.Duration) ([]byte, error) {
	if t.port == nil {
		return nil, ErrClosed
	}
	if n <= 0 {
		return nil, nil
	}
	dl := newDeadline(timeout)
	buf := make([]byte, n)
	got := 0
	for got == 0 {
		if dl.expired() {
			return nil, ErrTimeout
		}
		if err := t.port.SetReadTimeout(dl.remaining()); err != nil {
			return nil, fmt.Errorf("set read timeout: %w", err)
		}
		r, err := t.port.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", t.path, err)
		}
		got = r
	}

	if err := t.port.SetReadTimeout(0); err != nil {
		return buf[:got], nil
	}
	for got < n {
		r, err := t.port.Read(buf[got:])
		if err != nil || r == 0 {
			break
		}
		got += r
	}
	return buf[:got], nil
}

// Write sends p one byte at a time, then waits for the output buffer to
// drain. Single-byte writes keep some USB serial bridges from dropping data.
//
// The driver calls cannot be interrupted, so they run on their own
// goroutine. If they outlast timeout, Write returns ErrTimeout with the
// bytes sent so far and stops the goroutine at the next byte boundary; a
// byte already handed to the driver may still go out. Later Writes fail
// with ErrTimeout until the blocked call returns or the port is closed.
func (t *SerialTransport) Write(p []byte, timeout time.Duration) (int, error) {
	if t.port == nil {
		return 0, ErrClosed
	}
	dl := newDeadline(timeout)
	if t.stalled != nil {
		select {
		case <-t.stalled:
			t.stalled = nil
		case <-time.After(dl.remaining()):
			return 0, fmt.Errorf("write %s: %w: previous write still blocked", t.path, ErrTimeout)
		}
	}

	var (
		sent     atomic.Int64
		stop     atomic.Bool
		result   = make(chan error, 1)
		finished = make(chan struct{})
		port     = t.port
		data     = slices.Clone(p)
	)
	go func() {
		defer close(finished)
		result <- writeDrain(port, data, &stop, &sent)
	}()

	done := func(err error) (int, error) {
		if err != nil {
			return int(sent.Load()), fmt.Errorf("write %s: %w", t.path, err)
		}
		return int(sent.Load()), nil
	}
	select {
	case err := <-result:
		return done(err)
	case <-time.After(dl.remaining()):
	}
	select {
	case err := <-result:
		return done(err)
	default:
	}
	stop.Store(true)
	t.stalled = finished
	n := sent.Load()
	return int(n), fmt.Errorf("write %s: %w after %d of %d bytes", t.path, ErrTimeout, n, len(p))
}

// writeDrain writes data byte by byte, then drains the output buffer.
// Setting stop abandons the rest of data.
func writeDrain(port serialPort, data []byte, stop *atomic.Bool, sent *atomic.Int64) error {
	for i := range data {
		if stop.Load() {
			return nil
		}
		w, err := port.Write(data[i : i+1])
		if err != nil {
			return err
		}
		if w < 1 {
			return fmt.Errorf("no progress at byte %d", i)
		}
		sent.Add(1)
	}
	if err := port.Drain(); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	return nil
}

// serialRegistry tracks open serial transports so a shutdown hook can close
// any the program leaked. Its map is created by the first open.
type serialRegistry struct {
	mu    sync.Mutex
	ports map[*SerialTransport]struct{}
}

var openSerialPorts serialRegistry

func (r *serialRegistry) add(t *SerialTransport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ports == nil {
		r.ports = make(map[*SerialTransport]struct{})
	}
	r.ports[t] = struct{}{}
}

func (r *serialRegistry) remove(t *SerialTransport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ports, t)
}

// drain empties the registry and returns what was in it.
func (r *serialRegistry) drain() []*SerialTransport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*SerialTransport, 0, len(r.ports))
	for t := range r.ports {
		out = append(out, t)
	}
	r.ports = nil
	return out
}

// OpenSerialPortCount reports how many serial transports are currently open.
func OpenSerialPortCount() int {
	openSerialPorts.mu.Lock()
	defer openSerialPorts.mu.Unlock()
	return len(openSerialPorts.ports)
}

// CloseLeakedSerialPorts closes every serial transport still open. It is
// meant for program shutdown: failures are logged at warn level, never
// returned, and a panic from a port is contained. Returns the number of
// ports it found open.
func CloseLeakedSerialPorts(logger *log.Logger) int {
	logger = log.OrNop(logger)
	leaked := openSerialPorts.drain()
	for _, t := range leaked {
		closeLeaked(t, logger)
	}
	return len(leaked)
}

func closeLeaked(t *SerialTransport, logger *log.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("panic closing serial port", map[string]any{"device": t.path, "panic": fmt.Sprint(r)})
		}
	}()
	if t.port == nil {
		return
	}
	if err := t.port.Close(); err != nil {
		logger.Warn("failed to close leaked serial port", map[string]any{"device": t.path, "error": err.Error()})
	}
	t.port = nil
}
