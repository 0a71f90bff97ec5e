package transport

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// PipePlaceholder in an emulator command is replaced by the FIFO base path.
// The emulator reads <base>.in and writes <base>.out.
const PipePlaceholder = "{pipe}"

// DefaultEmulatorStartup is the handshake bound for a cold-booting emulator.
const DefaultEmulatorStartup = 30 * time.Second

// EmulatorConfig describes an emulator reached through a FIFO pair whose
// control channel is multiplexed on the same pipe.
type EmulatorConfig struct {
	// Command is the emulator argv; PipePlaceholder may appear inside any argument.
	Command []string
	Dir     string
	Env     []string
	Stderr  *os.File
	// StartupTimeout bounds the handshake. Zero selects DefaultEmulatorStartup.
	StartupTimeout time.Duration
	// ExitTimeout is how long the emulator gets to exit after monitor quit.
	ExitTimeout time.Duration
}

// EmulatorTransport spawns an emulator, connects to its serial FIFOs, and
// escapes writes so the monitor control byte stays unambiguous. Close asks
// the monitor to quit before tearing the process down.
type EmulatorTransport struct {
	cfg     EmulatorConfig
	pipeDir string
	proc    *process
	esc     *EscapingTransport
}

// NewEmulatorTransport validates cfg; the emulator starts on Open.
func NewEmulatorTransport(cfg EmulatorConfig) (*EmulatorTransport, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("emulator transport: command is required")
	}
	if !strings.Contains(strings.Join(cfg.Command, " "), PipePlaceholder) {
		return nil, fmt.Errorf("emulator transport: command must reference %s", PipePlaceholder)
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultEmulatorStartup
	}
	if cfg.ExitTimeout <= 0 {
		cfg.ExitTimeout = DefaultTerminateGrace
	}
	return &EmulatorTransport{cfg: cfg}, nil
}

// Timeouts: each handshake probe round gets 2s, the whole handshake the
// configured startup bound, and steady-state calls 5s.
func (t *EmulatorTransport) Timeouts() Timeouts {
	return Timeouts{
		SessionStartRetry:  2 * time.Second,
		SessionStart:       t.cfg.StartupTimeout,
		SessionEstablished: 5 * time.Second,
	}
}

// Open creates the FIFO pair, starts the emulator and opens the pipes.
func (t *EmulatorTransport) Open() error {
	if t.proc != nil {
		return nil
	}
	dir, err := os.MkdirTemp("", "microlink-emu-")
	if err != nil {
		return fmt.Errorf("create pipe dir: %w", err)
	}
	base := filepath.Join(dir, "fifo")
	writePath, readPath := base+".in", base+".out"
	for _, p := range []string{writePath, readPath} {
		if err := MakeFifo(p); err != nil {
			_ = os.RemoveAll(dir)
			return err
		}
	}

	argv := make([]string, len(t.cfg.Command))
	for i, a := range t.cfg.Command {
		argv[i] = strings.ReplaceAll(a, PipePlaceholder, base)
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = t.cfg.Dir
	if len(t.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), t.cfg.Env...)
	}
	if t.cfg.Stderr != nil {
		cmd.Stderr = t.cfg.Stderr
	}
	proc, err := startProcess(cmd, t.cfg.ExitTimeout)
	if err != nil {
		_ = os.RemoveAll(dir)
		return err
	}

	fifo := NewFifoTransport(readPath, writePath, t.Timeouts())
	esc := NewEscapingTransport(fifo)
	if err := esc.Open(); err != nil {
		_ = proc.terminate()
		_ = os.RemoveAll(dir)
		return err
	}
	t.pipeDir, t.proc, t.esc = dir, proc, esc
	return nil
}

// Close sends monitor quit, waits for the emulator to exit (terminating it
// if it does not), closes the pipes and removes the FIFO directory.
func (t *EmulatorTransport) Close() error {
	if t.proc == nil {
		return nil
	}
	var errs []error
	if err := t.esc.WriteMonitorQuit(); err != nil {
		errs = append(errs, err)
	}
	if !t.proc.wait(t.cfg.ExitTimeout) {
		errs = append(errs, t.proc.terminate())
	}
	errs = append(errs, t.esc.Close(), os.RemoveAll(t.pipeDir))
	t.pipeDir, t.proc, t.esc = "", nil, nil
	return errors.Join(errs...)
}

// Read reads emulator serial output.
func (t *EmulatorTransport) Read(n int, timeout time.Duration) ([]byte, error) {
	if t.esc == nil {
		return nil, ErrClosed
	}
	return t.esc.Read(n, timeout)
}

// Write sends escaped data to the emulator serial input.
func (t *EmulatorTransport) Write(p []byte, timeout time.Duration) (int, error) {
	if t.esc == nil {
		return 0, ErrClosed
	}
	return t.esc.Write(p, timeout)
}

// PipeBase returns the FIFO base path while open.
func (t *EmulatorTransport) PipeBase() string {
	if t.pipeDir == "" {
		return ""
	}
	return filepath.Join(t.pipeDir, "fifo")
}
