package transport

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultTerminateGrace is how long a child process gets between SIGTERM
// and SIGKILL.
const DefaultTerminateGrace = 2 * time.Second

// SubprocessConfig describes a child process spoken to over stdin/stdout.
type SubprocessConfig struct {
	// Command is the argv of the child. Required.
	Command []string
	// Dir is the working directory; empty inherits ours.
	Dir string
	// Env is appended to the inherited environment.
	Env []string
	// Stderr receives the child's stderr; nil discards it.
	Stderr *os.File
	// Timeouts reported to the session. Zero value selects DefaultSubprocessTimeouts.
	Timeouts Timeouts
	// TerminateGrace overrides DefaultTerminateGrace.
	TerminateGrace time.Duration
}

// DefaultSubprocessTimeouts suit a local process that is ready as soon as it
// starts.
var DefaultSubprocessTimeouts = Timeouts{
	SessionStartRetry:  0,
	SessionStart:       5 * time.Second,
	SessionEstablished: 5 * time.Second,
}

// SubprocessTransport spawns a process and talks to it over its stdin and
// stdout.
type SubprocessTransport struct {
	cfg  SubprocessConfig
	proc *process
	fd   *FdTransport
}

// NewSubprocessTransport validates cfg; the process starts on Open.
func NewSubprocessTransport(cfg SubprocessConfig) (*SubprocessTransport, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("subprocess transport: command is required")
	}
	if cfg.Timeouts == (Timeouts{}) {
		cfg.Timeouts = DefaultSubprocessTimeouts
	}
	return &SubprocessTransport{cfg: cfg}, nil
}

// Open starts the child with fresh pipes for stdin and stdout.
func (t *SubprocessTransport) Open() error {
	if t.proc != nil {
		return nil
	}
	inR, inW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		closeFiles(inR, inW)
		return fmt.Errorf("stdout pipe: %w", err)
	}
	// The child's ends are closed in every case; ours after they are duplicated.
	defer closeFiles(inR, outW, inW, outR)

	cmd := exec.Command(t.cfg.Command[0], t.cfg.Command[1:]...)
	cmd.Dir = t.cfg.Dir
	if len(t.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), t.cfg.Env...)
	}
	cmd.Stdin = inR
	cmd.Stdout = outW
	if t.cfg.Stderr != nil {
		cmd.Stderr = t.cfg.Stderr
	}

	fd, err := NewFileTransport(outR, inW, t.cfg.Timeouts)
	if err != nil {
		return err
	}
	proc, err := startProcess(cmd, t.cfg.TerminateGrace)
	if err != nil {
		_ = fd.Close()
		return err
	}
	if err := fd.Open(); err != nil {
		_ = fd.Close()
		_ = proc.terminate()
		return err
	}
	t.proc = proc
	t.fd = fd
	return nil
}

// Close closes our pipe ends and stops the child.
func (t *SubprocessTransport) Close() error {
	if t.proc == nil {
		return nil
	}
	errFd := t.fd.Close()
	errProc := t.proc.terminate()
	t.proc, t.fd = nil, nil
	return errors.Join(errFd, errProc)
}

// Read reads from the child's stdout.
func (t *SubprocessTransport) Read(n int, timeout time.Duration) ([]byte, error) {
	if t.fd == nil {
		return nil, ErrClosed
	}
	return t.fd.Read(n, timeout)
}

// Write writes to the child's stdin.
func (t *SubprocessTransport) Write(p []byte, timeout time.Duration) (int, error) {
	if t.fd == nil {
		return 0, ErrClosed
	}
	return t.fd.Write(p, timeout)
}

// Timeouts reports the configured timeouts.
func (t *SubprocessTransport) Timeouts() Timeouts {
	return t.cfg.Timeouts
}

// Pid returns the child's process id, or 0 when not running.
func (t *SubprocessTransport) Pid() int {
	if t.proc == nil {
		return 0
	}
	return t.proc.cmd.Process.Pid
}

// process supervises a started child: it is reaped exactly once by a
// background Wait, and terminated with SIGTERM followed by SIGKILL.
type process struct {
	cmd   *exec.Cmd
	grace time.Duration
	done  chan struct{}
	err   error
}

func startProcess(cmd *exec.Cmd, grace time.Duration) (*process, error) {
	if grace <= 0 {
		grace = DefaultTerminateGrace
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	p := &process{cmd: cmd, grace: grace, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// exited reports whether the child has been reaped.
func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// wait waits up to timeout for the child to exit on its own.
func (p *process) wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}

// terminate stops the child. An exit caused by our own signal is not an
// error.
func (p *process) terminate() error {
	if p.exited() {
		return p.exitErr()
	}
	if err := p.cmd.Process.Signal(unix.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal %d: %w", p.cmd.Process.Pid, err)
	}
	if !p.wait(p.grace) {
		_ = p.cmd.Process.Kill()
		<-p.done
	}
	return nil
}

func (p *process) exitErr() error {
	if p.err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(p.err, &exitErr) && !exitErr.Exited() {
		return nil
	}
	return fmt.Errorf("%s: %w", p.cmd.Path, p.err)
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}
