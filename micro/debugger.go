package micro

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"

	"github.com/pithecene-io/microlink/transport"
)

// CommandDebugger runs an external debugger (gdb server, west debug, ...)
// between Start and Stop.
type CommandDebugger struct {
	command Command
	vars    map[string]string
	grace   time.Duration

	cmd  *exec.Cmd
	done chan error
}

// NewCommandDebugger prepares command; vars fill its placeholders.
func NewCommandDebugger(command Command, vars map[string]string) (*CommandDebugger, error) {
	if err := command.validate("debugger"); err != nil {
		return nil, err
	}
	return &CommandDebugger{command: command, vars: vars, grace: transport.DefaultTerminateGrace}, nil
}

// Start launches the debugger with the terminal attached.
func (d *CommandDebugger) Start() error {
	if d.cmd != nil {
		return errors.New("debugger already started")
	}
	cmd := d.command.cmd(context.Background(), d.vars)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start debugger: %w", err)
	}
	d.cmd = cmd
	d.done = make(chan error, 1)
	go func() { d.done <- cmd.Wait() }()
	return nil
}

// Stop terminates the debugger and waits for it, escalating to SIGKILL.
func (d *CommandDebugger) Stop() error {
	if d.cmd == nil {
		return nil
	}
	defer func() { d.cmd = nil }()

	_ = d.cmd.Process.Signal(unix.SIGTERM)
	timer := time.NewTimer(d.grace)
	defer timer.Stop()
	select {
	case <-d.done:
	case <-timer.C:
		_ = d.cmd.Process.Kill()
		<-d.done
	}
	return nil
}

// DebugTransport starts a debugger when opened and stops it when closed.
type DebugTransport struct {
	debugger Debugger
	child    transport.Transport
	started  bool
}

// NewDebugTransport wraps child.
func NewDebugTransport(debugger Debugger, child transport.Transport) *DebugTransport {
	return &DebugTransport{debugger: debugger, child: child}
}

// Open starts the debugger, then opens the child. If the child fails to
// open the debugger is stopped again.
func (t *DebugTransport) Open() error {
	if err := t.debugger.Start(); err != nil {
		return err
	}
	t.started = true
	if err := t.child.Open(); err != nil {
		t.started = false
		return errors.Join(err, t.debugger.Stop())
	}
	return nil
}

// Close closes the child, then stops the debugger.
func (t *DebugTransport) Close() error {
	err := t.child.Close()
	if t.started {
		t.started = false
		err = errors.Join(err, t.debugger.Stop())
	}
	return err
}

// Read reads from the child.
func (t *DebugTransport) Read(n int, timeout time.Duration) ([]byte, error) {
	return t.child.Read(n, timeout)
}

// Write writes to the child.
func (t *DebugTransport) Write(p []byte, timeout time.Duration) (int, error) {
	return t.child.Write(p, timeout)
}

// Timeouts reports the child's timeouts.
func (t *DebugTransport) Timeouts() transport.Timeouts {
	return t.child.Timeouts()
}
