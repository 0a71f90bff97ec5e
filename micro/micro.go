// Package micro defines the collaborator capabilities around a session:
// building artifacts, loading them onto a device, and debugging.
//
// The session layer only consumes what these hand back (artifacts and
// transports). Command-driven implementations are provided for build
// systems and flash tools invoked as external programs.
package micro

import (
	"context"
	"errors"
	"fmt"

	"github.com/pithecene-io/microlink/artifact"
	"github.com/pithecene-io/microlink/transport"
)

// Compiler produces artifacts from sources or objects.
type Compiler interface {
	// Library builds a MicroLibrary in outDir from the given inputs.
	Library(ctx context.Context, outDir string, inputs []string, opts Options) (*artifact.MicroLibrary, error)
	// Binary links libraries into a flashable MicroBinary in outDir.
	Binary(ctx context.Context, outDir string, libs []*artifact.MicroLibrary, opts Options) (*artifact.MicroBinary, error)
}

// Flasher programs a binary onto a device and returns a transport to it.
// The transport is returned unopened.
type Flasher interface {
	Flash(ctx context.Context, bin *artifact.MicroBinary) (transport.Transport, error)
}

// Debugger runs a debug session alongside the byte transport.
type Debugger interface {
	Start() error
	Stop() error
}

// Collaborator errors. The session layer propagates them unchanged.
var (
	// ErrFlashRunnerNotSupported indicates a flash runner this flasher cannot drive.
	ErrFlashRunnerNotSupported = errors.New("flash runner not supported")
	// ErrBoardNotFound indicates the target board could not be located.
	ErrBoardNotFound = errors.New("board not found")
)

// FlashRunnerError names the unsupported runner. Classifies as
// ErrFlashRunnerNotSupported.
type FlashRunnerError struct {
	Runner    string
	Supported []string
}

func (e *FlashRunnerError) Error() string {
	return fmt.Sprintf("don't know how to flash with runner %q (supported: %v)", e.Runner, e.Supported)
}

// Is reports ErrFlashRunnerNotSupported.
func (e *FlashRunnerError) Is(target error) bool {
	return target == ErrFlashRunnerNotSupported
}

// CommandError reports an external program that failed.
type CommandError struct {
	Argv   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Argv[0], e.Err)
	if e.Output != "" {
		msg += "\n" + e.Output
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
