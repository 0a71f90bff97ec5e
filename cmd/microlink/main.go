// Package main provides the microlink CLI entrypoint.
//
// Usage:
//
//	microlink [--config microlink.yaml] <command> [options]
//
// Exit codes:
//   - 0: success
//   - 1: runtime failure (I/O, build or flash command)
//   - 2: usage or configuration error
//   - 3: device failure (startup, timeout, port or board not found)
//   - 4: archive not found or digest mismatch in the store
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/microlink/cli/cmd"
	"github.com/pithecene-io/microlink/log"
	"github.com/pithecene-io/microlink/transport"
	"github.com/pithecene-io/microlink/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := &cli.App{
		Name:           "microlink",
		Usage:          "Talk to microcontrollers and move their artifacts around",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		Flags:          cmd.GlobalFlags(),
		ExitErrHandler: exitErrHandler,
		Commands:       cmd.Commands(commit),
	}

	err := app.Run(os.Args)
	closeLeaked()
	if err != nil {
		// ExitErrHandler already exited for cli.ExitCoder errors.
		os.Exit(1)
	}
}

// closeLeaked closes serial ports a failed command left open so the
// device is usable by the next process.
func closeLeaked() {
	transport.CloseLeakedSerialPorts(log.NewLogger("microlink"))
}

// exitErrHandler prints err and exits with its cli.Exit code, or 1.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	code, msg := exitStatus(err)
	if msg != "" {
		fmt.Fprintln(os.Stderr, msg)
	}
	closeLeaked()
	os.Exit(code)
}

// exitStatus returns the exit code for err and the message to print, if
// any. cli.Exit("", N) prints nothing.
func exitStatus(err error) (int, string) {
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg == fmt.Sprintf("exit status %d", code) {
			msg = ""
		}
		return code, msg
	}
	return 1, fmt.Sprintf("Error: %v", err)
}
