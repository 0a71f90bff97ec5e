package micro

import (
	"context"
	"errors"
	"slices"

	"github.com/pithecene-io/microlink/artifact"
	"github.com/pithecene-io/microlink/log"
	"github.com/pithecene-io/microlink/transport"
)

// TransportFactory builds the transport for a flashed binary.
type TransportFactory func(bin *artifact.MicroBinary) (transport.Transport, error)

// CommandFlasherConfig configures a CommandFlasher.
type CommandFlasherConfig struct {
	// Runner names the flash mechanism (e.g. "openocd"). It must appear in
	// Supported when Supported is non-empty.
	Runner    string
	Supported []string
	// Flash is run once per Flash call. Placeholders: {binary}, {base_dir},
	// {runner}, and {debug} (first debug file, or empty).
	Flash Command
	// Transport builds the transport returned after a successful flash.
	Transport TransportFactory
	// Debugger, when set, wraps the transport so the debugger runs for the
	// lifetime of the session.
	Debugger Debugger
	Logger   *log.Logger
}

// CommandFlasher programs a device by running an external flash tool.
type CommandFlasher struct {
	cfg    CommandFlasherConfig
	logger *log.Logger
}

// NewCommandFlasher validates cfg. An unsupported runner is reported here,
// before anything is run.
func NewCommandFlasher(cfg CommandFlasherConfig) (*CommandFlasher, error) {
	if err := cfg.Flash.validate("flasher"); err != nil {
		return nil, err
	}
	if cfg.Transport == nil {
		return nil, errors.New("flasher: transport factory is required")
	}
	if len(cfg.Supported) > 0 && !slices.Contains(cfg.Supported, cfg.Runner) {
		return nil, &FlashRunnerError{Runner: cfg.Runner, Supported: cfg.Supported}
	}
	return &CommandFlasher{cfg: cfg, logger: log.OrNop(cfg.Logger).Named("flasher")}, nil
}

// Flash runs the flash command for bin and returns its transport, unopened.
func (f *CommandFlasher) Flash(ctx context.Context, bin *artifact.MicroBinary) (transport.Transport, error) {
	vars := map[string]string{
		"binary":   bin.Abspath(bin.BinaryFile()),
		"base_dir": bin.BaseDir(),
		"runner":   f.cfg.Runner,
		"debug":    "",
	}
	if dbg := bin.DebugFiles(); len(dbg) > 0 {
		vars["debug"] = bin.Abspath(dbg[0])
	}

	f.logger.Info("flashing", map[string]any{"binary": vars["binary"], "runner": f.cfg.Runner})
	if err := f.cfg.Flash.run(ctx, vars); err != nil {
		return nil, err
	}

	t, err := f.cfg.Transport(bin)
	if err != nil {
		return nil, err
	}
	if f.cfg.Debugger != nil {
		return NewDebugTransport(f.cfg.Debugger, t), nil
	}
	return t, nil
}
