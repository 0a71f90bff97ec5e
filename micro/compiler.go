package micro

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pithecene-io/microlink/artifact"
)

// CommandCompilerConfig configures a CommandCompiler.
type CommandCompilerConfig struct {
	// Library builds a library. Placeholders: {out_dir}, {inputs}
	// (semicolon list). Options.CMakeDefines are appended as arguments.
	Library Command
	// LibraryOutputs are the files Library leaves in out_dir, relative to it.
	LibraryOutputs []string
	// Binary links a binary. Placeholders: {out_dir}, {libs} (semicolon
	// list of library files, absolute).
	Binary Command
	// BinaryOutput is the image Binary leaves in out_dir, relative to it.
	BinaryOutput string
	// DebugOutputs are debug files produced alongside the binary.
	DebugOutputs []string
	// IncludeDirsDefine names the cmake define receiving Options.IncludeDirs.
	IncludeDirsDefine string
	// Metadata is recorded in every artifact produced.
	Metadata map[string]any
}

// CommandCompiler drives an external build system and packages what it
// leaves behind as artifacts.
type CommandCompiler struct {
	cfg CommandCompilerConfig
}

// NewCommandCompiler returns a compiler for cfg. Library and Binary are each
// optional; calling an unconfigured one fails.
func NewCommandCompiler(cfg CommandCompilerConfig) *CommandCompiler {
	return &CommandCompiler{cfg: cfg}
}

func (c *CommandCompiler) args(opts Options) []string {
	args := opts.CMakeDefines()
	if c.cfg.IncludeDirsDefine != "" {
		if d := opts.IncludeDirsDefine(c.cfg.IncludeDirsDefine); d != "" {
			args = append(args, d)
		}
	}
	return args
}

func (c *CommandCompiler) metadata(opts Options) map[string]any {
	md := make(map[string]any, len(c.cfg.Metadata)+1)
	for k, v := range c.cfg.Metadata {
		md[k] = v
	}
	md["compiler_options"] = opts.Map()
	return md
}

// Library runs the library command and returns its outputs as a MicroLibrary.
func (c *CommandCompiler) Library(ctx context.Context, outDir string, inputs []string, opts Options) (*artifact.MicroLibrary, error) {
	if len(c.cfg.Library.Argv) == 0 || len(c.cfg.LibraryOutputs) == 0 {
		return nil, errors.New("compiler: library command and outputs are not configured")
	}
	vars := map[string]string{"out_dir": outDir, "inputs": strings.Join(inputs, ";")}
	if err := c.cfg.Library.run(ctx, vars, c.args(opts)...); err != nil {
		return nil, fmt.Errorf("build library: %w", err)
	}
	return artifact.NewMicroLibrary(outDir, c.cfg.LibraryOutputs, nil, nil, c.metadata(opts))
}

// Binary runs the link command over libs and returns the image as a MicroBinary.
func (c *CommandCompiler) Binary(ctx context.Context, outDir string, libs []*artifact.MicroLibrary, opts Options) (*artifact.MicroBinary, error) {
	if len(c.cfg.Binary.Argv) == 0 || c.cfg.BinaryOutput == "" {
		return nil, errors.New("compiler: binary command and output are not configured")
	}
	var libFiles []string
	for _, l := range libs {
		for _, f := range l.LibraryFiles() {
			libFiles = append(libFiles, l.Abspath(f))
		}
	}
	vars := map[string]string{"out_dir": outDir, "libs": strings.Join(libFiles, ";")}
	if err := c.cfg.Binary.run(ctx, vars, c.args(opts)...); err != nil {
		return nil, fmt.Errorf("build binary: %w", err)
	}
	return artifact.NewMicroBinary(outDir, c.cfg.BinaryOutput, c.cfg.DebugOutputs, nil, c.metadata(opts))
}
