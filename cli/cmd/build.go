package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/microlink/artifact"
	"github.com/pithecene-io/microlink/cli/render"
	"github.com/pithecene-io/microlink/iox"
	"github.com/pithecene-io/microlink/micro"
)

// BuildResult reports a built artifact and, when requested, its archive.
type BuildResult struct {
	Type    string              `json:"type"`
	BaseDir string              `json:"base_dir"`
	Labels  map[string][]string `json:"labelled_files"`
	Archive string              `json:"archive,omitempty"`
}

var buildFlags = []cli.Flag{
	&cli.StringSliceFlag{Name: "option", Aliases: []string{"o"}, Usage: "Compiler option, key=value (repeatable; overrides compiler.options)"},
	&cli.StringFlag{Name: "archive", Usage: "Also pack the result into this archive path or directory"},
}

// BuildCommand returns the build command group.
func BuildCommand() *cli.Command {
	return &cli.Command{
		Name:  "build",
		Usage: "Run the configured build commands and package their outputs",
		Subcommands: []*cli.Command{
			{
				Name:      "library",
				Usage:     "Build a micro_library from source inputs",
				ArgsUsage: "<out-dir> <input>...",
				Flags:     withOutput(buildFlags...),
				Action:    buildLibraryAction,
			},
			{
				Name:      "binary",
				Usage:     "Link a micro_binary from micro_library archives",
				ArgsUsage: "<out-dir> <library-archive>...",
				Flags:     withOutput(buildFlags...),
				Action:    buildBinaryAction,
			},
		},
	}
}

// compilerFor builds the configured compiler with --option overrides merged
// over compiler.options.
func compilerFor(c *cli.Context) (*micro.CommandCompiler, micro.Options, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, micro.Options{}, err
	}
	overrides, err := parseKV("option", c.StringSlice("option"))
	if err != nil {
		return nil, micro.Options{}, usageError("%v", err)
	}
	if len(overrides) > 0 {
		merged := make(map[string]any, len(cfg.Compiler.Options)+len(overrides))
		for k, v := range cfg.Compiler.Options {
			merged[k] = v
		}
		for k, v := range overrides {
			merged[k] = v
		}
		cfg.Compiler.Options = merged
	}
	comp, opts, err := cfg.BuildCompiler()
	if err != nil {
		return nil, micro.Options{}, cli.Exit(err.Error(), 2)
	}
	return comp, opts, nil
}

func buildLibraryAction(c *cli.Context) error {
	if c.NArg() < 2 {
		return usageError("build library requires <out-dir> and at least one <input>")
	}
	comp, opts, err := compilerFor(c)
	if err != nil {
		return err
	}
	outDir, err := prepareOutDir(c.Args().First())
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	inputs := make([]string, 0, c.NArg()-1)
	for _, in := range c.Args().Tail() {
		abs, err := filepath.Abs(in)
		if err != nil {
			return err
		}
		inputs = append(inputs, abs)
	}

	lib, err := comp.Library(c.Context, outDir, inputs, opts)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return renderBuild(c, lib.Base())
}

func buildBinaryAction(c *cli.Context) error {
	if c.NArg() < 2 {
		return usageError("build binary requires <out-dir> and at least one <library-archive>")
	}
	comp, opts, err := compilerFor(c)
	if err != nil {
		return err
	}
	outDir, err := prepareOutDir(c.Args().First())
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	work, err := os.MkdirTemp("", "microlink-link-")
	if err != nil {
		return err
	}
	defer iox.DiscardRemoveAll(work)

	libs, err := unarchiveLibraries(work, c.Args().Tail())
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	bin, err := comp.Binary(c.Context, outDir, libs, opts)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return renderBuild(c, bin.Base())
}

func unarchiveLibraries(work string, archives []string) ([]*artifact.MicroLibrary, error) {
	libs := make([]*artifact.MicroLibrary, 0, len(archives))
	for i, path := range archives {
		typed, err := artifact.Unarchive(path, filepath.Join(work, fmt.Sprintf("lib%d", i)))
		if err != nil {
			return nil, err
		}
		lib, ok := typed.(*artifact.MicroLibrary)
		if !ok {
			return nil, fmt.Errorf("%s is a %q artifact, want %s", path, typed.Base().Type(), artifact.TypeMicroLibrary)
		}
		libs = append(libs, lib)
	}
	return libs, nil
}

func prepareOutDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func renderBuild(c *cli.Context, a *artifact.Artifact) error {
	res := BuildResult{Type: a.Type(), BaseDir: a.BaseDir(), Labels: a.LabelledFiles()}
	if dest := c.String("archive"); dest != "" {
		path, err := a.Archive(dest)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		res.Archive = path
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	return r.Render(res)
}
