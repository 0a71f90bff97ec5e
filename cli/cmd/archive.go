package cmd

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/microlink/artifact"
	"github.com/pithecene-io/microlink/cli/render"
	"github.com/pithecene-io/microlink/cli/tui"
)

// ArchiveResult describes a written archive.
type ArchiveResult struct {
	Path   string `json:"path"`
	Type   string `json:"type"`
	Digest string `json:"digest"`
	Size   int64  `json:"size_bytes"`
}

// UnarchiveResult describes an extracted artifact.
type UnarchiveResult struct {
	BaseDir string              `json:"base_dir"`
	Type    string              `json:"type"`
	Labels  map[string][]string `json:"labelled_files"`
}

// InspectResult is the manifest of an archive plus its identity.
type InspectResult struct {
	Path     string              `json:"path"`
	Name     string              `json:"name"`
	Type     string              `json:"type"`
	Version  int                 `json:"version"`
	Digest   string              `json:"digest"`
	Size     int64               `json:"size_bytes"`
	Labels   map[string][]string `json:"labelled_files"`
	Metadata map[string]any      `json:"metadata"`
}

// ArchiveCommand returns the archive command.
func ArchiveCommand() *cli.Command {
	return &cli.Command{
		Name:      "archive",
		Usage:     "Pack a directory into a relocatable artifact archive",
		ArgsUsage: "<base-dir> <archive-path|dir>",
		Flags: withOutput(
			&cli.StringFlag{Name: "type", Usage: "Artifact type: micro_binary, micro_library (default: untyped)"},
			&cli.StringSliceFlag{Name: "file", Usage: "Labelled file, label=relpath (repeatable)"},
			&cli.StringFlag{Name: "binary", Usage: "Binary image, relative to base-dir (micro_binary)"},
			&cli.StringSliceFlag{Name: "library", Usage: "Library file, relative to base-dir (micro_library, repeatable)"},
			&cli.StringSliceFlag{Name: "debug", Usage: "Debug file, relative to base-dir (repeatable)"},
			&cli.StringSliceFlag{Name: "metadata", Aliases: []string{"m"}, Usage: "Metadata entry, key=value (repeatable)"},
			&cli.StringFlag{Name: "compression", Usage: "none, zstd, lz4 (default: from archive extension)"},
		),
		Action: archiveAction,
	}
}

func archiveAction(c *cli.Context) error {
	if c.NArg() != 2 {
		return usageError("archive requires <base-dir> and <archive-path>")
	}
	baseDir, dest := c.Args().Get(0), c.Args().Get(1)

	labels, err := parseKV("file", c.StringSlice("file"))
	if err != nil {
		return usageError("%v", err)
	}
	kv, err := parseKV("metadata", c.StringSlice("metadata"))
	if err != nil {
		return usageError("%v", err)
	}
	metadata := make(map[string]any, len(kv))
	for k, v := range kv {
		if len(v) == 1 {
			metadata[k] = v[0]
		} else {
			metadata[k] = v
		}
	}

	var a *artifact.Artifact
	switch c.String("type") {
	case "":
		a, err = artifact.New(baseDir, labels, metadata)
	case artifact.TypeMicroBinary:
		if c.String("binary") == "" {
			return usageError("--binary is required for %s", artifact.TypeMicroBinary)
		}
		var bin *artifact.MicroBinary
		bin, err = artifact.NewMicroBinary(baseDir, c.String("binary"), c.StringSlice("debug"), labels, metadata)
		if err == nil {
			a = bin.Base()
		}
	case artifact.TypeMicroLibrary:
		if len(c.StringSlice("library")) == 0 {
			return usageError("--library is required for %s", artifact.TypeMicroLibrary)
		}
		var lib *artifact.MicroLibrary
		lib, err = artifact.NewMicroLibrary(baseDir, c.StringSlice("library"), c.StringSlice("debug"), labels, metadata)
		if err == nil {
			a = lib.Base()
		}
	default:
		return usageError("unknown --type %q (registered: %v)", c.String("type"), artifact.RegisteredTypes())
	}
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	var opts []artifact.ArchiveOption
	if c.IsSet("compression") {
		comp, err := artifact.ParseCompression(c.String("compression"))
		if err != nil {
			return usageError("%v", err)
		}
		opts = append(opts, artifact.WithCompression(comp))
	}

	path, err := a.Archive(dest, opts...)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	digest, err := artifact.Digest(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	return r.Render(ArchiveResult{Path: path, Type: a.Type(), Digest: digest, Size: info.Size()})
}

// UnarchiveCommand returns the unarchive command.
func UnarchiveCommand() *cli.Command {
	return &cli.Command{
		Name:      "unarchive",
		Usage:     "Extract an artifact archive into a new directory",
		ArgsUsage: "<archive> <dest-dir>",
		Flags:     OutputFlags(),
		Action:    unarchiveAction,
	}
}

func unarchiveAction(c *cli.Context) error {
	if c.NArg() != 2 {
		return usageError("unarchive requires <archive> and <dest-dir>")
	}
	typed, err := artifact.Unarchive(c.Args().Get(0), c.Args().Get(1))
	if err != nil {
		if errors.Is(err, artifact.ErrDestinationExists) {
			return usageError("%v", err)
		}
		return cli.Exit(err.Error(), 1)
	}
	a := typed.Base()

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	return r.Render(UnarchiveResult{BaseDir: a.BaseDir(), Type: a.Type(), Labels: a.LabelledFiles()})
}

// InspectCommand returns the inspect command.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Show an archive's manifest without extracting it",
		ArgsUsage: "<archive>",
		Flags:     TUIReadOnlyFlags(),
		Action:    inspectAction,
	}
}

func inspectAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return usageError("inspect requires <archive>")
	}
	res, err := inspectArchive(c.Args().First())
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return r.RenderTUI(tui.ViewInspect, &tui.ArchiveView{
			Path:     res.Path,
			Name:     res.Name,
			Type:     res.Type,
			Version:  res.Version,
			Digest:   res.Digest,
			Size:     res.Size,
			Labels:   res.Labels,
			Metadata: res.Metadata,
		})
	}
	return r.Render(res)
}

func inspectArchive(path string) (*InspectResult, error) {
	m, root, err := artifact.ReadManifest(path)
	if err != nil {
		return nil, err
	}
	digest, err := artifact.Digest(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return &InspectResult{
		Path:     abs,
		Name:     root,
		Type:     m.ArtifactType,
		Version:  m.Version,
		Digest:   digest,
		Size:     info.Size(),
		Labels:   m.LabelledFiles,
		Metadata: m.Metadata,
	}, nil
}
