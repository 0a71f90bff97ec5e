package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/microlink/artifact"
	"github.com/pithecene-io/microlink/cli/render"
	"github.com/pithecene-io/microlink/types"
)

// VersionResponse is the response for the version command.
type VersionResponse struct {
	Version         string   `json:"version"`
	Commit          string   `json:"commit"`
	ArchiveEncoding int      `json:"archive_encoding_version"`
	ArtifactTypes   []string `json:"artifact_types"`
}

// VersionCommand returns the version command. It never touches a device.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:   "version",
		Usage:  "Show version information",
		Flags:  OutputFlags(),
		Action: versionAction(commit),
	}
}

func versionAction(commit string) cli.ActionFunc {
	return func(c *cli.Context) error {
		r, err := render.NewRenderer(c)
		if err != nil {
			return err
		}
		return r.Render(VersionResponse{
			Version:         types.Version,
			Commit:          commit,
			ArchiveEncoding: artifact.EncodingVersion,
			ArtifactTypes:   artifact.RegisteredTypes(),
		})
	}
}
