package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/TyberiusPrime/uv2nix-hammer/cli/render"
	"github.com/TyberiusPrime/uv2nix-hammer/types"
)

// VersionResponse is the response for the version command.
type VersionResponse struct {
	Version        string `json:"version"`
	Commit         string `json:"commit"`
	JournalVersion string `json:"journal_version"`
}

// VersionCommand returns the version command. It touches neither nix
// nor the network.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:   "version",
		Usage:  "Show version information",
		Flags:  ReadOnlyFlags(),
		Action: versionAction(commit),
	}
}

func versionAction(commit string) cli.ActionFunc {
	return func(c *cli.Context) error {
		r, err := render.NewRenderer(c)
		if err != nil {
			return err
		}
		if err := rejectTUI(c, "version"); err != nil {
			return err
		}

		return r.Render(VersionResponse{
			Version:        types.Version,
			Commit:         commit,
			JournalVersion: types.JournalFormatVersion,
		})
	}
}
