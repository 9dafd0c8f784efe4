package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/shuttle/cli/render"
	"github.com/pithecene-io/shuttle/types"
)

// VersionResponse is the response for the version command.
type VersionResponse struct {
	Version  string `json:"version" yaml:"version"`
	Protocol string `json:"protocol" yaml:"protocol"`
	Commit   string `json:"commit" yaml:"commit"`
}

// VersionCommand returns the version command. It reports the build and
// the control protocol version; it never contacts a sender (see status
// --remote for that).
func VersionCommand(version, commit string) *cli.Command {
	return &cli.Command{
		Name:   "version",
		Usage:  "Show version information",
		Flags:  ReadOnlyFlags(),
		Action: versionAction(version, commit),
	}
}

func versionAction(version, commit string) cli.ActionFunc {
	return func(c *cli.Context) error {
		r, err := render.NewRenderer(c)
		if err != nil {
			return err
		}
		if version == "" {
			version = types.Version
		}
		return r.Render(VersionResponse{
			Version:  version,
			Protocol: types.Version,
			Commit:   commit,
		})
	}
}
