package cmd

import (
	"errors"

	"github.com/urfave/cli/v2"

	"github.com/TyberiusPrime/uv2nix-hammer/cli/config"
	"github.com/TyberiusPrime/uv2nix-hammer/cli/render"
	"github.com/TyberiusPrime/uv2nix-hammer/cli/tui"
	"github.com/TyberiusPrime/uv2nix-hammer/lode"
	"github.com/TyberiusPrime/uv2nix-hammer/types"
)

// HistoryCommand returns the history command, which queries the session
// archive.
func HistoryCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List archived sessions, most recent first",
		Flags: append(ReadOnlyFlags(),
			ConfigFlag,
			&cli.StringFlag{
				Name:  "package",
				Usage: "Only sessions of this package",
			},
			&cli.StringFlag{
				Name:  "state",
				Usage: "Only sessions ending in this state: converged, exhausted, aborted",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of sessions",
				Value: 20,
			},
			&cli.StringFlag{
				Name:  "archive-backend",
				Usage: "Archive backend: fs or s3 (overrides hammer.yaml)",
			},
			&cli.StringFlag{
				Name:  "archive-path",
				Usage: "Archive path (fs: directory, s3: bucket/prefix)",
			},
			&cli.StringFlag{
				Name:  "archive-s3-region",
				Usage: "AWS region for the s3 backend",
			},
			&cli.StringFlag{
				Name:  "session",
				Usage: "Show the archived attempts of one session",
			},
		),
		Action: historyAction,
	}
}

func historyAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	cfg, err := config.LoadOptional(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	archiveCfg := cfg.Archive
	if c.IsSet("archive-backend") {
		archiveCfg.Backend = c.String("archive-backend")
	}
	if c.IsSet("archive-path") {
		archiveCfg.Path = c.String("archive-path")
	}
	if c.IsSet("archive-s3-region") {
		archiveCfg.Region = c.String("archive-s3-region")
	}
	if archiveCfg.Backend == "" {
		return cli.Exit("no archive configured (set archive.backend in hammer.yaml or --archive-backend)", 1)
	}
	if archiveCfg.Path == "" {
		return cli.Exit("--archive-path required", 1)
	}

	archive, err := openArchive(c.Context, archiveCfg)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if id := c.String("session"); id != "" {
		if c.Bool("tui") {
			return cli.Exit("--tui is not supported with --session", 1)
		}
		attempts, err := archive.Attempts(c.Context, id)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		return r.Render(attempts)
	}

	filter := lode.HistoryFilter{
		State: c.String("state"),
		Limit: c.Int("limit"),
	}
	if pkg := c.String("package"); pkg != "" {
		filter.Package = types.PackageTarget{Name: pkg}.Normalized()
	}
	sessions, err := archive.History(c.Context, filter)
	if errors.Is(err, lode.ErrNoSessions) {
		sessions = []lode.SessionRecord{}
	} else if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if c.Bool("tui") {
		return r.RenderTUI(tui.ViewHistory, &tui.HistoryView{Sessions: sessions})
	}
	return r.Render(sessions)
}
