package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/TyberiusPrime/uv2nix-hammer/cli/render"
	"github.com/TyberiusPrime/uv2nix-hammer/cli/tui"
	"github.com/TyberiusPrime/uv2nix-hammer/journal"
	"github.com/TyberiusPrime/uv2nix-hammer/runtime"
	"github.com/TyberiusPrime/uv2nix-hammer/types"
)

// InspectCommand returns the inspect command. It reads a finished session
// directory and never builds.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Inspect a finished session (report and attempt journal)",
		ArgsUsage: "<session-dir|report.json>",
		Flags: append(ReadOnlyFlags(),
			&cli.IntFlag{
				Name:  "attempt",
				Usage: "Show a single attempt by index",
			},
			&cli.BoolFlag{
				Name:  "log",
				Usage: "With --attempt, print the attempt's build output",
			},
		),
		Action: inspectAction,
	}
}

func inspectAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("session directory required", 1)
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	view, err := loadSession(c.Args().First())
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if c.Bool("tui") {
		return r.RenderTUI(tui.ViewInspectSession, view)
	}

	if !c.IsSet("attempt") {
		if c.Bool("log") {
			return cli.Exit("--log requires --attempt", 1)
		}
		return r.Render(view.Report)
	}

	index := c.Int("attempt")
	rec, ok := findAttempt(view.Report, index)
	if !ok {
		return cli.Exit(fmt.Sprintf("session has no attempt %d", index), 1)
	}
	if c.Bool("log") {
		log, ok := view.Logs[index]
		if !ok {
			return cli.Exit(fmt.Sprintf("no build output recorded for attempt %d", index), 1)
		}
		_, err := io.WriteString(os.Stdout, log)
		return err
	}
	return r.Render(rec)
}

// loadSession reads the report and, when present, the attempt journal of
// a session. path is a session directory or a report file.
func loadSession(path string) (*tui.SessionView, error) {
	dir, reportPath := path, filepath.Join(path, runtime.ReportFile)
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		dir, reportPath = filepath.Dir(path), path
	}

	report, err := runtime.ReadReport(reportPath)
	if err != nil {
		return nil, err
	}
	view := &tui.SessionView{Report: report, Logs: map[int]string{}}

	jr, err := journal.ReadFile(filepath.Join(dir, journal.FileName))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return view, nil
	case err != nil:
		return nil, err
	}
	if jr.Header.SessionID != "" && jr.Header.SessionID != report.SessionID {
		return nil, fmt.Errorf("journal belongs to session %s, report to %s", jr.Header.SessionID, report.SessionID)
	}
	for _, a := range jr.Attempts {
		out, err := a.DecodedOutput()
		if err != nil {
			return nil, fmt.Errorf("attempt %d: %w", a.Record.Index, err)
		}
		view.Logs[a.Record.Index] = string(out)
	}
	return view, nil
}

func findAttempt(report *runtime.Report, index int) (types.AttemptRecord, bool) {
	for _, a := range report.Attempts {
		if a.Index == index {
			return a, true
		}
	}
	return types.AttemptRecord{}, false
}
