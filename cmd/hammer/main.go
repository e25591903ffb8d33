// Package main provides the hammer CLI entrypoint.
//
// Only `repair` builds anything. Every other command reads session
// directories, the archive or the built-in rule tables.
//
// Usage:
//
//	hammer <command> [subcommand] [options]
//
// Exit codes for `repair`:
//   - 0: converged
//   - 1: exhausted (no rule, or the last fix did not help)
//   - 2: aborted (toolchain failure, invalid overrides, canceled, setup failure)
//   - 3: attempt or session budget exhausted
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/TyberiusPrime/uv2nix-hammer/cli/cmd"
	"github.com/TyberiusPrime/uv2nix-hammer/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := &cli.App{
		Name:           "hammer",
		Usage:          "Repair uv2nix builds of Python packages by iterating overrides",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.RepairCommand(),
			cmd.InspectCommand(),
			cmd.HistoryCommand(),
			cmd.RulesCommand(),
			cmd.DebugCommand(),
			cmd.VersionCommand(commit),
		},
	}

	if err := app.Run(os.Args); err != nil {
		// ExitErrHandler already exited for cli.ExitCoder errors.
		os.Exit(1)
	}
}

// exitErrHandler preserves exit codes from cli.Exit so that repair's
// terminal state reaches the shell.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	msg, code := exitMessage(err)
	if msg != "" {
		fmt.Fprintln(os.Stderr, msg)
	}
	os.Exit(code)
}

// exitMessage returns what to print on stderr and the process exit code.
// cli.Exit("", N) prints nothing.
func exitMessage(err error) (string, int) {
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg == "" || msg == fmt.Sprintf("exit status %d", code) {
			return "", code
		}
		return msg, code
	}
	return fmt.Sprintf("Error: %v", err), 1
}
