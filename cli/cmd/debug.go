package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/TyberiusPrime/uv2nix-hammer/buildlog"
	"github.com/TyberiusPrime/uv2nix-hammer/cli/render"
	"github.com/TyberiusPrime/uv2nix-hammer/journal"
	"github.com/TyberiusPrime/uv2nix-hammer/overrides"
	"github.com/TyberiusPrime/uv2nix-hammer/rules"
	"github.com/TyberiusPrime/uv2nix-hammer/types"
)

// DebugCommand returns the debug command with subcommands.
// Debug commands are offline diagnostic tools: they never build.
func DebugCommand() *cli.Command {
	return &cli.Command{
		Name:  "debug",
		Usage: "Diagnostic tools (classify a build log, dump a journal)",
		Subcommands: []*cli.Command{
			debugClassifyCommand(),
			debugJournalCommand(),
			debugExtractorsCommand(),
		},
	}
}

// ClassifyResponse is the result of debug classify.
type ClassifyResponse struct {
	Signature   types.FailureSignature `json:"signature"`
	Key         string                 `json:"key"`
	Fingerprint string                 `json:"fingerprint"`
	// Mutation is what a fresh session would apply, if any rule matches.
	Mutation *types.Mutation `json:"mutation,omitempty"`
}

func debugClassifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "classify",
		Usage:     "Classify a saved build log (run_<n>.log) offline",
		ArgsUsage: "<log-file|->",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{
				Name:  "knowledge-base",
				Usage: "YAML file extending the built-in rule tables",
			},
		),
		Action: debugClassifyAction,
	}
}

func debugClassifyAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("log file required (- for stdin)", 1)
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for debug commands", 1)
	}

	output, err := readInput(c.Args().First())
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to read log: %v", err), 1)
	}
	tables, err := rules.LoadTables(c.String("knowledge-base"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	return r.Render(classify(output, rules.DefaultCatalog(tables)))
}

func classify(output []byte, catalog *rules.Catalog) *ClassifyResponse {
	sig := buildlog.NewParser().Classify(output)
	resp := &ClassifyResponse{
		Signature:   sig,
		Key:         sig.Key(),
		Fingerprint: sig.Fingerprint(),
	}
	if m, ok := catalog.FindMutation(sig, overrides.NewStore()); ok {
		resp.Mutation = &m
	}
	return resp
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// JournalDump summarizes a journal file.
type JournalDump struct {
	SessionID     string                  `json:"session_id"`
	Target        string                  `json:"target"`
	FormatVersion string                  `json:"format_version"`
	MaxAttempts   int                     `json:"max_attempts"`
	Attempts      []JournalAttempt        `json:"attempts"`
	State         types.SessionState      `json:"state,omitempty"`
	Reason        types.TerminationReason `json:"reason,omitempty"`
	Truncated     bool                    `json:"truncated"`
}

// JournalAttempt is one attempt frame without its output.
type JournalAttempt struct {
	Index      int    `json:"index"`
	Outcome    string `json:"outcome"`
	Category   string `json:"category,omitempty"`
	Mutation   string `json:"mutation,omitempty"`
	OutputSize int    `json:"output_size"`
}

func debugJournalCommand() *cli.Command {
	return &cli.Command{
		Name:      "journal",
		Usage:     "Decode an attempts.journal file",
		ArgsUsage: "<journal-file>",
		Flags:     ReadOnlyFlags(),
		Action:    debugJournalAction,
	}
}

func debugJournalAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("journal file required", 1)
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for debug commands", 1)
	}

	jr, err := journal.ReadFile(c.Args().First())
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return r.Render(dumpJournal(jr))
}

func dumpJournal(jr *journal.Journal) *JournalDump {
	dump := &JournalDump{
		SessionID:     jr.Header.SessionID,
		Target:        jr.Header.Target.String(),
		FormatVersion: jr.Header.FormatVersion,
		MaxAttempts:   jr.Header.MaxAttempts,
		Attempts:      []JournalAttempt{},
		Truncated:     jr.Truncated,
	}
	for _, a := range jr.Attempts {
		entry := JournalAttempt{
			Index:      a.Record.Index,
			Outcome:    string(a.Record.Outcome),
			OutputSize: a.OutputSize,
		}
		if a.Record.Signature != nil {
			entry.Category = string(a.Record.Signature.Category)
		}
		if a.Record.Applied != nil {
			entry.Mutation = a.Record.Applied.String()
		}
		dump.Attempts = append(dump.Attempts, entry)
	}
	if jr.Summary != nil {
		dump.State = jr.Summary.State
		dump.Reason = jr.Summary.Reason
	}
	return dump
}

// ExtractorEntry is one row of debug extractors.
type ExtractorEntry struct {
	Order    int    `json:"order"`
	ID       string `json:"id"`
	Category string `json:"category"`
	Pattern  string `json:"pattern"`
}

func debugExtractorsCommand() *cli.Command {
	return &cli.Command{
		Name:  "extractors",
		Usage: "List log extractors in the order they are tried",
		Flags: ReadOnlyFlags(),
		Action: func(c *cli.Context) error {
			r, err := render.NewRenderer(c)
			if err != nil {
				return err
			}
			if c.Bool("tui") {
				return cli.Exit("--tui is not supported for debug commands", 1)
			}
			var entries []ExtractorEntry
			for i, e := range buildlog.NewParser().Extractors() {
				entries = append(entries, ExtractorEntry{
					Order:    i + 1,
					ID:       e.ID,
					Category: string(e.Category),
					Pattern:  e.Pattern.String(),
				})
			}
			return r.Render(entries)
		},
	}
}
