package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/TyberiusPrime/uv2nix-hammer/adapter"
	"github.com/TyberiusPrime/uv2nix-hammer/cli/config"
	"github.com/TyberiusPrime/uv2nix-hammer/cli/render"
	"github.com/TyberiusPrime/uv2nix-hammer/iox"
	"github.com/TyberiusPrime/uv2nix-hammer/journal"
	"github.com/TyberiusPrime/uv2nix-hammer/log"
	"github.com/TyberiusPrime/uv2nix-hammer/metrics"
	"github.com/TyberiusPrime/uv2nix-hammer/overrides"
	"github.com/TyberiusPrime/uv2nix-hammer/overridesrepo"
	"github.com/TyberiusPrime/uv2nix-hammer/rules"
	"github.com/TyberiusPrime/uv2nix-hammer/runtime"
	"github.com/TyberiusPrime/uv2nix-hammer/srcextract"
	"github.com/TyberiusPrime/uv2nix-hammer/types"
	"github.com/TyberiusPrime/uv2nix-hammer/workspace"
)

// Exit code for failures before the repair loop starts. Environmental
// problems share the Aborted code.
const exitSetupFailure = 2

// Bounds for the best-effort work after a session ends.
const (
	archiveTimeout = 30 * time.Second
	publishTimeout = 60 * time.Second
)

// LogFile is the default log destination inside a session directory.
const LogFile = "hammer.log"

// RepairCommand returns the repair command, the only command that builds.
func RepairCommand() *cli.Command {
	return &cli.Command{
		Name:      "repair",
		Usage:     "Find the overrides a package needs to build under uv2nix",
		ArgsUsage: "<package> [version]",
		Flags: []cli.Flag{
			ConfigFlag,
			&cli.StringFlag{
				Name:  "workdir",
				Usage: "Directory receiving hammer_build_<pkg>_<version> (default: current directory)",
			},
			&cli.BoolFlag{
				Name:  "sdist",
				Usage: "Build from the sdist instead of the wheel when one exists",
			},
			&cli.IntFlag{
				Name:  "max-attempts",
				Usage: "Maximum number of build attempts",
				Value: runtime.DefaultMaxAttempts,
			},
			&cli.DurationFlag{
				Name:  "attempt-timeout",
				Usage: "Wall-clock limit per build attempt (0 = none)",
			},
			&cli.DurationFlag{
				Name:  "session-timeout",
				Usage: "Wall-clock limit for the whole session (0 = none)",
			},
			&cli.StringFlag{
				Name:  "report",
				Usage: "Write the JSON report to this path (- for stdout)",
			},
			FormatFlag,
			NoColorFlag,
			&cli.BoolFlag{
				Name:    "quiet",
				Aliases: []string{"q"},
				Usage:   "Suppress progress output",
			},
			&cli.BoolFlag{
				Name:  "no-commit",
				Usage: "Leave converged overrides uncommitted",
			},
			&cli.StringFlag{
				Name:  "overrides-repo",
				Usage: "Override repository to clone",
			},
			&cli.StringFlag{
				Name:   "index-url",
				Usage:  "PyPI JSON API base URL",
				Hidden: true,
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Action: repairAction,
	}
}

// repairOptions is the merged view of flags and hammer.yaml.
type repairOptions struct {
	target         types.PackageTarget
	workDir        string
	sdist          bool
	maxAttempts    int
	attemptTimeout time.Duration
	sessionTimeout time.Duration
	reportPath     string
	format         render.Format
	quiet          bool
	noColor        bool
	commit         bool
	remote         string
	indexURL       string
	knowledgeBase  string
	uvBinary       string
	gitBinary      string
	nix            config.NixConfig
	archive        config.ArchiveConfig
	adapter        config.AdapterConfig
	debug          bool
	logFile        string
}

func repairAction(c *cli.Context) error {
	cfg, err := config.LoadOptional(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), exitSetupFailure)
	}
	opts, err := resolveRepairOptions(c, cfg)
	if err != nil {
		return cli.Exit(err.Error(), exitSetupFailure)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Progress shares stdout with table output only; structured output
	// keeps stdout clean for the report.
	var progressOut io.Writer = os.Stdout
	if opts.format != render.FormatTable || opts.reportPath == "-" {
		progressOut = os.Stderr
	}

	report, err := runRepair(ctx, opts, progressOut)
	if err != nil {
		return cli.Exit(err.Error(), exitSetupFailure)
	}

	if err := printOutcome(os.Stdout, progressOut, report, opts, c.IsSet("format")); err != nil {
		return err
	}
	return cli.Exit("", report.ExitCode)
}

// printOutcome renders the report in the requested format, or prints a
// one-line summary. "--report -" has already put the report on stdout,
// so it is not rendered a second time.
func printOutcome(stdout, progressOut io.Writer, report *runtime.Report, opts *repairOptions, formatSet bool) error {
	if formatSet && opts.reportPath != "-" {
		return render.NewRendererWithWriter(opts.format, opts.noColor, stdout).Render(report)
	}
	if opts.quiet {
		return nil
	}
	fmt.Fprintf(progressOut, "%s: %s (%d attempts, %d mutations)\n",
		report.Target, report.Message, len(report.Attempts), len(report.Mutations))
	if report.Branch != "" {
		fmt.Fprintf(progressOut, "overrides committed to branch %s\n", report.Branch)
	}
	return nil
}

// resolveRepairOptions merges flags over config values.
func resolveRepairOptions(c *cli.Context, cfg *config.Config) (*repairOptions, error) {
	if c.NArg() < 1 || c.NArg() > 2 {
		return nil, errors.New("usage: hammer repair <package> [version]")
	}
	target, err := types.ParseTarget(c.Args().Get(0), c.Args().Get(1))
	if err != nil {
		return nil, err
	}

	format, err := render.ParseFormat(c.String("format"))
	if err != nil {
		return nil, err
	}
	if format == "" {
		format = render.DefaultFormat(os.Stdout)
	}

	opts := &repairOptions{
		target:         target,
		workDir:        cfg.WorkDir,
		sdist:          cfg.Sdist || c.Bool("sdist"),
		maxAttempts:    c.Int("max-attempts"),
		attemptTimeout: cfg.AttemptTimeout.Duration,
		sessionTimeout: cfg.SessionTimeout.Duration,
		reportPath:     c.String("report"),
		format:         format,
		quiet:          c.Bool("quiet"),
		noColor:        c.Bool("no-color"),
		commit:         cfg.Overrides.ShouldCommit() && !c.Bool("no-commit"),
		remote:         cfg.Overrides.Remote,
		indexURL:       cfg.IndexURL,
		knowledgeBase:  cfg.KnowledgeBase,
		uvBinary:       cfg.UvBinary,
		gitBinary:      cfg.GitBinary,
		nix:            cfg.Nix,
		archive:        cfg.Archive,
		adapter:        cfg.Adapter,
		debug:          cfg.Log.Debug || c.Bool("debug"),
		logFile:        cfg.Log.File,
	}
	if cfg.MaxAttempts != nil && !c.IsSet("max-attempts") {
		opts.maxAttempts = *cfg.MaxAttempts
	}
	if c.IsSet("workdir") {
		opts.workDir = c.String("workdir")
	}
	if c.IsSet("attempt-timeout") {
		opts.attemptTimeout = c.Duration("attempt-timeout")
	}
	if c.IsSet("session-timeout") {
		opts.sessionTimeout = c.Duration("session-timeout")
	}
	if c.IsSet("overrides-repo") {
		opts.remote = c.String("overrides-repo")
	}
	if c.IsSet("index-url") {
		opts.indexURL = c.String("index-url")
	}

	if opts.workDir == "" {
		opts.workDir = "."
	}
	if opts.maxAttempts < 1 {
		return nil, fmt.Errorf("--max-attempts must be at least 1, got %d", opts.maxAttempts)
	}
	if opts.attemptTimeout < 0 || opts.sessionTimeout < 0 {
		return nil, errors.New("timeouts must not be negative")
	}
	return opts, nil
}

// runRepair prepares the workspace, runs the repair loop and performs the
// follow-up work: report, commit, source extraction, archive and
// notification. Errors are setup failures; every session outcome,
// including aborts, comes back as a report.
func runRepair(ctx context.Context, opts *repairOptions, progressOut io.Writer) (*runtime.Report, error) {
	release, err := workspace.NewIndex(opts.indexURL).ResolveVersion(ctx, opts.target.Name, opts.target.Version)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve %s: %w", opts.target, err)
	}
	target := release.Target
	preference := release.SourcePreference(opts.sdist)
	if opts.sdist && preference != workspace.PreferSdist {
		fmt.Fprintf(os.Stderr, "Warning: %s has no sdist, building the wheel\n", target)
	}

	tables, err := rules.LoadTables(opts.knowledgeBase)
	if err != nil {
		return nil, err
	}

	layout := workspace.NewLayout(opts.workDir, target)
	if err := os.MkdirAll(layout.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	sessionID := uuid.NewString()
	logger, closeLog, err := openLogger(opts, layout.Root, log.SessionMeta{
		SessionID: sessionID,
		Package:   target.Name,
		Version:   target.Version,
	})
	if err != nil {
		return nil, err
	}
	defer closeLog()

	ws, err := workspace.NewRenderer(logger).Render(ctx, target, workspace.Config{
		WorkDir:          opts.workDir,
		Nixpkgs:          opts.nix.Nixpkgs,
		Uv2nix:           opts.nix.Uv2nix,
		FlakeInput:       opts.nix.FlakeInput,
		SourcePreference: preference,
		System:           opts.nix.System,
		UvBinary:         opts.uvBinary,
		GitBinary:        opts.gitBinary,
	})
	if err != nil {
		return nil, err
	}

	repo, err := overridesrepo.New(overridesrepo.Config{
		Dir:       ws.Overrides,
		Remote:    opts.remote,
		Target:    target,
		GitBinary: opts.gitBinary,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	if _, err := repo.Clone(ctx); err != nil {
		return nil, err
	}

	inspector := srcextract.NewInspector(&srcextract.Locator{NixBinary: opts.nix.Binary}, logger)
	materializer := &overrides.Materializer{Root: ws.Overrides, KindOf: sourceKinds(target, preference, inspector.KindOf)}
	// Overrides from earlier sessions of this target would hide the
	// failures the session is meant to rediscover.
	if err := materializer.ClearPackage(target); err != nil {
		return nil, err
	}
	if err := workspace.CleanRuns(ws.Build); err != nil {
		return nil, err
	}

	collector := metrics.NewCollector(target.String(), "nix", opts.archive.Backend, sessionID)
	journalPath := filepath.Join(ws.Root, journal.FileName)
	jw, err := journal.Create(journalPath, journal.HeaderFrame{
		SessionID:   sessionID,
		Target:      target,
		MaxAttempts: opts.maxAttempts,
		StartedAt:   time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	defer iox.DiscardClose(jw)

	flakeInput := opts.nix.FlakeInput
	if flakeInput == "" {
		flakeInput = runtime.DefaultFlakeInput
	}
	runner, err := runtime.NewNixRunner(&runtime.NixConfig{
		BuildDir:       ws.Build,
		NixBinary:      opts.nix.Binary,
		FlakeInput:     flakeInput,
		AttemptTimeout: opts.attemptTimeout,
		Materializer:   materializer,
		Stager:         repo,
		Env:            opts.nix.Env,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	session, err := runtime.NewSession(&runtime.SessionConfig{
		ID:             sessionID,
		Target:         target,
		Runner:         runner,
		Rules:          rules.DefaultCatalog(tables),
		Inspector:      inspector,
		MaxAttempts:    opts.maxAttempts,
		SessionTimeout: opts.sessionTimeout,
		Journal:        jw,
		Observer:       render.NewProgress(progressOut, opts.noColor, opts.quiet),
		Collector:      collector,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	result, err := session.Execute(ctx)
	if err != nil {
		return nil, err
	}

	report := runtime.Summarize(result, session.Store(), nil)
	report.SessionDir = ws.Root

	// Follow-up work runs even when the session was interrupted.
	post := context.WithoutCancel(ctx)

	if report.Converged() && opts.commit {
		branch, err := repo.Commit(post, report)
		switch {
		case errors.Is(err, overridesrepo.ErrNothingToCommit):
			logger.Info("overrides unchanged, nothing to commit", nil)
		case err != nil:
			logger.Warn("failed to commit overrides", map[string]any{"error": err.Error()})
		default:
			report.Branch = branch
		}
	}

	if !report.Converged() && ctx.Err() == nil {
		extractFailingSources(ctx, opts, journalPath, ws.Src, logger)
	}

	archiveSession(post, opts.archive, report, collector, logger)
	snap := collector.Snapshot()
	report.Metrics = &snap

	if err := runtime.WriteReport(report, filepath.Join(ws.Root, runtime.ReportFile)); err != nil {
		logger.Warn("failed to write session report", map[string]any{"error": err.Error()})
	}
	if opts.reportPath != "" {
		if err := runtime.WriteReport(report, opts.reportPath); err != nil {
			return nil, err
		}
	}

	publishSession(post, opts.adapter, report, logger)
	return report, nil
}

// openLogger opens the session log. An empty log file means hammer.log in
// the session directory and "-" means stderr.
func openLogger(opts *repairOptions, root string, meta log.SessionMeta) (*log.Logger, func(), error) {
	var (
		w       io.Writer = os.Stderr
		closeFn           = func() {}
	)
	if opts.logFile != "-" {
		path := opts.logFile
		if path == "" {
			path = filepath.Join(root, LogFile)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w = f
		closeFn = func() { iox.DiscardClose(f) }
	}
	logger := log.NewLoggerWithWriter(meta, w)
	logger.SetDebug(opts.debug)
	return logger, func() {
		_ = logger.Sync()
		closeFn()
	}, nil
}

// sourceKinds records each package's overrides under the source its
// derivation was seen building from. Packages never inspected fall back
// to the session's preference for the target and to wheels for
// dependencies, which uv2nix prefers when one exists.
func sourceKinds(target types.PackageTarget, preference string, seen func(types.PackageTarget) (types.SourceKind, bool)) func(types.PackageTarget) overrides.SourceKind {
	return func(pkg types.PackageTarget) overrides.SourceKind {
		if seen != nil {
			if kind, ok := seen(pkg.Canonical()); ok {
				return kind
			}
		}
		if preference == workspace.PreferSdist && pkg.Normalized() == target.Normalized() {
			return overrides.SourceSdist
		}
		return overrides.SourceWheel
	}
}

// extractFailingSources unpacks the sources of the derivations that failed
// in the last attempt, so the user can inspect them.
func extractFailingSources(ctx context.Context, opts *repairOptions, journalPath, dest string, logger *log.Logger) {
	jr, err := journal.ReadFile(journalPath)
	if err != nil || len(jr.Attempts) == 0 {
		return
	}
	output, err := jr.Attempts[len(jr.Attempts)-1].DecodedOutput()
	if err != nil {
		logger.Warn("cannot decode last build output", map[string]any{"error": err.Error()})
		return
	}
	extracted, err := srcextract.ExtractFailing(ctx, &srcextract.Locator{NixBinary: opts.nix.Binary}, output, dest, logger)
	if err != nil {
		logger.Warn("source extraction stopped", map[string]any{"error": err.Error()})
	}
	for _, e := range extracted {
		logger.Info("extracted failing source", map[string]any{"drv": e.Derivation, "dir": e.Dir})
	}
}

func archiveSession(ctx context.Context, cfg config.ArchiveConfig, report *runtime.Report, collector *metrics.Collector, logger *log.Logger) {
	if cfg.Backend == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()

	archive, err := openArchive(ctx, cfg)
	if err == nil {
		err = archive.WriteSession(ctx, report)
	}
	if err != nil {
		collector.IncArchiveWriteFailure()
		logger.Warn("failed to archive session", map[string]any{"backend": cfg.Backend, "error": err.Error()})
		return
	}
	collector.IncArchiveWrite()
}

func publishSession(ctx context.Context, cfg config.AdapterConfig, report *runtime.Report, logger *log.Logger) {
	a, err := buildAdapter(cfg)
	if err != nil {
		logger.Warn("invalid adapter config", map[string]any{"error": err.Error()})
		return
	}
	if a == nil {
		return
	}
	defer iox.DiscardErr(a.Close)

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := a.Publish(ctx, adapter.NewSessionCompletedEvent(report, time.Now())); err != nil {
		logger.Warn("failed to publish session event", map[string]any{"adapter": cfg.Type, "error": err.Error()})
	}
}
