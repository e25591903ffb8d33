package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/TyberiusPrime/uv2nix-hammer/buildlog"
	"github.com/TyberiusPrime/uv2nix-hammer/log"
	"github.com/TyberiusPrime/uv2nix-hammer/overrides"
)

// Nix invocation defaults.
const (
	DefaultNixBinary  = "nix"
	DefaultFlakeInput = "uv2nix_hammer_overrides"
	// evaluationMarker appears when nix cannot evaluate the generated
	// overrides, before any derivation is built.
	evaluationMarker = "while evaluating the attribute"
	// killGrace bounds how long Wait blocks on output pipes after a kill.
	killGrace = 5 * time.Second
)

// Stager makes materialized override files visible to the flake,
// typically by staging them in the override repository's git index.
type Stager interface {
	Stage(ctx context.Context) error
}

// NixConfig configures a NixRunner.
type NixConfig struct {
	// BuildDir is the rendered workspace containing flake.nix. It is reused
	// across attempts so the nix store and eval caches stay warm.
	BuildDir string
	// NixBinary is the nix executable. Defaults to DefaultNixBinary.
	NixBinary string
	// FlakeInput is the flake input pointing at the override repository.
	// Re-locked before every build so new overrides are picked up. Empty
	// disables re-locking.
	FlakeInput string
	// AttemptTimeout bounds one nix build. Zero means no limit.
	AttemptTimeout time.Duration
	// Materializer writes the override store into the override repository.
	Materializer *overrides.Materializer
	// Stager is called after materialization. Optional.
	Stager Stager
	// Env holds extra KEY=value entries for the nix processes.
	Env []string
	// Logger receives per-attempt diagnostics. Defaults to log.Nop().
	Logger *log.Logger
}

// NixRunner builds the session target with `nix build`.
type NixRunner struct {
	config *NixConfig
	logger *log.Logger
}

// NewNixRunner validates config and applies defaults.
func NewNixRunner(config *NixConfig) (*NixRunner, error) {
	if config.BuildDir == "" {
		return nil, errors.New("nix runner: build dir is required")
	}
	if config.Materializer == nil {
		return nil, errors.New("nix runner: materializer is required")
	}
	if config.NixBinary == "" {
		config.NixBinary = DefaultNixBinary
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &NixRunner{config: config, logger: logger}, nil
}

// Run materializes the store, re-locks the override input and builds.
func (r *NixRunner) Run(ctx context.Context, req *BuildRequest) (*BuildResult, error) {
	start := time.Now()

	if err := r.config.Materializer.Materialize(req.Store); err != nil {
		return nil, &LaunchError{Op: "materialize", Err: err}
	}
	if r.config.Stager != nil {
		if err := r.config.Stager.Stage(ctx); err != nil {
			return nil, &LaunchError{Op: "stage", Err: err}
		}
	}

	if r.config.FlakeInput != "" {
		res, err := r.command(ctx, 0, "flake", "lock", "--update-input", r.config.FlakeInput)
		if err != nil {
			return nil, err
		}
		if res.exitCode != 0 {
			if bytes.Contains(res.output, []byte(evaluationMarker)) {
				return nil, fmt.Errorf("%w: %s", ErrInvalidOverrides, lastLines(res.output, 20))
			}
			return nil, &LaunchError{
				Op:  "flake lock",
				Err: fmt.Errorf("exit code %d: %s", res.exitCode, lastLines(res.output, 20)),
			}
		}
	}

	res, err := r.command(ctx, r.config.AttemptTimeout, "build", "--keep-going", "-L")
	if err != nil {
		return nil, err
	}

	output := res.output
	if res.exitCode != 0 && !res.timedOut {
		failed := buildlog.FailedDerivations(output)
		if len(failed) == 0 && bytes.Contains(output, []byte(evaluationMarker)) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidOverrides, lastLines(output, 20))
		}
		output, err = r.appendDerivationLogs(ctx, output, failed)
		if err != nil {
			return nil, err
		}
	}

	result := &BuildResult{
		ExitCode: res.exitCode,
		Output:   output,
		TimedOut: res.timedOut,
		Duration: time.Since(start),
	}

	logPath := filepath.Join(r.config.BuildDir, fmt.Sprintf("run_%d.log", req.Attempt))
	if err := os.WriteFile(logPath, output, 0o644); err != nil {
		r.logger.Warn("failed to write attempt log", map[string]any{
			"path":  logPath,
			"error": err.Error(),
		})
	} else {
		result.LogPath = logPath
	}

	r.logger.Info("nix build finished", map[string]any{
		"attempt":   req.Attempt,
		"exit_code": result.ExitCode,
		"timed_out": result.TimedOut,
		"duration":  result.Duration.String(),
	})
	return result, nil
}

// appendDerivationLogs appends `nix log` of every failed derivation so
// the classifier sees each builder's own output under a section header.
func (r *NixRunner) appendDerivationLogs(ctx context.Context, output []byte, drvs []string) ([]byte, error) {
	out := bytes.Clone(output)
	for _, drv := range drvs {
		res, err := r.command(ctx, 0, "log", drv)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			r.logger.Warn("nix log failed", map[string]any{"derivation": drv, "error": err.Error()})
			continue
		}
		if len(out) > 0 && out[len(out)-1] != '\n' {
			out = append(out, '\n')
		}
		out = append(out, buildlog.SectionHeader+drv+"\n"...)
		out = append(out, res.output...)
	}
	return out, nil
}

type procResult struct {
	output   []byte
	exitCode int
	timedOut bool
}

// command runs the nix binary in the build dir with stdout and stderr
// bound to one buffer. The process runs in its own group so a timeout or
// cancellation also kills the builders it spawned.
//
// A canceled ctx returns ctx.Err(). Hitting timeout is not an error; it
// is reported through procResult.timedOut.
func (r *NixRunner) command(ctx context.Context, timeout time.Duration, args ...string) (*procResult, error) {
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.config.NixBinary, args...)
	cmd.Dir = r.config.BuildDir
	if len(r.config.Env) > 0 {
		cmd.Env = deduplicateEnv(append(os.Environ(), r.config.Env...))
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	cmd.WaitDelay = killGrace
	setProcessGroup(cmd)

	op := "nix " + args[0]
	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Op: op, Err: err}
	}
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	res := &procResult{output: buf.Bytes()}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.timedOut = true
		res.exitCode = -1
		return res, nil
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(waitErr, &exitErr):
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				res.exitCode = status.ExitStatus()
			} else {
				res.exitCode = -1
			}
		case errors.Is(waitErr, exec.ErrWaitDelay):
			// Exited, but a leftover child held the output pipe open.
		default:
			return nil, &LaunchError{Op: op, Err: waitErr}
		}
	}
	return res, nil
}

// deduplicateEnv keeps the last occurrence of each env var key so
// configured entries win over inherited ones.
func deduplicateEnv(env []string) []string {
	seen := make(map[string]int, len(env))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		seen[key] = i
	}
	result := make([]string, 0, len(seen))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		if seen[key] == i {
			result = append(result, entry)
		}
	}
	return result
}

func lastLines(b []byte, n int) string {
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
