package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TyberiusPrime/uv2nix-hammer/overrides"
	"github.com/TyberiusPrime/uv2nix-hammer/types"
)

// BuildRunner executes one hermetic build of the session target against
// the current override set.
//
// Package-level build failures are reported through BuildResult, never
// as errors. A non-nil error means the build could not be carried out at
// all (toolchain missing, generated overrides invalid, context canceled)
// and ends the session.
type BuildRunner interface {
	Run(ctx context.Context, req *BuildRequest) (*BuildResult, error)
}

// BuildRequest is the input of one build attempt.
type BuildRequest struct {
	// Attempt is the 1-based attempt index, used to name the attempt log.
	Attempt int
	// Target is the package being repaired.
	Target types.PackageTarget
	// Store holds the overrides to materialize before building.
	Store *overrides.Store
}

// BuildResult represents the outcome of one build attempt.
type BuildResult struct {
	// ExitCode is the build tool's exit code, -1 when killed.
	ExitCode int
	// Output is the combined stdout and stderr in arrival order, followed
	// by the logs of failed derivations.
	Output []byte
	// TimedOut is set when the per-attempt timeout killed the build.
	TimedOut bool
	// Duration is the wall-clock time of the attempt.
	Duration time.Duration
	// LogPath is where the runner saved Output, empty if not saved.
	LogPath string
}

// Succeeded reports whether the build succeeded.
func (r *BuildResult) Succeeded() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// ErrInvalidOverrides is returned when the build tool rejects the
// generated override expressions before any package is built.
var ErrInvalidOverrides = errors.New("generated overrides failed to evaluate")

// LaunchError reports that a build step could not be started or failed
// for reasons unrelated to the package being built.
type LaunchError struct {
	// Op names the step ("materialize", "stage", "flake lock", "nix build").
	Op  string
	Err error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// IsLaunchError returns true if err is or wraps a *LaunchError.
func IsLaunchError(err error) bool {
	var le *LaunchError
	return errors.As(err, &le)
}
