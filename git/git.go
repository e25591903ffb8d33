// Package git runs git commands against a working tree.
package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// DefaultBinary is the git executable looked up on PATH.
const DefaultBinary = "git"

// Repo is a git working tree.
type Repo struct {
	// Dir is the working tree root.
	Dir string
	// Binary overrides DefaultBinary.
	Binary string
}

// Open returns the repo rooted at dir.
func Open(dir string) *Repo {
	return &Repo{Dir: dir}
}

// CommandError carries the output of a failed git command.
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("git %s: %s: %v", strings.Join(e.Args, " "), e.Output, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Run executes git in the repo dir and returns its trimmed combined output.
func (r *Repo) Run(ctx context.Context, args ...string) (string, error) {
	return run(ctx, r.binary(), r.Dir, args...)
}

func (r *Repo) binary() string {
	if r.Binary == "" {
		return DefaultBinary
	}
	return r.Binary
}

func run(ctx context.Context, binary, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = dir
	// Never block on a credential or editor prompt.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_EDITOR=true")

	out, err := cmd.CombinedOutput()
	output := strings.TrimRight(string(out), " \t\r\n")
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return output, ctxErr
		}
		return output, &CommandError{Args: args, Output: output, Err: err}
	}
	return output, nil
}

// Clone clones url into dir. The parent of dir must exist.
func Clone(ctx context.Context, binary, url, dir string) (*Repo, error) {
	if binary == "" {
		binary = DefaultBinary
	}
	if _, err := run(ctx, binary, filepath.Dir(dir), "clone", "--quiet", url, dir); err != nil {
		return nil, err
	}
	return &Repo{Dir: dir, Binary: binary}, nil
}

// IsRepo reports whether Dir holds a .git directory or file.
func (r *Repo) IsRepo() bool {
	_, err := os.Stat(filepath.Join(r.Dir, ".git"))
	return err == nil
}

// Init creates the repository if Dir is not one yet.
func (r *Repo) Init(ctx context.Context) error {
	if r.IsRepo() {
		return nil
	}
	_, err := r.Run(ctx, "init", "--quiet")
	return err
}

// Add stages the given paths ("." for everything).
func (r *Repo) Add(ctx context.Context, paths ...string) error {
	_, err := r.Run(ctx, append([]string{"add", "--"}, paths...)...)
	return err
}

// CurrentBranch returns the checked-out branch name.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	return r.Run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// SwitchCreate switches to branch, creating it from HEAD when missing.
func (r *Repo) SwitchCreate(ctx context.Context, branch string) error {
	if _, err := r.Run(ctx, "switch", branch); err == nil {
		return nil
	} else if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	_, err := r.Run(ctx, "switch", "-c", branch)
	return err
}

// HasStagedChanges reports whether the index differs from HEAD.
func (r *Repo) HasStagedChanges(ctx context.Context) (bool, error) {
	out, err := r.Run(ctx, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return false, err
	}
	for line := range strings.SplitSeq(out, "\n") {
		// First column is the index state.
		if len(line) > 0 && line[0] != ' ' && line[0] != '?' {
			return true, nil
		}
	}
	return false, nil
}

// Commit records the index with message.
func (r *Repo) Commit(ctx context.Context, message string) error {
	_, err := r.Run(ctx, "commit", "--quiet", "-m", message)
	return err
}

// Head returns the short hash of HEAD.
func (r *Repo) Head(ctx context.Context) (string, error) {
	return r.Run(ctx, "rev-parse", "--short", "HEAD")
}
