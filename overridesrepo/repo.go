// Package overridesrepo manages the checkout of the shared override
// repository a session writes into: cloning it on a per-target branch,
// staging generated files so the flake input sees them, and committing
// the result of a converged session.
package overridesrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/TyberiusPrime/uv2nix-hammer/git"
	"github.com/TyberiusPrime/uv2nix-hammer/log"
	"github.com/TyberiusPrime/uv2nix-hammer/runtime"
	"github.com/TyberiusPrime/uv2nix-hammer/types"
)

// DefaultRemote is the public override repository.
const DefaultRemote = "https://github.com/TyberiusPrime/uv2nix_hammer_overrides"

// ErrNothingToCommit is returned by Commit when the session changed no files.
var ErrNothingToCommit = errors.New("no override changes to commit")

// Config configures a checkout.
type Config struct {
	// Dir is the checkout location (required).
	Dir string
	// Remote is cloned when Dir is not a repository yet.
	Remote string
	// Target names the branch <pkg>-<version>.
	Target    types.PackageTarget
	GitBinary string
	Logger    *log.Logger
}

// Repo is an override repository checkout.
type Repo struct {
	config Config
	git    *git.Repo
	logger *log.Logger
}

// New validates cfg. Nothing touches the disk until Clone.
func New(cfg Config) (*Repo, error) {
	if cfg.Dir == "" {
		return nil, errors.New("override repository dir is required")
	}
	if err := cfg.Target.Validate(); err != nil {
		return nil, err
	}
	if cfg.Target.Version == "" {
		return nil, fmt.Errorf("override repository: %s: version is required", cfg.Target.Name)
	}
	if cfg.Remote == "" {
		cfg.Remote = DefaultRemote
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &Repo{
		config: cfg,
		git:    &git.Repo{Dir: cfg.Dir, Binary: cfg.GitBinary},
		logger: logger,
	}, nil
}

// Dir returns the checkout root.
func (r *Repo) Dir() string {
	return r.config.Dir
}

// Branch returns the per-target branch name.
func (r *Repo) Branch() string {
	return fmt.Sprintf("%s-%s", r.config.Target.Name, r.config.Target.Version)
}

// Clone clones the remote into Dir if needed and switches to the target
// branch. Calling it on an existing checkout only switches branches.
func (r *Repo) Clone(ctx context.Context) (string, error) {
	if !r.git.IsRepo() {
		if err := removeEmptyDir(r.config.Dir); err != nil {
			return "", err
		}
		r.logger.Info("cloning override repository", map[string]any{
			"remote": r.config.Remote,
			"dir":    r.config.Dir,
		})
		if _, err := git.Clone(ctx, r.config.GitBinary, r.config.Remote, r.config.Dir); err != nil {
			return "", fmt.Errorf("override repository: %w", err)
		}
	}
	if err := r.git.SwitchCreate(ctx, r.Branch()); err != nil {
		return "", fmt.Errorf("override repository: %w", err)
	}
	return r.config.Dir, nil
}

// removeEmptyDir clears a pre-created empty dir so git clone accepts it.
func removeEmptyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("override repository: %w", err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("override repository: %s exists and is not a git checkout", dir)
	}
	return os.Remove(dir)
}

// Stage adds every change to the index. Flake inputs from a git tree
// only include tracked files, so the runner stages before each build.
func (r *Repo) Stage(ctx context.Context) error {
	if err := r.git.Add(ctx, "."); err != nil {
		return fmt.Errorf("override repository: %w", err)
	}
	return nil
}

// Commit stages and commits the session's overrides and returns the
// branch they were committed to.
func (r *Repo) Commit(ctx context.Context, report *runtime.Report) (string, error) {
	if err := r.Stage(ctx); err != nil {
		return "", err
	}
	changed, err := r.git.HasStagedChanges(ctx)
	if err != nil {
		return "", fmt.Errorf("override repository: %w", err)
	}
	if !changed {
		return "", ErrNothingToCommit
	}
	if err := r.git.Commit(ctx, CommitMessage(report)); err != nil {
		return "", fmt.Errorf("override repository: %w", err)
	}
	head, err := r.git.Head(ctx)
	if err != nil {
		return "", fmt.Errorf("override repository: %w", err)
	}
	r.logger.Info("committed overrides", map[string]any{
		"branch": r.Branch(),
		"commit": head,
	})
	return r.Branch(), nil
}

// CommitMessage is the subject line plus one line per applied mutation.
func CommitMessage(report *runtime.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "autogenerated overrides for %s==%s", report.Target.Name, report.Target.Version)
	if len(report.Mutations) > 0 {
		b.WriteString("\n\n")
		for _, m := range report.Mutations {
			b.WriteString("- ")
			b.WriteString(m.String())
			b.WriteByte('\n')
		}
	}
	return b.String()
}

var _ runtime.Stager = (*Repo)(nil)
