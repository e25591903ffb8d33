// Package workspace prepares the build project a repair session runs in:
// a throwaway Python project depending on the target package, a flake
// wiring it through uv2nix, and the override repository as a flake input.
//
// Layout under the work dir:
//
//	hammer_build_<pkg>_<version>/
//	  build/      pyproject.toml, uv.lock, flake.nix, run_<n>.log
//	  overrides/  override repository checkout
//	  src/        unpacked sources of failing packages
package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/BurntSushi/toml"

	"github.com/TyberiusPrime/uv2nix-hammer/git"
	"github.com/TyberiusPrime/uv2nix-hammer/log"
	"github.com/TyberiusPrime/uv2nix-hammer/runtime"
	"github.com/TyberiusPrime/uv2nix-hammer/types"
)

// Defaults for the generated flake.
const (
	DefaultNixpkgs        = "github:nixos/nixpkgs/24.05"
	DefaultUv2nix         = "github:adisbladis/uv2nix"
	DefaultSystem         = "x86_64-linux"
	DefaultRequiresPy     = ">=3.11"
	DefaultUvBinary       = "uv"
	DefaultProjectName    = "app"
	DefaultProjectVersion = "0.1.0"
)

// Source preferences passed to uv2nix's mkOverlay.
const (
	PreferWheel = "wheel"
	PreferSdist = "sdist"
)

// Layout holds the directories of one target's workspace.
type Layout struct {
	Root      string
	Build     string
	Overrides string
	Src       string
}

// NewLayout computes the layout for target under workDir.
func NewLayout(workDir string, target types.PackageTarget) Layout {
	root := filepath.Join(workDir, fmt.Sprintf("hammer_build_%s_%s", target.Name, target.Version))
	return Layout{
		Root:      root,
		Build:     filepath.Join(root, "build"),
		Overrides: filepath.Join(root, "overrides"),
		Src:       filepath.Join(root, "src"),
	}
}

// Config selects the pins and tools used to render a workspace.
type Config struct {
	// WorkDir is where hammer_build_* directories are created.
	WorkDir string
	// Nixpkgs and Uv2nix are flake references.
	Nixpkgs string
	Uv2nix  string
	// FlakeInput names the override repository input.
	FlakeInput string
	// SourcePreference is PreferWheel or PreferSdist.
	SourcePreference string
	System           string
	RequiresPython   string
	UvBinary         string
	GitBinary        string
}

func (c *Config) applyDefaults() {
	if c.Nixpkgs == "" {
		c.Nixpkgs = DefaultNixpkgs
	}
	if c.Uv2nix == "" {
		c.Uv2nix = DefaultUv2nix
	}
	if c.FlakeInput == "" {
		c.FlakeInput = runtime.DefaultFlakeInput
	}
	if c.SourcePreference == "" {
		c.SourcePreference = PreferWheel
	}
	if c.System == "" {
		c.System = DefaultSystem
	}
	if c.RequiresPython == "" {
		c.RequiresPython = DefaultRequiresPy
	}
	if c.UvBinary == "" {
		c.UvBinary = DefaultUvBinary
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.WorkDir == "" {
		return errors.New("workspace: work dir is required")
	}
	switch c.SourcePreference {
	case "", PreferWheel, PreferSdist:
	default:
		return fmt.Errorf("workspace: invalid source preference %q (want %s or %s)", c.SourcePreference, PreferWheel, PreferSdist)
	}
	return nil
}

// Renderer writes workspaces.
type Renderer struct {
	logger *log.Logger
}

// NewRenderer returns a renderer logging through logger (nil discards).
func NewRenderer(logger *log.Logger) *Renderer {
	if logger == nil {
		logger = log.Nop()
	}
	return &Renderer{logger: logger}
}

// Render creates the workspace directories and the build project for
// target. The overrides directory is created empty; cloning it is the
// override repository's job. Existing pyproject.toml and uv.lock are kept,
// flake.nix is always rewritten so flag changes take effect.
func (r *Renderer) Render(ctx context.Context, target types.PackageTarget, cfg Config) (*Layout, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if target.Version == "" {
		return nil, fmt.Errorf("workspace: %s: version is required", target)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	layout := NewLayout(cfg.WorkDir, target)
	for _, dir := range []string{layout.Build, layout.Src} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("workspace: failed to create %s: %w", dir, err)
		}
	}
	overrides, err := filepath.Abs(layout.Overrides)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}

	pyproject := filepath.Join(layout.Build, "pyproject.toml")
	if !exists(pyproject) {
		data, err := RenderPyproject(target, cfg.RequiresPython)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(pyproject, data, 0o644); err != nil {
			return nil, fmt.Errorf("workspace: failed to write pyproject.toml: %w", err)
		}
	}

	flake, err := RenderFlake(FlakeParams{
		Nixpkgs:          cfg.Nixpkgs,
		Uv2nix:           cfg.Uv2nix,
		OverridesInput:   cfg.FlakeInput,
		OverridesPath:    overrides,
		SourcePreference: cfg.SourcePreference,
		System:           cfg.System,
		Project:          DefaultProjectName,
	})
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(layout.Build, "flake.nix"), flake, 0o644); err != nil {
		return nil, fmt.Errorf("workspace: failed to write flake.nix: %w", err)
	}

	if !exists(filepath.Join(layout.Build, "uv.lock")) {
		r.logger.Info("locking project", map[string]any{"dir": layout.Build})
		if err := r.uvLock(ctx, cfg.UvBinary, layout.Build); err != nil {
			return nil, err
		}
	}

	// Flakes only see files tracked by git.
	repo := &git.Repo{Dir: layout.Build, Binary: cfg.GitBinary}
	if err := repo.Init(ctx); err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	if err := repo.Add(ctx, "flake.nix", "pyproject.toml", "uv.lock"); err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	return &layout, nil
}

func (r *Renderer) uvLock(ctx context.Context, uv, dir string) error {
	cmd := exec.CommandContext(ctx, uv, "lock", "--no-cache")
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("workspace: uv lock failed: %w\n%s", err, bytes.TrimSpace(out))
	}
	return nil
}

// CleanRuns removes run logs and the result link left by an earlier
// session in the build dir.
func CleanRuns(buildDir string) error {
	logs, err := filepath.Glob(filepath.Join(buildDir, "run_*.log"))
	if err != nil {
		return err
	}
	for _, p := range append(logs, filepath.Join(buildDir, "result")) {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("workspace: failed to remove %s: %w", p, err)
		}
	}
	return nil
}

type pyprojectFile struct {
	Project pyprojectProject `toml:"project"`
}

type pyprojectProject struct {
	Name           string   `toml:"name"`
	Version        string   `toml:"version"`
	Description    string   `toml:"description"`
	RequiresPython string   `toml:"requires-python"`
	Dependencies   []string `toml:"dependencies"`
}

// RenderPyproject renders a project that depends on exactly target.
func RenderPyproject(target types.PackageTarget, requiresPython string) ([]byte, error) {
	if requiresPython == "" {
		requiresPython = DefaultRequiresPy
	}
	var buf bytes.Buffer
	err := toml.NewEncoder(&buf).Encode(pyprojectFile{Project: pyprojectProject{
		Name:           DefaultProjectName,
		Version:        DefaultProjectVersion,
		Description:    "Learn to build " + target.Name,
		RequiresPython: requiresPython,
		Dependencies:   []string{target.String()},
	}})
	if err != nil {
		return nil, fmt.Errorf("workspace: failed to encode pyproject.toml: %w", err)
	}
	return buf.Bytes(), nil
}

// FlakeParams fill the flake.nix template.
type FlakeParams struct {
	Nixpkgs          string
	Uv2nix           string
	OverridesInput   string
	OverridesPath    string
	SourcePreference string
	System           string
	Project          string
}

var flakeTemplate = template.Must(template.New("flake.nix").Parse(`{
  description = "uv2nix-hammer build of {{.Project}}";
  inputs = {
    nixpkgs.url = "{{.Nixpkgs}}";
    uv2nix.url = "{{.Uv2nix}}";
    uv2nix.inputs.nixpkgs.follows = "nixpkgs";
    {{.OverridesInput}}.url = "path:{{.OverridesPath}}";
    {{.OverridesInput}}.inputs.nixpkgs.follows = "nixpkgs";
  };
  outputs = {
    nixpkgs,
    uv2nix,
    {{.OverridesInput}},
    ...
  }: let
    inherit (nixpkgs) lib;

    workspace = uv2nix.lib.workspace.loadWorkspace {workspaceRoot = ./.;};

    overlay = let
      overlay' = workspace.mkOverlay {
        sourcePreference = "{{.SourcePreference}}";
      };
      overrides = {{.OverridesInput}}.overrides;
    in
      lib.composeExtensions overlay' overrides;

    pkgs = nixpkgs.legacyPackages.{{.System}};
    python = pkgs.python3.override {
      self = python;
      packageOverrides = overlay;
    };
  in {
    packages.{{.System}}.default = python.pkgs.{{.Project}};
  };
}
`))

// RenderFlake renders flake.nix.
func RenderFlake(p FlakeParams) ([]byte, error) {
	if p.Project == "" {
		p.Project = DefaultProjectName
	}
	var buf bytes.Buffer
	if err := flakeTemplate.Execute(&buf, p); err != nil {
		return nil, fmt.Errorf("workspace: failed to render flake.nix: %w", err)
	}
	return buf.Bytes(), nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
