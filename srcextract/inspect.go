package srcextract

import (
	"archive/tar"
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/TyberiusPrime/uv2nix-hammer/iox"
	"github.com/TyberiusPrime/uv2nix-hammer/log"
	"github.com/TyberiusPrime/uv2nix-hammer/types"
)

// ErrNoPyproject is returned when a source carries no pyproject.toml.
var ErrNoPyproject = errors.New("no pyproject.toml")

// maxPyprojectSize bounds the pyproject.toml read from an archive.
const maxPyprojectSize = 1 << 20

// ignoredBuildRequires are build requirements with no package set
// attribute that builds fine without them.
var ignoredBuildRequires = []string{"hatch-docstring-description"}

// SourceInfo describes the src of one derivation.
type SourceInfo struct {
	Path string
	Kind types.SourceKind
	// BuildRequires holds the normalized names from the sdist's
	// build-system.requires, sorted. Empty for wheels.
	BuildRequires []string
}

// Describe locates the src of drv and reads what it declares. A src
// ending in .whl is a wheel; anything else is built from source. A
// source without a readable pyproject.toml has no build requirements.
func (l *Locator) Describe(ctx context.Context, drv string) (SourceInfo, error) {
	src, err := l.Source(ctx, drv)
	if err != nil {
		return SourceInfo{}, err
	}
	info := SourceInfo{Path: src, Kind: KindOfSource(src)}
	if info.Kind == types.SourceWheel {
		return info, nil
	}
	reqs, err := ReadBuildRequires(src)
	if err != nil && !errors.Is(err, ErrNoPyproject) {
		return info, err
	}
	info.BuildRequires = reqs
	return info, nil
}

// KindOfSource classifies a src path by its file name.
func KindOfSource(src string) types.SourceKind {
	if strings.HasSuffix(strings.ToLower(src), ".whl") {
		return types.SourceWheel
	}
	return types.SourceSdist
}

// ReadBuildRequires returns the normalized build-system.requires of the
// pyproject.toml in src. src is an unpacked directory, a tarball (the
// pyproject.toml with the shortest path wins) or a zip (root only).
func ReadBuildRequires(src string) ([]string, error) {
	data, err := readPyproject(src)
	if err != nil {
		return nil, err
	}
	var doc struct {
		BuildSystem struct {
			Requires []string `toml:"requires"`
		} `toml:"build-system"`
	}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid pyproject.toml in %s: %w", src, err)
	}

	var out []string
	for _, req := range doc.BuildSystem.Requires {
		name := NormalizeRequirement(req)
		if name == "" || slices.Contains(ignoredBuildRequires, name) {
			continue
		}
		out = append(out, name)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// NormalizeRequirement reduces a PEP 508 requirement to its lowercase,
// dash separated distribution name: "Cython>=3.0; python_version>'3'"
// becomes "cython".
func NormalizeRequirement(req string) string {
	if i := strings.IndexAny(req, "><=!~;[@ \t"); i >= 0 {
		req = req[:i]
	}
	req = strings.ReplaceAll(strings.TrimSpace(req), "_", "-")
	return strings.ToLower(req)
}

func readPyproject(src string) ([]byte, error) {
	fi, err := os.Stat(src)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", src, err)
	}
	if fi.IsDir() {
		data, err := os.ReadFile(filepath.Join(src, "pyproject.toml"))
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoPyproject
		}
		return data, err
	}
	if strings.HasSuffix(strings.ToLower(src), ".zip") {
		return zipPyproject(src)
	}
	return tarPyproject(src)
}

func zipPyproject(archive string) ([]byte, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", archive, err)
	}
	defer iox.DiscardClose(zr)
	f, err := zr.Open("pyproject.toml")
	if err != nil {
		return nil, ErrNoPyproject
	}
	defer iox.DiscardClose(f)
	return io.ReadAll(io.LimitReader(f, maxPyprojectSize))
}

func tarPyproject(archive string) ([]byte, error) {
	tr, closeTar, err := openTar(archive)
	if err != nil {
		return nil, err
	}
	defer closeTar()

	var best string
	var data []byte
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading tar header in %s: %w", archive, err)
		}
		if hdr.Typeflag != tar.TypeReg || path.Base(hdr.Name) != "pyproject.toml" {
			continue
		}
		if best != "" && len(hdr.Name) >= len(best) {
			continue
		}
		body, err := io.ReadAll(io.LimitReader(tr, maxPyprojectSize))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s in %s: %w", hdr.Name, archive, err)
		}
		best, data = hdr.Name, body
	}
	if best == "" {
		return nil, ErrNoPyproject
	}
	return data, nil
}

// Inspector enriches failure signatures with facts about the failing
// derivation's src. Results are cached per derivation; it is safe for
// concurrent use.
type Inspector struct {
	locator *Locator
	logger  *log.Logger

	mu    sync.Mutex
	infos map[string]SourceInfo
	kinds map[types.PackageTarget]types.SourceKind
}

// NewInspector returns an inspector using loc. A nil logger discards.
func NewInspector(loc *Locator, logger *log.Logger) *Inspector {
	if logger == nil {
		logger = log.Nop()
	}
	return &Inspector{
		locator: loc,
		logger:  logger,
		infos:   make(map[string]SourceInfo),
		kinds:   make(map[types.PackageTarget]types.SourceKind),
	}
}

// Inspect sets sig.Source and sig.BuildRequires from the derivation sig
// was attributed to. Signatures without a derivation are left alone.
func (i *Inspector) Inspect(ctx context.Context, sig *types.FailureSignature) {
	if sig.Derivation == "" {
		return
	}
	info, err := i.describe(ctx, sig.Derivation)
	if info.Kind == "" {
		i.logger.Debug("source not inspected", map[string]any{"drv": sig.Derivation, "error": errString(err)})
		return
	}
	if err != nil {
		i.logger.Debug("build requirements not read", map[string]any{"src": info.Path, "error": err.Error()})
	}
	sig.Source = info.Kind
	sig.BuildRequires = slices.Clone(info.BuildRequires)

	i.mu.Lock()
	i.kinds[sig.Package] = info.Kind
	i.mu.Unlock()
}

// KindOf reports the source kind seen for pkg, if any of its
// derivations was inspected.
func (i *Inspector) KindOf(pkg types.PackageTarget) (types.SourceKind, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	kind, ok := i.kinds[pkg]
	return kind, ok
}

func (i *Inspector) describe(ctx context.Context, drv string) (SourceInfo, error) {
	i.mu.Lock()
	info, ok := i.infos[drv]
	i.mu.Unlock()
	if ok {
		return info, nil
	}
	info, err := i.locator.Describe(ctx, drv)
	if info.Kind == "" {
		return info, err
	}
	i.mu.Lock()
	i.infos[drv] = info
	i.mu.Unlock()
	return info, err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
