package overrides

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/TyberiusPrime/uv2nix-hammer/types"
)

// SourceKind selects which rules file of a package is written.
type SourceKind = types.SourceKind

const (
	SourceWheel = types.SourceWheel
	SourceSdist = types.SourceSdist
)

// CollectedFile is the repository-root file importing every override.
const CollectedFile = "collected.nix"

// RulesFile is the persisted form of a package's overrides. Entries from
// earlier sessions and other contributors are kept on merge.
type RulesFile struct {
	Package string              `toml:"package"`
	Version string              `toml:"version"`
	Lists   map[string][]string `toml:"lists,omitempty"`
	Phases  map[string]string   `toml:"phases,omitempty"`
	Env     map[string]string   `toml:"env,omitempty"`
	// Rules lists the ids of the rules that contributed, in first-applied order.
	Rules []string `toml:"rules,omitempty"`
}

// Overrides converts the file back to a package override set.
func (f RulesFile) Overrides() PackageOverrides {
	return PackageOverrides{
		Package: types.PackageTarget{Name: f.Package, Version: f.Version},
		Lists:   f.Lists,
		Phases:  f.Phases,
		Env:     f.Env,
	}
}

// Materializer writes store contents into an override repository checkout:
//
//	overrides/<pkg>/<version>/rules_<wheel|src>.toml
//	overrides/<pkg>/<version>/default.nix
//	collected.nix
type Materializer struct {
	// Root is the override repository root.
	Root string
	// KindOf picks the rules file per package. Nil means SourceWheel.
	KindOf func(types.PackageTarget) SourceKind
}

// PackageDir returns the directory holding a package's override files.
func (m *Materializer) PackageDir(pkg types.PackageTarget) string {
	return filepath.Join(m.Root, "overrides", pkg.Name, pkg.Version)
}

// RulesPath returns the rules file path for a package.
func (m *Materializer) RulesPath(pkg types.PackageTarget) string {
	return filepath.Join(m.PackageDir(pkg), fmt.Sprintf("rules_%s.toml", m.kind(pkg)))
}

func (m *Materializer) kind(pkg types.PackageTarget) SourceKind {
	if m.KindOf == nil {
		return SourceWheel
	}
	return m.KindOf(pkg)
}

// Materialize writes every package in the store and regenerates collected.nix.
func (m *Materializer) Materialize(store *Store) error {
	applied := store.Applied()
	for _, set := range store.Snapshot() {
		var ruleIDs []string
		for _, mut := range applied {
			if mut.Package == set.Package && !slices.Contains(ruleIDs, mut.SourceRuleID) {
				ruleIDs = append(ruleIDs, mut.SourceRuleID)
			}
		}
		if err := m.writePackage(set, ruleIDs); err != nil {
			return err
		}
	}
	return m.WriteCollected()
}

func (m *Materializer) writePackage(set PackageOverrides, ruleIDs []string) error {
	if set.Package.Version == "" {
		return fmt.Errorf("materialize %s: package version is required", set.Package.Name)
	}
	dir := m.PackageDir(set.Package)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	existing, err := LoadRulesFile(m.RulesPath(set.Package))
	if err != nil {
		return err
	}
	merged := mergeRules(existing, set, ruleIDs)

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(merged); err != nil {
		return fmt.Errorf("failed to encode rules for %s: %w", set.Package, err)
	}
	if err := os.WriteFile(m.RulesPath(set.Package), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write rules for %s: %w", set.Package, err)
	}

	nix := RenderDefaultNix(merged.Overrides())
	if err := os.WriteFile(filepath.Join(dir, "default.nix"), []byte(nix), 0o644); err != nil {
		return fmt.Errorf("failed to write default.nix for %s: %w", set.Package, err)
	}
	return nil
}

// LoadRulesFile reads a rules file. A missing file yields an empty RulesFile.
func LoadRulesFile(path string) (RulesFile, error) {
	var f RulesFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return RulesFile{}, nil
		}
		return RulesFile{}, fmt.Errorf("invalid TOML in %s: %w", path, err)
	}
	return f, nil
}

func mergeRules(existing RulesFile, set PackageOverrides, ruleIDs []string) RulesFile {
	out := RulesFile{
		Package: set.Package.Name,
		Version: set.Package.Version,
		Lists:   map[string][]string{},
		Phases:  maps.Clone(existing.Phases),
		Env:     maps.Clone(existing.Env),
		Rules:   slices.Clone(existing.Rules),
	}
	if out.Phases == nil {
		out.Phases = map[string]string{}
	}
	if out.Env == nil {
		out.Env = map[string]string{}
	}
	for _, lists := range []map[string][]string{existing.Lists, set.Lists} {
		for attr, items := range lists {
			union := append(out.Lists[attr], items...)
			slices.Sort(union)
			out.Lists[attr] = slices.Compact(union)
		}
	}
	maps.Copy(out.Phases, set.Phases)
	maps.Copy(out.Env, set.Env)
	for _, id := range ruleIDs {
		if !slices.Contains(out.Rules, id) {
			out.Rules = append(out.Rules, id)
		}
	}
	return out
}

// ClearPackage resets a package's override files so a session starts from
// an empty override set.
func (m *Materializer) ClearPackage(pkg types.PackageTarget) error {
	if pkg.Version == "" {
		return fmt.Errorf("clear %s: package version is required", pkg.Name)
	}
	dir := m.PackageDir(pkg)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	empty := PackageOverrides{Package: pkg}
	if err := os.WriteFile(filepath.Join(dir, "default.nix"), []byte(RenderDefaultNix(empty)), 0o644); err != nil {
		return fmt.Errorf("failed to reset default.nix for %s: %w", pkg, err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(RulesFile{Package: pkg.Name, Version: pkg.Version}); err != nil {
		return fmt.Errorf("failed to encode rules for %s: %w", pkg, err)
	}
	if err := os.WriteFile(m.RulesPath(pkg), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to reset rules for %s: %w", pkg, err)
	}
	return m.WriteCollected()
}

// WriteCollected regenerates collected.nix from every default.nix under
// overrides/.
func (m *Materializer) WriteCollected() error {
	matches, err := filepath.Glob(filepath.Join(m.Root, "overrides", "*", "*", "default.nix"))
	if err != nil {
		return fmt.Errorf("failed to scan overrides: %w", err)
	}
	nested := map[string]any{}
	for _, match := range matches {
		verDir := filepath.Dir(match)
		ver := filepath.Base(verDir)
		pkg := filepath.Base(filepath.Dir(verDir))
		versions, ok := nested[pkg].(map[string]any)
		if !ok {
			versions = map[string]any{}
			nested[pkg] = versions
		}
		versions[ver] = Literal("import ./" + filepath.ToSlash(filepath.Join("overrides", pkg, ver)))
	}
	out := FormatNix(nested) + "\n"
	if err := os.WriteFile(filepath.Join(m.Root, CollectedFile), []byte(out), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", CollectedFile, err)
	}
	return nil
}

var argPattern = regexp.MustCompile(`\b(final|prev|pkgs|helpers)\.`)

// RenderDefaultNix renders a package override function of the form
//
//	{ final, pkgs, ... }: old: { ... }
//
// List attributes extend the previous value, env merges into old.env.
func RenderDefaultNix(p PackageOverrides) string {
	args := map[string]bool{}
	note := func(expr string) {
		for _, m := range argPattern.FindAllStringSubmatch(expr, -1) {
			args[m[1]] = true
		}
	}

	attrs := map[string]any{}
	for attr, items := range p.Lists {
		if len(items) == 0 {
			continue
		}
		exprs := make([]any, len(items))
		for i, item := range items {
			note(item)
			exprs[i] = Literal(item)
		}
		attrs[attr] = Literal(fmt.Sprintf("(old.%s or [ ]) ++ %s", attr, FormatNix(exprs)))
	}
	for phase, snippet := range p.Phases {
		note(snippet)
		attrs[phase] = snippet
	}
	if len(p.Env) > 0 {
		env := make(map[string]any, len(p.Env))
		for k, v := range p.Env {
			note(v)
			env[k] = v
		}
		var b strings.Builder
		formatNix(&b, env, 1)
		attrs["env"] = Literal("(old.env or { }) // " + b.String())
	}

	header := "{ ... }:"
	if len(args) > 0 {
		names := slices.Sorted(maps.Keys(args))
		header = "{ " + strings.Join(names, ", ") + ", ... }:"
	}
	return "# generated by uv2nix-hammer, edit the rules_*.toml next to this file\n" +
		header + "\nold: " + FormatNix(attrs) + "\n"
}
