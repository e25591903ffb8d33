// Package overrides holds the per-package override sets accumulated by a
// repair session and writes them out in the override repository layout.
//
// The store only grows: list attributes are sets that mutations add to,
// scalar attributes (phase snippets and environment variables) are
// replaced by the last writer. There is no removal API.
package overrides

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/TyberiusPrime/uv2nix-hammer/types"
)

// ErrInvalidMutation is returned by Apply for malformed mutations.
var ErrInvalidMutation = errors.New("invalid mutation")

// View is the read-only side of a Store, handed to rule matchers.
type View interface {
	// Contains reports whether applying m would leave the store unchanged.
	Contains(m types.Mutation) bool
	// Lookup returns the package's current overrides.
	Lookup(pkg types.PackageTarget) (PackageOverrides, bool)
}

// PackageOverrides is the override set of one package.
type PackageOverrides struct {
	Package types.PackageTarget `json:"package" yaml:"package"`
	// Lists maps list attributes (buildInputs, nativeBuildInputs) to
	// sorted, duplicate-free Nix expressions.
	Lists map[string][]string `json:"lists,omitempty" yaml:"lists,omitempty" toml:"lists,omitempty"`
	// Phases maps phase attributes to shell snippets.
	Phases map[string]string `json:"phases,omitempty" yaml:"phases,omitempty" toml:"phases,omitempty"`
	// Env maps environment variable names to Nix string contents.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`
}

// Empty reports whether the set carries no overrides.
func (p PackageOverrides) Empty() bool {
	return len(p.Lists) == 0 && len(p.Phases) == 0 && len(p.Env) == 0
}

func (p PackageOverrides) clone() PackageOverrides {
	out := PackageOverrides{
		Package: p.Package,
		Lists:   make(map[string][]string, len(p.Lists)),
		Phases:  maps.Clone(p.Phases),
		Env:     maps.Clone(p.Env),
	}
	for k, v := range p.Lists {
		out.Lists[k] = slices.Clone(v)
	}
	if out.Phases == nil {
		out.Phases = map[string]string{}
	}
	if out.Env == nil {
		out.Env = map[string]string{}
	}
	return out
}

// Snapshot is a deep copy of a store ordered by package.
type Snapshot []PackageOverrides

// Store accumulates overrides per package. Safe for concurrent reads
// while the repair loop writes.
type Store struct {
	mu      sync.RWMutex
	sets    map[types.PackageTarget]*PackageOverrides
	applied []types.Mutation
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{sets: make(map[types.PackageTarget]*PackageOverrides)}
}

func validate(m types.Mutation) error {
	if !m.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidMutation, m.Action)
	}
	if m.TargetAttribute == "" {
		return fmt.Errorf("%w: empty target attribute", ErrInvalidMutation)
	}
	if m.Package.Name == "" {
		return fmt.Errorf("%w: no package", ErrInvalidMutation)
	}
	if m.Action == types.ActionAppend && len(m.Entries()) == 0 {
		return fmt.Errorf("%w: empty append", ErrInvalidMutation)
	}
	return nil
}

// Apply merges m into the store and reports whether the store changed.
func (s *Store) Apply(m types.Mutation) (bool, error) {
	if err := validate(m); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.containsLocked(m) {
		return false, nil
	}
	set, ok := s.sets[m.Package]
	if !ok {
		set = &PackageOverrides{
			Package: m.Package,
			Lists:   map[string][]string{},
			Phases:  map[string]string{},
			Env:     map[string]string{},
		}
		s.sets[m.Package] = set
	}

	switch m.Action {
	case types.ActionAppend:
		list := set.Lists[m.TargetAttribute]
		for _, e := range m.Entries() {
			if _, found := slices.BinarySearch(list, e); !found {
				list = append(list, e)
				slices.Sort(list)
			}
		}
		set.Lists[m.TargetAttribute] = list
	case types.ActionSetPhaseSnippet:
		set.Phases[m.TargetAttribute] = m.Payload
	case types.ActionSetEnvVar:
		set.Env[m.TargetAttribute] = m.Payload
	}
	s.applied = append(s.applied, m)
	return true, nil
}

// Contains reports whether m is already reflected in the store.
func (s *Store) Contains(m types.Mutation) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.containsLocked(m)
}

func (s *Store) containsLocked(m types.Mutation) bool {
	set, ok := s.sets[m.Package]
	if !ok {
		return false
	}
	switch m.Action {
	case types.ActionAppend:
		for _, e := range m.Entries() {
			if _, found := slices.BinarySearch(set.Lists[m.TargetAttribute], e); !found {
				return false
			}
		}
		return true
	case types.ActionSetPhaseSnippet:
		v, ok := set.Phases[m.TargetAttribute]
		return ok && v == m.Payload
	case types.ActionSetEnvVar:
		v, ok := set.Env[m.TargetAttribute]
		return ok && v == m.Payload
	default:
		return false
	}
}

// Lookup returns a copy of the package's overrides.
func (s *Store) Lookup(pkg types.PackageTarget) (PackageOverrides, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.sets[pkg]
	if !ok {
		return PackageOverrides{}, false
	}
	return set.clone(), true
}

// Packages returns the packages with overrides, ordered by name then version.
func (s *Store) Packages() []types.PackageTarget {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.packagesLocked()
}

func (s *Store) packagesLocked() []types.PackageTarget {
	pkgs := slices.Collect(maps.Keys(s.sets))
	slices.SortFunc(pkgs, func(a, b types.PackageTarget) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.Version, b.Version)
	})
	return pkgs
}

// Snapshot returns a deep copy of the store.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(Snapshot, 0, len(s.sets))
	for _, pkg := range s.packagesLocked() {
		snap = append(snap, s.sets[pkg].clone())
	}
	return snap
}

// Applied returns the mutations that changed the store, in order.
func (s *Store) Applied() []types.Mutation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.applied)
}

// Len returns the number of packages with overrides.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sets)
}
