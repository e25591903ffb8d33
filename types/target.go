// Package types defines core domain types for the hammer repair loop.
//
//nolint:revive // types is a common Go package naming convention
package types

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// PackageTarget identifies the Python package a session is repairing.
// It is immutable for the lifetime of a session.
type PackageTarget struct {
	// Name is the distribution name as published on PyPI.
	Name string `json:"name" msgpack:"name" toml:"name"`
	// Version is the exact version, empty when the latest release is meant.
	Version string `json:"version,omitempty" msgpack:"version,omitempty" toml:"version,omitempty"`
}

var packageNamePattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9._-]*[A-Za-z0-9])?$`)

// ErrInvalidPackageName is returned by Validate for names PyPI would reject.
var ErrInvalidPackageName = errors.New("invalid package name")

// String renders the target as name==version, or just name without a version.
func (p PackageTarget) String() string {
	if p.Version == "" {
		return p.Name
	}
	return p.Name + "==" + p.Version
}

// IsZero reports whether the target is unset.
func (p PackageTarget) IsZero() bool {
	return p.Name == "" && p.Version == ""
}

// Validate checks the name against the PEP 508 name grammar.
func (p PackageTarget) Validate() error {
	if !packageNamePattern.MatchString(p.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidPackageName, p.Name)
	}
	return nil
}

// Normalized returns the PEP 503 normalized name (lowercase, runs of
// "-", "_" and "." collapsed to "-").
func (p PackageTarget) Normalized() string {
	var b strings.Builder
	lastSep := false
	for _, r := range strings.ToLower(p.Name) {
		if r == '-' || r == '_' || r == '.' {
			if !lastSep {
				b.WriteByte('-')
			}
			lastSep = true
			continue
		}
		lastSep = false
		b.WriteRune(r)
	}
	return b.String()
}

// Canonical returns the target with its PEP 503 normalized name. Store
// keys, override directories and derivation names all use this form.
func (p PackageTarget) Canonical() PackageTarget {
	p.Name = p.Normalized()
	return p
}

// ParseTarget parses "name", "name==version" or "name version" style input.
func ParseTarget(name, version string) (PackageTarget, error) {
	if n, v, ok := strings.Cut(name, "=="); ok {
		name = n
		if version == "" {
			version = v
		}
	}
	t := PackageTarget{Name: strings.TrimSpace(name), Version: strings.TrimSpace(version)}
	if err := t.Validate(); err != nil {
		return PackageTarget{}, err
	}
	return t, nil
}
