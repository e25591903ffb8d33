package types

import (
	"encoding/hex"
	"strings"

	"lukechampine.com/blake3"
)

// FailureCategory is the coarse class of a build failure.
type FailureCategory string

const (
	// CategoryMissingNativeLibrary indicates a shared library or header was not found.
	CategoryMissingNativeLibrary FailureCategory = "missing_native_library"
	// CategoryMissingBuildDependency indicates a build backend, module or tool was missing.
	CategoryMissingBuildDependency FailureCategory = "missing_build_time_dependency"
	// CategoryMissingEnvVar indicates the build expected an environment variable.
	CategoryMissingEnvVar FailureCategory = "missing_env_var"
	// CategoryBuildPhaseFailure indicates a failing phase without a more specific cause.
	CategoryBuildPhaseFailure FailureCategory = "build_phase_failure"
	// CategoryTestFailure indicates the check phase failed.
	CategoryTestFailure FailureCategory = "test_failure"
	// CategoryUnclassified is the fallback when no extractor matched.
	CategoryUnclassified FailureCategory = "unclassified"
)

// Categories lists all categories from most to least specific.
var Categories = []FailureCategory{
	CategoryMissingNativeLibrary,
	CategoryMissingBuildDependency,
	CategoryMissingEnvVar,
	CategoryBuildPhaseFailure,
	CategoryTestFailure,
	CategoryUnclassified,
}

// Rank returns the specificity rank (0 is most specific).
// Unknown categories rank after unclassified.
func (c FailureCategory) Rank() int {
	for i, cat := range Categories {
		if cat == c {
			return i
		}
	}
	return len(Categories)
}

// Valid reports whether c is a known category.
func (c FailureCategory) Valid() bool {
	return c.Rank() < len(Categories)
}

// SourceKind is what a package derivation builds from.
type SourceKind string

const (
	SourceWheel SourceKind = "wheel"
	SourceSdist SourceKind = "src"
)

// FailureSignature is the normalized classification of one failed build.
// Two signatures are equal when category, package and evidence match;
// the excerpt, derivation, extractor and source facts are diagnostics.
type FailureSignature struct {
	Category FailureCategory `json:"category" msgpack:"category"`
	// Evidence holds the extracted tokens (library name, module, variable).
	Evidence []string `json:"evidence" msgpack:"evidence"`
	// RawExcerpt is the bounded log context the evidence came from.
	RawExcerpt string `json:"raw_excerpt,omitempty" msgpack:"raw_excerpt,omitempty"`
	// Package is the package whose derivation failed. It may be a
	// dependency of the session target.
	Package PackageTarget `json:"package" msgpack:"package"`
	// Derivation is the failing store derivation path, when known.
	Derivation string `json:"derivation,omitempty" msgpack:"derivation,omitempty"`
	// Extractor is the id of the extractor that matched.
	Extractor string `json:"extractor,omitempty" msgpack:"extractor,omitempty"`
	// Source is the failing derivation's source kind, empty when unknown.
	Source SourceKind `json:"source,omitempty" msgpack:"source,omitempty"`
	// BuildRequires holds the normalized build-system.requires names of
	// the failing sdist's pyproject.toml.
	BuildRequires []string `json:"build_requires,omitempty" msgpack:"build_requires,omitempty"`
}

// Key is the equality key used for cycle detection.
func (s FailureSignature) Key() string {
	var b strings.Builder
	b.WriteString(string(s.Category))
	b.WriteByte('|')
	b.WriteString(s.Package.String())
	for _, e := range s.Evidence {
		b.WriteByte('|')
		b.WriteString(e)
	}
	return b.String()
}

// Equal reports whether two signatures describe the same failure.
func (s FailureSignature) Equal(other FailureSignature) bool {
	return s.Key() == other.Key()
}

// Fingerprint is a short stable hash of Key for logs and reports.
func (s FailureSignature) Fingerprint() string {
	sum := blake3.Sum256([]byte(s.Key()))
	return hex.EncodeToString(sum[:8])
}

// EvidenceKind returns the first evidence token, which build dependency
// and phase extractors use as a discriminator ("module", "tool", ...).
func (s FailureSignature) EvidenceKind() string {
	if len(s.Evidence) == 0 {
		return ""
	}
	return s.Evidence[0]
}
