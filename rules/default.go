package rules

import (
	"regexp"
	"slices"
	"strings"

	"github.com/TyberiusPrime/uv2nix-hammer/buildlog"
	"github.com/TyberiusPrime/uv2nix-hammer/overrides"
	"github.com/TyberiusPrime/uv2nix-hammer/types"
)

// Shipped rule ids.
const (
	RuleNativeHeadersKnown   = "native-headers-known"
	RuleNativeLibraryKnown   = "native-library-known"
	RuleNativeLibraryGuess   = "native-library-guess"
	RuleBuildSystemDeclared  = "build-system-declared"
	RuleBuildSystemModule    = "build-system-module"
	RuleBuildSystemRequires  = "build-system-requires"
	RuleRelaxBuildRequires   = "relax-build-requires"
	RuleBuildToolKnown       = "build-tool-known"
	RuleBuildToolGuess       = "build-tool-guess"
	RuleEnvVarKnown          = "env-var-known"
	RuleCythonLegacy         = "cython-legacy"
	RuleSkipRuntimeDepsCheck = "skip-runtime-deps-check"
	RuleSkipInstallCheck     = "skip-install-check"
	manualRulePrefix         = "manual-"
)

// RelaxRequiresSnippet empties build-system.requires so pinned build
// dependencies no longer fail the pypa dependency check.
const RelaxRequiresSnippet = `${helpers.tomlreplace} pyproject.toml build-system.requires "[]"`

// SkipInstallCheckSnippet replaces the install check phase with a no-op.
const SkipInstallCheckSnippet = "runHook preInstallCheck\necho 'install checks disabled by uv2nix-hammer'\nrunHook postInstallCheck\n"

var (
	nixAttrPattern     = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_'-]*$`)
	commandPattern     = regexp.MustCompile(`^[a-z][a-z0-9+_-]*$`)
	requirementPattern = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)`)
)

// proposal adapts a single function into Match and Produce.
func proposal(id string, cat types.FailureCategory, desc string, propose func(types.FailureSignature) (types.Mutation, bool)) Rule {
	return Rule{
		ID:          id,
		Category:    cat,
		Description: desc,
		Match: func(sig types.FailureSignature, _ overrides.View) bool {
			_, ok := propose(sig)
			return ok
		},
		Produce: func(sig types.FailureSignature) types.Mutation {
			m, _ := propose(sig)
			return m
		},
	}
}

func appendTo(attr, payload string) types.Mutation {
	return types.Mutation{TargetAttribute: attr, Action: types.ActionAppend, Payload: payload}
}

// evidenceArg returns the evidence token after a kind discriminator.
func evidenceArg(sig types.FailureSignature, kind string) (string, bool) {
	if len(sig.Evidence) < 2 || sig.Evidence[0] != kind {
		return "", false
	}
	return sig.Evidence[1], true
}

// libraryNames returns lookup keys for a library token, most specific
// first: "libhdf5.so.310" -> ["libhdf5", "hdf5"].
func libraryNames(token string) []string {
	stem, _, _ := strings.Cut(token, ".so")
	names := []string{stem}
	if base, ok := strings.CutPrefix(stem, "lib"); ok && base != "" {
		names = append(names, base)
	}
	return names
}

// pythonAttr maps a distribution or module name to its normalized
// package set attribute.
func pythonAttr(name string) string {
	return types.PackageTarget{Name: name}.Normalized()
}

// DefaultCatalog builds the shipped rules over the given tables.
func DefaultCatalog(t Tables) *Catalog {
	// Header reports take precedence over curated snippets.
	rs := []Rule{
		proposal(RuleNativeHeadersKnown, types.CategoryMissingNativeLibrary,
			"add a library's headers and pkg-config to nativeBuildInputs",
			func(sig types.FailureSignature) (types.Mutation, bool) {
				if sig.Extractor != buildlog.ExtractorHeadersNotFound || len(sig.Evidence) == 0 {
					return types.Mutation{}, false
				}
				exprs := t.Headers[sig.Evidence[0]]
				if len(exprs) == 0 {
					return types.Mutation{}, false
				}
				return appendTo("nativeBuildInputs", strings.Join(exprs, "\n")), true
			}),
	}

	for _, m := range t.Manual {
		rs = append(rs, Rule{
			ID:          manualRulePrefix + pythonAttr(m.Package),
			Category:    m.Category,
			Description: "curated " + m.Attribute + " for " + m.Package,
			Match: func(sig types.FailureSignature, _ overrides.View) bool {
				return sig.Package.Normalized() == pythonAttr(m.Package)
			},
			Produce: func(types.FailureSignature) types.Mutation {
				return types.Mutation{TargetAttribute: m.Attribute, Action: types.ActionSetPhaseSnippet, Payload: m.Snippet}
			},
		})
	}

	rs = append(rs,
		proposal(RuleNativeLibraryKnown, types.CategoryMissingNativeLibrary,
			"add a known library derivation to buildInputs",
			func(sig types.FailureSignature) (types.Mutation, bool) {
				if len(sig.Evidence) == 0 {
					return types.Mutation{}, false
				}
				for _, name := range libraryNames(sig.Evidence[0]) {
					if expr, ok := t.Libraries[name]; ok {
						return appendTo("buildInputs", expr), true
					}
				}
				return types.Mutation{}, false
			}),
		proposal(RuleNativeLibraryGuess, types.CategoryMissingNativeLibrary,
			"add pkgs.<library> to buildInputs",
			func(sig types.FailureSignature) (types.Mutation, bool) {
				if len(sig.Evidence) == 0 {
					return types.Mutation{}, false
				}
				names := libraryNames(sig.Evidence[0])
				name := names[len(names)-1]
				if !nixAttrPattern.MatchString(name) {
					return types.Mutation{}, false
				}
				return appendTo("buildInputs", "pkgs."+name), true
			}),

		proposal(RuleBuildSystemDeclared, types.CategoryMissingBuildDependency,
			"add the sdist's declared build-system requirements to nativeBuildInputs",
			func(sig types.FailureSignature) (types.Mutation, bool) {
				if len(sig.BuildRequires) == 0 {
					return types.Mutation{}, false
				}
				missing, ok := missingBuildAttr(sig, t)
				if !ok {
					return types.Mutation{}, false
				}
				attrs := []string{"final." + missing}
				for _, req := range sig.BuildRequires {
					if attr := pythonAttr(req); nixAttrPattern.MatchString(attr) {
						attrs = append(attrs, "final."+attr)
					}
				}
				slices.Sort(attrs)
				return appendTo("nativeBuildInputs", strings.Join(slices.Compact(attrs), "\n")), true
			}),
		proposal(RuleBuildSystemModule, types.CategoryMissingBuildDependency,
			"add the missing Python module to nativeBuildInputs",
			func(sig types.FailureSignature) (types.Mutation, bool) {
				if sig.EvidenceKind() != buildlog.KindModule {
					return types.Mutation{}, false
				}
				attr, ok := missingBuildAttr(sig, t)
				if !ok {
					return types.Mutation{}, false
				}
				return appendTo("nativeBuildInputs", "final."+attr), true
			}),
		proposal(RuleBuildSystemRequires, types.CategoryMissingBuildDependency,
			"add an unpinned build-system requirement to nativeBuildInputs",
			func(sig types.FailureSignature) (types.Mutation, bool) {
				if sig.EvidenceKind() != buildlog.KindRequires {
					return types.Mutation{}, false
				}
				attr, ok := missingBuildAttr(sig, t)
				if !ok {
					return types.Mutation{}, false
				}
				return appendTo("nativeBuildInputs", "final."+attr), true
			}),
		proposal(RuleRelaxBuildRequires, types.CategoryMissingBuildDependency,
			"drop pinned build-system requirements from pyproject.toml",
			func(sig types.FailureSignature) (types.Mutation, bool) {
				req, ok := evidenceArg(sig, buildlog.KindRequires)
				if !ok || !isPinned(req) {
					return types.Mutation{}, false
				}
				return types.Mutation{
					TargetAttribute: "postPatch",
					Action:          types.ActionSetPhaseSnippet,
					Payload:         RelaxRequiresSnippet,
				}, true
			}),
		proposal(RuleBuildToolKnown, types.CategoryMissingBuildDependency,
			"add a known build tool to nativeBuildInputs",
			func(sig types.FailureSignature) (types.Mutation, bool) {
				tool, ok := evidenceArg(sig, buildlog.KindTool)
				if !ok {
					return types.Mutation{}, false
				}
				expr, ok := t.Tools[tool]
				if !ok {
					return types.Mutation{}, false
				}
				return appendTo("nativeBuildInputs", expr), true
			}),
		proposal(RuleBuildToolGuess, types.CategoryMissingBuildDependency,
			"add pkgs.<tool> to nativeBuildInputs",
			func(sig types.FailureSignature) (types.Mutation, bool) {
				tool, ok := evidenceArg(sig, buildlog.KindTool)
				if !ok || !commandPattern.MatchString(tool) || !nixAttrPattern.MatchString(tool) {
					return types.Mutation{}, false
				}
				return appendTo("nativeBuildInputs", "pkgs."+tool), true
			}),

		proposal(RuleEnvVarKnown, types.CategoryMissingEnvVar,
			"set a known environment variable",
			func(sig types.FailureSignature) (types.Mutation, bool) {
				if len(sig.Evidence) == 0 {
					return types.Mutation{}, false
				}
				value, ok := t.EnvVars[sig.Evidence[0]]
				if !ok {
					return types.Mutation{}, false
				}
				return types.Mutation{
					TargetAttribute: sig.Evidence[0],
					Action:          types.ActionSetEnvVar,
					Payload:         value,
				}, true
			}),

		proposal(RuleCythonLegacy, types.CategoryBuildPhaseFailure,
			"build with Cython 0.x",
			func(sig types.FailureSignature) (types.Mutation, bool) {
				if sig.EvidenceKind() != buildlog.KindCythonize {
					return types.Mutation{}, false
				}
				return appendTo("nativeBuildInputs", "final.cython_0"), true
			}),
		proposal(RuleSkipRuntimeDepsCheck, types.CategoryBuildPhaseFailure,
			"disable the runtime dependency version check",
			func(sig types.FailureSignature) (types.Mutation, bool) {
				if sig.EvidenceKind() != buildlog.KindRuntimeDeps {
					return types.Mutation{}, false
				}
				return types.Mutation{
					TargetAttribute: "dontCheckRuntimeDeps",
					Action:          types.ActionSetEnvVar,
					Payload:         "1",
				}, true
			}),

		proposal(RuleSkipInstallCheck, types.CategoryTestFailure,
			"skip the install check phase",
			func(sig types.FailureSignature) (types.Mutation, bool) {
				if sig.EvidenceKind() != buildlog.KindPytest {
					return types.Mutation{}, false
				}
				return types.Mutation{
					TargetAttribute: "installCheckPhase",
					Action:          types.ActionSetPhaseSnippet,
					Payload:         SkipInstallCheckSnippet,
				}, true
			}),
	)

	return NewCatalog(rs...)
}

// missingBuildAttr returns the package set attribute of the module or
// unpinned requirement a build-dependency signature reports missing.
func missingBuildAttr(sig types.FailureSignature, t Tables) (string, bool) {
	if mod, ok := evidenceArg(sig, buildlog.KindModule); ok {
		if attr, ok := t.Modules[mod]; ok {
			return attr, true
		}
		return pythonAttr(mod), true
	}
	req, ok := evidenceArg(sig, buildlog.KindRequires)
	if !ok || isPinned(req) {
		return "", false
	}
	m := requirementPattern.FindStringSubmatch(req)
	if m == nil {
		return "", false
	}
	return pythonAttr(m[1]), true
}

func isPinned(req string) bool {
	return strings.Contains(req, "<") || strings.Contains(req, "==")
}
