package buildlog

import (
	"regexp"
	"strings"

	"github.com/TyberiusPrime/uv2nix-hammer/types"
)

// Evidence kinds used as the first evidence token by build-dependency
// and build-phase extractors.
const (
	KindModule      = "module"
	KindTool        = "tool"
	KindRequires    = "requires"
	KindCythonize   = "cythonize"
	KindRuntimeDeps = "runtime-deps"
	KindBackend     = "backend"
	KindPytest      = "pytest"
	KindTimeout     = "timeout"
)

// ExtractorHeadersNotFound is the id of the extractor for Pillow style
// "headers or library files could not be found" reports.
const ExtractorHeadersNotFound = "headers-not-found"

// Extractor recognizes one failure pattern in build output.
type Extractor struct {
	// ID is stable and appears in signatures and debug output.
	ID       string
	Category types.FailureCategory
	Pattern  *regexp.Regexp
	// Evidence turns the submatches of Pattern into evidence tokens.
	// Returning nil rejects the match.
	Evidence func(match []string) []string
}

func group(i int) func([]string) []string {
	return func(m []string) []string {
		return []string{m[i]}
	}
}

func kinded(kind string, i int) func([]string) []string {
	return func(m []string) []string {
		return []string{kind, m[i]}
	}
}

// executable rejects path-like tokens ("./configure", "/usr/bin/cc").
// Only a bare command name can map to a package attribute.
func executable(i int) func([]string) []string {
	return func(m []string) []string {
		name := m[i]
		if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~") {
			return nil
		}
		return []string{KindTool, name}
	}
}

// DefaultExtractors returns the shipped extractor set in priority order.
// Earlier extractors win when several match the same section.
func DefaultExtractors() []Extractor {
	return []Extractor{
		// missing native libraries
		{
			ID:       "shared-object-open",
			Category: types.CategoryMissingNativeLibrary,
			Pattern:  regexp.MustCompile(`(lib[\w.+-]+?\.so[\d.]*): cannot open shared object file`),
			Evidence: group(1),
		},
		{
			ID:       "autopatchelf-not-found",
			Category: types.CategoryMissingNativeLibrary,
			Pattern:  regexp.MustCompile(`(lib[\w.+-]+?\.so[\d.]*) -> not found!`),
			Evidence: group(1),
		},
		{
			ID:       "linker-missing-lib",
			Category: types.CategoryMissingNativeLibrary,
			Pattern:  regexp.MustCompile(`cannot find -l([\w.+-]+)`),
			Evidence: func(m []string) []string { return []string{"lib" + m[1]} },
		},
		{
			ID:       ExtractorHeadersNotFound,
			Category: types.CategoryMissingNativeLibrary,
			Pattern:  regexp.MustCompile(`The headers or library files could not be found for ([\w.+-]+),`),
			Evidence: group(1),
		},
		{
			ID:       "meson-dependency",
			Category: types.CategoryMissingNativeLibrary,
			Pattern:  regexp.MustCompile(`Dependency "([^"]+)" not found`),
			Evidence: group(1),
		},
		{
			ID:       "pkg-config-package",
			Category: types.CategoryMissingNativeLibrary,
			Pattern:  regexp.MustCompile(`(?:Package '([^']+)',? (?:required by '[^']*', )?not found|No package '([^']+)' found)`),
			Evidence: func(m []string) []string {
				if m[1] != "" {
					return []string{m[1]}
				}
				return []string{m[2]}
			},
		},

		// missing build-time dependencies
		{
			ID:       "module-not-found",
			Category: types.CategoryMissingBuildDependency,
			Pattern:  regexp.MustCompile(`ModuleNotFoundError: No module named '([\w.]+)'`),
			Evidence: func(m []string) []string {
				top, _, _ := strings.Cut(m[1], ".")
				return []string{KindModule, top}
			},
		},
		{
			// Only a FileNotFoundError raised while spawning a child
			// process names a tool. Reading a missing data file
			// (VERSION, README) raises the same error without the
			// subprocess frames.
			ID:       "tool-not-found",
			Category: types.CategoryMissingBuildDependency,
			Pattern:  regexp.MustCompile(`(?:in _execute_child|raise child_exception_type)[^\n]*\n(?:[^\n]*\n){0,6}?[^\n]*No such file or directory: '([^'\n]+)'`),
			Evidence: executable(1),
		},
		{
			ID:       "compiler-not-found",
			Category: types.CategoryMissingBuildDependency,
			Pattern:  regexp.MustCompile(`error: command '([^'\n]+)' failed: No such file or directory`),
			Evidence: executable(1),
		},
		{
			ID:       "command-not-found",
			Category: types.CategoryMissingBuildDependency,
			Pattern:  regexp.MustCompile(`(?m)(?:^|[\s:])([A-Za-z][\w+.-]*): command not found$`),
			Evidence: executable(1),
		},
		{
			ID:       "pkg-config-missing",
			Category: types.CategoryMissingBuildDependency,
			Pattern:  regexp.MustCompile(`Did not find pkg-config`),
			Evidence: func([]string) []string { return []string{KindTool, "pkg-config"} },
		},
		{
			ID:       "pypa-missing-dependencies",
			Category: types.CategoryMissingBuildDependency,
			Pattern:  regexp.MustCompile(`Missing dependencies:[ \t]*\r?\n[ \t]*(\S[^\r\n]*)`),
			Evidence: func(m []string) []string {
				return []string{KindRequires, strings.TrimSpace(m[1])}
			},
		},

		// missing environment variables
		{
			ID:       "setuptools-scm-version",
			Category: types.CategoryMissingEnvVar,
			Pattern:  regexp.MustCompile(`setuptools-scm was unable to detect version`),
			Evidence: func([]string) []string { return []string{"SETUPTOOLS_SCM_PRETEND_VERSION"} },
		},
		{
			ID:       "env-var-unset",
			Category: types.CategoryMissingEnvVar,
			Pattern:  regexp.MustCompile(`[Ee]nvironment variable '?([A-Z][A-Z0-9_]+)'? (?:is not set|must be set|is required)`),
			Evidence: group(1),
		},

		// build phase failures
		{
			ID:       "cythonize-failed",
			Category: types.CategoryBuildPhaseFailure,
			Pattern:  regexp.MustCompile(`Running cythonize failed!`),
			Evidence: func([]string) []string { return []string{KindCythonize} },
		},
		{
			ID:       "runtime-deps-check",
			Category: types.CategoryBuildPhaseFailure,
			Pattern:  regexp.MustCompile(`(?m)^\s*- ([A-Za-z0-9][\w.-]*)\S* not satisfied by version`),
			Evidence: kinded(KindRuntimeDeps, 1),
		},
		{
			ID:       "backend-subprocess",
			Category: types.CategoryBuildPhaseFailure,
			Pattern:  regexp.MustCompile(`Backend subprocess exited when trying to invoke (\w+)`),
			Evidence: kinded(KindBackend, 1),
		},

		// test failures
		{
			ID:       "pytest-failed",
			Category: types.CategoryTestFailure,
			Pattern:  regexp.MustCompile(`(?m)^(?:\S+> )?FAILED (\S+)`),
			Evidence: kinded(KindPytest, 1),
		},
	}
}
