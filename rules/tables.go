package rules

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/TyberiusPrime/uv2nix-hammer/types"
)

// ManualOverride is a hand-curated fix for one package.
type ManualOverride struct {
	Package   string                `yaml:"package"`
	Category  types.FailureCategory `yaml:"category"`
	Attribute string                `yaml:"attribute"`
	Snippet   string                `yaml:"snippet"`
}

// Tables is the knowledge the shipped rules consult. Keys are evidence
// tokens, values are Nix expressions (or attribute names for Modules).
type Tables struct {
	// Libraries maps a library base name (libhdf5.so -> hdf5) to the
	// derivation providing it.
	Libraries map[string]string `yaml:"libraries"`
	// Headers maps a library named in a "headers or library files could
	// not be found" report to everything its configure step needs.
	Headers map[string][]string `yaml:"headers"`
	// Modules maps a Python import name to its attribute in the package set.
	Modules map[string]string `yaml:"modules"`
	// Tools maps an executable to the derivation providing it.
	Tools map[string]string `yaml:"tools"`
	// EnvVars maps a variable name to the Nix string it should be set to.
	EnvVars map[string]string `yaml:"env_vars"`
	Manual  []ManualOverride  `yaml:"manual"`
}

// DefaultTables returns the built-in knowledge.
func DefaultTables() Tables {
	return Tables{
		Libraries: map[string]string{
			"hdf5":     "pkgs.hdf5",
			"tbb":      "pkgs.tbb_2021_11.out",
			"zlib":     "pkgs.zlib.dev",
			"z":        "pkgs.zlib",
			"ffi":      "pkgs.libffi",
			"libffi":   "pkgs.libffi",
			"ssl":      "pkgs.openssl",
			"crypto":   "pkgs.openssl",
			"openblas": "pkgs.openblas",
			"blas":     "pkgs.openblas",
			"lapack":   "pkgs.openblas",
			"xml2":     "pkgs.libxml2",
			"xslt":     "pkgs.libxslt",
			"jpeg":     "pkgs.libjpeg",
			"png":      "pkgs.libpng",
			"yaml":     "pkgs.libyaml",
			"gmp":      "pkgs.gmp",
			"stdc++":   "pkgs.stdenv.cc.cc.lib",
			"gomp":     "pkgs.stdenv.cc.cc.lib",
			"gfortran": "pkgs.gfortran.cc.lib",
			"glib":     "pkgs.glib",
			"cairo":    "pkgs.cairo",
		},
		Headers: map[string][]string{
			"zlib": {"pkgs.zlib.dev", "pkgs.pkg-config"},
		},
		Modules: map[string]string{
			"setuptools":        "setuptools",
			"wheel":             "wheel",
			"Cython":            "cython",
			"cython":            "cython",
			"numpy":             "numpy",
			"pybind11":          "pybind11",
			"skbuild":           "scikit-build",
			"scikit_build_core": "scikit-build-core",
			"mesonpy":           "meson-python",
			"setuptools_scm":    "setuptools-scm",
			"hatchling":         "hatchling",
			"hatch_vcs":         "hatch-vcs",
			"flit_core":         "flit-core",
			"poetry":            "poetry-core",
			"pdm":               "pdm-backend",
			"cffi":              "cffi",
			"pkgconfig":         "pkgconfig",
			"setuptools_rust":   "setuptools-rust",
			"maturin":           "maturin",
			"versioneer":        "versioneer",
			"packaging":         "packaging",
		},
		Tools: map[string]string{
			"gfortran":   "pkgs.gfortran",
			"pkg-config": "pkgs.pkg-config",
			"cmake":      "pkgs.cmake",
			"ninja":      "pkgs.ninja",
			"meson":      "pkgs.meson",
			"cargo":      "pkgs.cargo",
			"rustc":      "pkgs.rustc",
			"swig":       "pkgs.swig",
			"git":        "pkgs.git",
			"make":       "pkgs.gnumake",
			"autoreconf": "pkgs.autoreconfHook",
		},
		EnvVars: map[string]string{
			"SETUPTOOLS_SCM_PRETEND_VERSION": "${old.version}",
		},
		Manual: []ManualOverride{
			{
				Package:   "pillow",
				Category:  types.CategoryMissingNativeLibrary,
				Attribute: "preConfigure",
				Snippet:   "${pkgs.python3Packages.pillow.preConfigure}",
			},
		},
	}
}

// LoadTables reads a YAML knowledge base and layers it over the defaults.
// Map entries replace defaults key by key; manual overrides are appended.
// An empty path returns the defaults.
func LoadTables(path string) (Tables, error) {
	t := DefaultTables()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Tables{}, fmt.Errorf("knowledge base not found: %s", path)
		}
		return Tables{}, fmt.Errorf("failed to read knowledge base: %w", err)
	}
	var extra Tables
	if err := yaml.Unmarshal(data, &extra); err != nil {
		return Tables{}, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	for _, m := range extra.Manual {
		if !m.Category.Valid() {
			return Tables{}, fmt.Errorf("manual override for %s: unknown category %q", m.Package, m.Category)
		}
	}
	maps.Copy(t.Libraries, extra.Libraries)
	maps.Copy(t.Headers, extra.Headers)
	maps.Copy(t.Modules, extra.Modules)
	maps.Copy(t.Tools, extra.Tools)
	maps.Copy(t.EnvVars, extra.EnvVars)
	t.Manual = append(t.Manual, extra.Manual...)
	return t, nil
}
