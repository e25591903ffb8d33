package buildlog

import (
	"regexp"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/TyberiusPrime/uv2nix-hammer/types"
)

const h5pyDrv = "/nix/store/0c3a1s0x1h5rhb3jrbc0n4l2k6ifgm9v-python3.12-h5py-3.11.0.drv"

func TestClassify_Categories(t *testing.T) {
	tests := []struct {
		name         string
		output       string
		wantCategory types.FailureCategory
		wantEvidence []string
		wantID       string
	}{
		{
			name:         "shared object",
			output:       "ImportError: error: libhdf5.so: cannot open shared object file: No such file or directory",
			wantCategory: types.CategoryMissingNativeLibrary,
			wantEvidence: []string{"libhdf5.so"},
			wantID:       "shared-object-open",
		},
		{
			name:         "autopatchelf",
			output:       "auto-patchelf: libtbb.so.12 -> not found!",
			wantCategory: types.CategoryMissingNativeLibrary,
			wantEvidence: []string{"libtbb.so.12"},
			wantID:       "autopatchelf-not-found",
		},
		{
			name:         "linker",
			output:       "/usr/bin/ld: cannot find -lssl: No such file or directory",
			wantCategory: types.CategoryMissingNativeLibrary,
			wantEvidence: []string{"libssl"},
			wantID:       "linker-missing-lib",
		},
		{
			name:         "pillow headers",
			output:       "The headers or library files could not be found for zlib,\na required dependency when compiling Pillow from source.",
			wantCategory: types.CategoryMissingNativeLibrary,
			wantEvidence: []string{"zlib"},
			wantID:       "headers-not-found",
		},
		{
			name:         "meson",
			output:       "meson.build:12:0: ERROR: Dependency \"openblas\" not found, tried pkgconfig",
			wantCategory: types.CategoryMissingNativeLibrary,
			wantEvidence: []string{"openblas"},
			wantID:       "meson-dependency",
		},
		{
			name:         "pkg-config no package",
			output:       "Package libffi was not found in the pkg-config search path.\nNo package 'libffi' found",
			wantCategory: types.CategoryMissingNativeLibrary,
			wantEvidence: []string{"libffi"},
			wantID:       "pkg-config-package",
		},
		{
			name:         "module",
			output:       "Traceback (most recent call last):\nModuleNotFoundError: No module named 'setuptools'",
			wantCategory: types.CategoryMissingBuildDependency,
			wantEvidence: []string{KindModule, "setuptools"},
			wantID:       "module-not-found",
		},
		{
			name:         "dotted module keeps top level",
			output:       "ModuleNotFoundError: No module named 'Cython.Build'",
			wantCategory: types.CategoryMissingBuildDependency,
			wantEvidence: []string{KindModule, "Cython"},
			wantID:       "module-not-found",
		},
		{
			name: "tool spawned by subprocess",
			output: "  File \"/nix/store/x-python3-3.12.4/lib/python3.12/subprocess.py\", line 1955, in _execute_child\n" +
				"    raise child_exception_type(errno_num, err_msg, err_filename)\n" +
				"FileNotFoundError: [Errno 2] No such file or directory: 'gfortran'",
			wantCategory: types.CategoryMissingBuildDependency,
			wantEvidence: []string{KindTool, "gfortran"},
			wantID:       "tool-not-found",
		},
		{
			name:         "compiler spawned by setuptools",
			output:       "building 'foo._ext' extension\nerror: command 'swig' failed: No such file or directory",
			wantCategory: types.CategoryMissingBuildDependency,
			wantEvidence: []string{KindTool, "swig"},
			wantID:       "compiler-not-found",
		},
		{
			name:         "shell command",
			output:       "/nix/store/x-bash-5.2/bin/sh: line 1: cmake: command not found",
			wantCategory: types.CategoryMissingBuildDependency,
			wantEvidence: []string{KindTool, "cmake"},
			wantID:       "command-not-found",
		},
		{
			name:         "pkg-config missing",
			output:       "meson.build:1:0: ERROR: Did not find pkg-config by name 'pkg-config'",
			wantCategory: types.CategoryMissingBuildDependency,
			wantEvidence: []string{KindTool, "pkg-config"},
			wantID:       "pkg-config-missing",
		},
		{
			name:         "pypa missing dependencies",
			output:       "ERROR Missing dependencies:\n\tsetuptools<70\n",
			wantCategory: types.CategoryMissingBuildDependency,
			wantEvidence: []string{KindRequires, "setuptools<70"},
			wantID:       "pypa-missing-dependencies",
		},
		{
			name:         "setuptools scm",
			output:       "LookupError: setuptools-scm was unable to detect version for /build/source.",
			wantCategory: types.CategoryMissingEnvVar,
			wantEvidence: []string{"SETUPTOOLS_SCM_PRETEND_VERSION"},
			wantID:       "setuptools-scm-version",
		},
		{
			name:         "generic env var",
			output:       "RuntimeError: environment variable 'CUDA_HOME' is not set",
			wantCategory: types.CategoryMissingEnvVar,
			wantEvidence: []string{"CUDA_HOME"},
			wantID:       "env-var-unset",
		},
		{
			name:         "cythonize",
			output:       "RuntimeError: Running cythonize failed!",
			wantCategory: types.CategoryBuildPhaseFailure,
			wantEvidence: []string{KindCythonize},
			wantID:       "cythonize-failed",
		},
		{
			name:         "runtime deps check",
			output:       "Checking runtime dependencies for foo-1.0-py3-none-any.whl\n  - numpy<2 not satisfied by version 2.0.1",
			wantCategory: types.CategoryBuildPhaseFailure,
			wantEvidence: []string{KindRuntimeDeps, "numpy"},
			wantID:       "runtime-deps-check",
		},
		{
			name:         "pytest",
			output:       "=== short test summary info ===\nFAILED tests/test_io.py::test_roundtrip - AssertionError\n= 1 failed, 20 passed =",
			wantCategory: types.CategoryTestFailure,
			wantEvidence: []string{KindPytest, "tests/test_io.py::test_roundtrip"},
			wantID:       "pytest-failed",
		},
	}

	parser := NewParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := parser.Classify([]byte(tt.output))
			if sig.Category != tt.wantCategory {
				t.Errorf("Category = %q, want %q", sig.Category, tt.wantCategory)
			}
			if diff := cmp.Diff(tt.wantEvidence, sig.Evidence); diff != "" {
				t.Errorf("Evidence mismatch (-want +got):\n%s", diff)
			}
			if sig.Extractor != tt.wantID {
				t.Errorf("Extractor = %q, want %q", sig.Extractor, tt.wantID)
			}
			if sig.RawExcerpt == "" {
				t.Error("RawExcerpt should not be empty")
			}
		})
	}
}

func TestClassify_Deterministic(t *testing.T) {
	output := []byte("ModuleNotFoundError: No module named 'numpy'\nlibfoo.so.1: cannot open shared object file")
	parser := NewParser()
	first := parser.Classify(output)
	for range 5 {
		if got := parser.Classify(output); !got.Equal(first) || got.RawExcerpt != first.RawExcerpt {
			t.Fatalf("Classify not deterministic: %+v vs %+v", got, first)
		}
	}
}

func TestClassify_FirstExtractorWins(t *testing.T) {
	// Both a native library and a build-time module are reported; the
	// native library extractor is earlier in the order.
	output := []byte("ModuleNotFoundError: No module named 'numpy'\nlibfoo.so.1: cannot open shared object file")
	sig := NewParser().Classify(output)
	if sig.Category != types.CategoryMissingNativeLibrary {
		t.Errorf("Category = %q, want %q", sig.Category, types.CategoryMissingNativeLibrary)
	}
}

func TestClassify_Unclassified(t *testing.T) {
	var b strings.Builder
	for i := range 300 {
		b.WriteString("line ")
		b.WriteString(strings.Repeat("x", i%7))
		b.WriteString("\n")
	}
	sig := NewParser().Classify([]byte(b.String()))

	if sig.Category != types.CategoryUnclassified {
		t.Errorf("Category = %q, want unclassified", sig.Category)
	}
	if len(sig.Evidence) != 0 {
		t.Errorf("Evidence = %v, want empty", sig.Evidence)
	}
	if got := strings.Count(sig.RawExcerpt, "\n") + 1; got != UnclassifiedTailLines {
		t.Errorf("excerpt lines = %d, want %d", got, UnclassifiedTailLines)
	}
}

func TestClassify_EmptyOutput(t *testing.T) {
	sig := NewParser().Classify(nil)
	if sig.Category != types.CategoryUnclassified {
		t.Errorf("Category = %q, want unclassified", sig.Category)
	}
}

func TestClassify_AttributesDerivationSection(t *testing.T) {
	output := strings.Join([]string{
		"building '/nix/store/xyz-python3.12-mypkg-1.0.drv'...",
		"error: builder for '" + h5pyDrv + "' failed with exit code 1;",
		SectionHeader + h5pyDrv,
		"running build_ext",
		"error: libhdf5.so: cannot open shared object file",
		"",
	}, "\n")

	sig := NewParser().Classify([]byte(output))
	want := types.PackageTarget{Name: "h5py", Version: "3.11.0"}
	if sig.Package != want {
		t.Errorf("Package = %+v, want %+v", sig.Package, want)
	}
	if sig.Derivation != h5pyDrv {
		t.Errorf("Derivation = %q, want %q", sig.Derivation, h5pyDrv)
	}
}

func TestClassify_MainOutputAttributedToFirstFailure(t *testing.T) {
	output := "h5py> error: libhdf5.so: cannot open shared object file\n" +
		"error: builder for '" + h5pyDrv + "' failed with exit code 1;\n"

	sig := NewParser().Classify([]byte(output))
	if sig.Package.Name != "h5py" {
		t.Errorf("Package.Name = %q, want h5py", sig.Package.Name)
	}
}

func TestClassify_MissingFilesAreNotTools(t *testing.T) {
	tests := []struct {
		name   string
		output string
	}{
		{"data file read", "Traceback (most recent call last):\n  File \"setup.py\", line 9, in <module>\n    open('VERSION').read()\nFileNotFoundError: [Errno 2] No such file or directory: 'VERSION'"},
		{"relative script", "sh: line 1: ./configure: command not found"},
		{"script in subdirectory", "/bin/sh: scripts/gen.sh: command not found"},
		{"spawned by path", "  File \"subprocess.py\", line 1955, in _execute_child\n    raise child_exception_type(errno_num, err_msg, err_filename)\nFileNotFoundError: [Errno 2] No such file or directory: './build_ext.sh'"},
		{"compiler by path", "error: command '/usr/bin/gcc' failed: No such file or directory"},
	}
	parser := NewParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := parser.Classify([]byte(tt.output))
			if sig.Category != types.CategoryUnclassified {
				t.Errorf("Category = %q (extractor %q, evidence %q), want unclassified", sig.Category, sig.Extractor, sig.Evidence)
			}
		})
	}
}

func TestClassify_EvidenceRejection(t *testing.T) {
	reject := Extractor{
		ID:       "reject",
		Category: types.CategoryTestFailure,
		Pattern:  regexp.MustCompile(`boom`),
		Evidence: func([]string) []string { return nil },
	}
	accept := Extractor{
		ID:       "accept",
		Category: types.CategoryBuildPhaseFailure,
		Pattern:  regexp.MustCompile(`boom`),
		Evidence: func([]string) []string { return []string{"boom"} },
	}
	sig := NewParserWith(reject, accept).Classify([]byte("boom"))
	if sig.Extractor != "accept" {
		t.Errorf("Extractor = %q, want accept", sig.Extractor)
	}
}

func TestTimeoutSignature(t *testing.T) {
	sig := TimeoutSignature([]byte("compiling...\n"))
	if sig.Category != types.CategoryBuildPhaseFailure {
		t.Errorf("Category = %q, want build_phase_failure", sig.Category)
	}
	if diff := cmp.Diff([]string{KindTimeout}, sig.Evidence); diff != "" {
		t.Errorf("Evidence mismatch (-want +got):\n%s", diff)
	}
}

func TestExcerptBounded(t *testing.T) {
	var lines []string
	for range 50 {
		lines = append(lines, "noise")
	}
	lines = append(lines, "ModuleNotFoundError: No module named 'wheel'")
	for range 50 {
		lines = append(lines, "noise")
	}
	sig := NewParser().Classify([]byte(strings.Join(lines, "\n")))
	if got := strings.Count(sig.RawExcerpt, "\n") + 1; got != 2*excerptContext+1 {
		t.Errorf("excerpt lines = %d, want %d", got, 2*excerptContext+1)
	}
	if !strings.Contains(sig.RawExcerpt, "No module named 'wheel'") {
		t.Error("excerpt should contain the matched line")
	}
}
