package srcextract

import (
	"archive/tar"
	"archive/zip"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
)

const h5pyDrv = "/nix/store/0c3a1s0x1h5rhb3jrbc0n4l2k6ifgm9v-python3.12-h5py-3.11.0.drv"

var sdistFiles = map[string]string{
	"h5py-3.11.0/pyproject.toml":   "[build-system]\nrequires = [\"setuptools\"]\n",
	"h5py-3.11.0/h5py/__init__.py": "version = '3.11.0'\n",
}

func writeTar(t *testing.T, w io.Writer, files map[string]string) {
	t.Helper()
	tw := tar.NewWriter(w)
	for name, body := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
}

// makeArchive writes files into dir/name using the compression implied by
// the extension.
func makeArchive(t *testing.T, dir, name string, files map[string]string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	switch {
	case strings.HasSuffix(name, ".zip"):
		zw := zip.NewWriter(f)
		for n, body := range files {
			w, err := zw.Create(n)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := w.Write([]byte(body)); err != nil {
				t.Fatal(err)
			}
		}
		if err := zw.Close(); err != nil {
			t.Fatal(err)
		}
	case strings.HasSuffix(name, ".tar.gz"):
		gz := pgzip.NewWriter(f)
		writeTar(t, gz, files)
		if err := gz.Close(); err != nil {
			t.Fatal(err)
		}
	case strings.HasSuffix(name, ".tar.xz"):
		xw, err := xz.NewWriter(f)
		if err != nil {
			t.Fatal(err)
		}
		writeTar(t, xw, files)
		if err := xw.Close(); err != nil {
			t.Fatal(err)
		}
	case strings.HasSuffix(name, ".tar.zst"):
		zw, err := zstd.NewWriter(f)
		if err != nil {
			t.Fatal(err)
		}
		writeTar(t, zw, files)
		if err := zw.Close(); err != nil {
			t.Fatal(err)
		}
	default:
		writeTar(t, f, files)
	}
	return path
}

func TestExtract_Formats(t *testing.T) {
	for _, name := range []string{"h5py-3.11.0.tar.gz", "h5py-3.11.0.tar.xz", "h5py-3.11.0.tar.zst", "h5py-3.11.0.tar", "h5py-3.11.0.zip"} {
		t.Run(name, func(t *testing.T) {
			archive := makeArchive(t, t.TempDir(), name, sdistFiles)
			dest := filepath.Join(t.TempDir(), "out")
			if err := Extract(archive, dest); err != nil {
				t.Fatalf("Extract: %v", err)
			}
			for path, want := range sdistFiles {
				got, err := os.ReadFile(filepath.Join(dest, path))
				if err != nil {
					t.Errorf("%s: %v", path, err)
					continue
				}
				if string(got) != want {
					t.Errorf("%s = %q, want %q", path, got, want)
				}
			}
		})
	}
}

func TestExtract_Unsupported(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "h5py-3.11.0-cp312-cp312-manylinux_2_17_x86_64.whl")
	if err := os.WriteFile(archive, []byte("PK"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Extract(archive, t.TempDir()); !errors.Is(err, ErrUnsupported) {
		t.Errorf("err = %v, want ErrUnsupported", err)
	}
}

func TestExtract_RejectsTraversal(t *testing.T) {
	for _, name := range []string{"evil.tar.gz", "evil.zip"} {
		t.Run(name, func(t *testing.T) {
			archive := makeArchive(t, t.TempDir(), name, map[string]string{"../escape.txt": "x"})
			parent := t.TempDir()
			dest := filepath.Join(parent, "out")
			if err := Extract(archive, dest); err == nil {
				t.Fatal("Extract accepted an escaping entry")
			}
			if _, err := os.Stat(filepath.Join(parent, "escape.txt")); !errors.Is(err, os.ErrNotExist) {
				t.Error("escaping entry was written")
			}
		})
	}
}

func TestSafeJoin(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"pkg/setup.py", false},
		{"./pkg/../setup.py", false},
		{"../x", true},
		{"pkg/../../x", true},
		{"..", true},
	}
	for _, tt := range tests {
		_, err := safeJoin("/dest", tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("safeJoin(%q) err = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

// fakeNix answers `nix derivation show` with src pointing at archive.
func fakeNix(t *testing.T, drv, archive string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "nix")
	script := "#!/bin/sh\n" +
		"if [ \"$3\" = \"" + drv + "\" ]; then\n" +
		"  echo '{\"" + filepath.Base(drv) + "\": {\"env\": {\"src\": \"" + archive + "\"}}}'\n" +
		"else\n  echo 'error: no such derivation' >&2; exit 1\nfi\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLocator_Source(t *testing.T) {
	loc := &Locator{NixBinary: fakeNix(t, h5pyDrv, "/nix/store/abc-h5py-3.11.0.tar.gz")}
	src, err := loc.Source(t.Context(), h5pyDrv)
	if err != nil {
		t.Fatalf("Source: %v", err)
	}
	if src != "/nix/store/abc-h5py-3.11.0.tar.gz" {
		t.Errorf("src = %q", src)
	}
	if _, err := loc.Source(t.Context(), "/nix/store/missing.drv"); err == nil {
		t.Error("missing derivation resolved")
	}
}

func TestExtractFailing(t *testing.T) {
	archive := makeArchive(t, t.TempDir(), "h5py-3.11.0.tar.gz", sdistFiles)
	loc := &Locator{NixBinary: fakeNix(t, h5pyDrv, archive)}
	output := []byte("error: builder for '" + h5pyDrv + "' failed with exit code 1;\n" +
		"error: builder for '/nix/store/0c3a1s0x1h5rhb3jrbc0n4l2k6ifgm9v-python3.12-numpy-1.26.4.drv' failed with exit code 1;\n")
	dest := t.TempDir()

	got, err := ExtractFailing(t.Context(), loc, output, dest, nil)
	if err != nil {
		t.Fatalf("ExtractFailing: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("extracted = %+v, want only h5py", got)
	}
	want := filepath.Join(dest, "h5py", "3.11.0")
	if got[0].Dir != want || got[0].Derivation != h5pyDrv {
		t.Errorf("extracted = %+v", got[0])
	}
	if _, err := os.Stat(filepath.Join(want, "h5py-3.11.0", "pyproject.toml")); err != nil {
		t.Errorf("pyproject.toml not extracted: %v", err)
	}
}
