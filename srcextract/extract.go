// Package srcextract unpacks the source archives of failing derivations
// so a human can read the code a repair session could not fix.
package srcextract

import (
	"archive/tar"
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"

	"github.com/TyberiusPrime/uv2nix-hammer/iox"
)

// ErrUnsupported is returned for archive formats Extract cannot unpack.
var ErrUnsupported = errors.New("unsupported archive format")

// maxEntrySize bounds a single unpacked file.
const maxEntrySize = 1 << 30

// Extract unpacks archive into dest. Supported formats: .tar.gz/.tgz,
// .tar.xz, .tar.zst, .tar and .zip. Entries escaping dest are rejected.
func Extract(archive, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	if strings.HasSuffix(strings.ToLower(archive), ".zip") {
		return extractZip(archive, dest)
	}
	tr, closeTar, err := openTar(archive)
	if err != nil {
		return err
	}
	defer closeTar()
	return extractTar(tr, archive, dest)
}

// openTar opens a possibly compressed tarball. The returned func closes
// the decompressor and the file.
func openTar(archive string) (*tar.Reader, func(), error) {
	name := strings.ToLower(archive)
	f, err := os.Open(archive)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", archive, err)
	}
	var stack iox.Stack
	stack.Push(f)

	var r io.Reader = f
	switch {
	case strings.HasSuffix(name, ".tar.gz") || strings.HasSuffix(name, ".tgz"):
		gz, err := pgzip.NewReader(f)
		if err != nil {
			stack.Close()
			return nil, nil, fmt.Errorf("failed to create gzip reader for %s: %w", archive, err)
		}
		stack.Push(gz)
		r = gz
	case strings.HasSuffix(name, ".tar.xz"):
		xzr, err := xz.NewReader(f)
		if err != nil {
			stack.Close()
			return nil, nil, fmt.Errorf("failed to create xz reader for %s: %w", archive, err)
		}
		r = xzr
	case strings.HasSuffix(name, ".tar.zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			stack.Close()
			return nil, nil, fmt.Errorf("failed to create zstd reader for %s: %w", archive, err)
		}
		stack.PushFunc(zr.Close)
		r = zr
	case strings.HasSuffix(name, ".tar"):
	default:
		stack.Close()
		return nil, nil, fmt.Errorf("%s: %w", archive, ErrUnsupported)
	}
	return tar.NewReader(r), stack.Close, nil
}

func extractTar(tr *tar.Reader, archive, dest string) error {
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading tar header in %s: %w", archive, err)
		}

		switch hdr.Typeflag {
		case tar.TypeXHeader, tar.TypeXGlobalHeader:
			continue
		}
		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, os.FileMode(hdr.Mode)&0o777); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) {
				continue
			}
			if _, err := safeJoin(dest, filepath.Join(filepath.Dir(hdr.Name), hdr.Linkname)); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create parent dir for %s: %w", target, err)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil && !os.IsExist(err) {
				return fmt.Errorf("failed to create symlink %s -> %s: %w", target, hdr.Linkname, err)
			}
		}
	}
}

func extractZip(archive, dest string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", archive, err)
	}
	defer iox.DiscardClose(zr)

	for _, f := range zr.File {
		target, err := safeJoin(dest, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", target, err)
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("failed to open %s in %s: %w", f.Name, archive, err)
		}
		err = writeFile(target, rc, f.Mode().Perm())
		iox.DiscardClose(rc)
		if err != nil {
			return err
		}
	}
	return nil
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create parent dir for %s: %w", target, err)
	}
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", target, err)
	}
	if _, err := io.Copy(out, io.LimitReader(r, maxEntrySize)); err != nil {
		iox.DiscardClose(out)
		return fmt.Errorf("failed to write file %s: %w", target, err)
	}
	return out.Close()
}

// safeJoin joins name under dest, rejecting paths that leave dest.
func safeJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, name)
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return target, nil
}
