package srcextract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/TyberiusPrime/uv2nix-hammer/buildlog"
	"github.com/TyberiusPrime/uv2nix-hammer/log"
)

// Locator finds the source archive of a derivation with
// `nix derivation show`.
type Locator struct {
	// NixBinary defaults to "nix".
	NixBinary string
}

type derivationJSON struct {
	Env map[string]string `json:"env"`
}

// Source returns the src attribute of drv.
func (l *Locator) Source(ctx context.Context, drv string) (string, error) {
	nix := l.NixBinary
	if nix == "" {
		nix = "nix"
	}
	cmd := exec.CommandContext(ctx, nix, "derivation", "show", drv)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("nix derivation show %s: %w: %s", drv, err, bytes.TrimSpace(stderr.Bytes()))
	}

	var shown map[string]derivationJSON
	if err := json.Unmarshal(out, &shown); err != nil {
		return "", fmt.Errorf("nix derivation show %s: invalid output: %w", drv, err)
	}
	// Newer nix versions key by store path without the /nix/store prefix.
	d, ok := shown[drv]
	if !ok {
		d, ok = shown[filepath.Base(drv)]
	}
	if !ok && len(shown) == 1 {
		for _, only := range shown {
			d, ok = only, true
		}
	}
	if !ok {
		return "", fmt.Errorf("nix derivation show %s: derivation missing from output", drv)
	}
	src := d.Env["src"]
	if src == "" {
		return "", fmt.Errorf("derivation %s has no src", drv)
	}
	return src, nil
}

// Extracted is one unpacked source tree.
type Extracted struct {
	Derivation string
	Archive    string
	Dir        string
}

// ExtractFailing unpacks the source of every failed derivation in a build
// output into dest/<pkg>/<version>. Derivations whose source cannot be
// found or unpacked (wheels, for example) are logged and skipped.
func ExtractFailing(ctx context.Context, loc *Locator, output []byte, dest string, logger *log.Logger) ([]Extracted, error) {
	if logger == nil {
		logger = log.Nop()
	}
	var out []Extracted
	for _, drv := range buildlog.FailedDerivations(output) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		pkg, ok := buildlog.ParseDerivation(drv)
		if !ok {
			continue
		}
		src, err := loc.Source(ctx, drv)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return out, err
			}
			logger.Warn("cannot locate source", map[string]any{"drv": drv, "error": err.Error()})
			continue
		}
		dir := filepath.Join(dest, pkg.Name, pkg.Version)
		if err := Extract(src, dir); err != nil {
			logger.Warn("source not unpacked", map[string]any{"src": src, "error": err.Error()})
			continue
		}
		out = append(out, Extracted{Derivation: drv, Archive: src, Dir: dir})
	}
	return out, nil
}
