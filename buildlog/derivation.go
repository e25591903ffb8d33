package buildlog

import (
	"path"
	"regexp"
	"strings"

	"github.com/TyberiusPrime/uv2nix-hammer/types"
)

var (
	failedBuilderPattern = regexp.MustCompile(`error: builder for '(/nix/store/[^']+\.drv)' failed`)
	storeHashPattern     = regexp.MustCompile(`^[0-9a-df-np-sv-z]{32}-`)
	interpreterPattern   = regexp.MustCompile(`^python\d+(\.\d+)?-`)
)

// FailedDerivations returns the derivations nix reported as failed, in
// order of first appearance and without duplicates.
func FailedDerivations(output []byte) []string {
	var drvs []string
	seen := make(map[string]bool)
	for _, m := range failedBuilderPattern.FindAllSubmatch(output, -1) {
		drv := string(m[1])
		if seen[drv] {
			continue
		}
		seen[drv] = true
		drvs = append(drvs, drv)
	}
	return drvs
}

// ParseDerivation maps a store derivation path such as
// /nix/store/<hash>-python3.12-numpy-1.26.4.drv to the package it builds.
// The name is PEP 503 normalized. ok is false when the name carries no
// version separator.
func ParseDerivation(drv string) (types.PackageTarget, bool) {
	name := strings.TrimSuffix(path.Base(drv), ".drv")
	name = storeHashPattern.ReplaceAllString(name, "")
	name = interpreterPattern.ReplaceAllString(name, "")

	idx := strings.LastIndex(name, "-")
	if idx <= 0 || idx == len(name)-1 {
		return types.PackageTarget{}, false
	}
	return types.PackageTarget{Name: name[:idx], Version: name[idx+1:]}.Canonical(), true
}
