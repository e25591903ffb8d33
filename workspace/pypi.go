package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/TyberiusPrime/uv2nix-hammer/iox"
	"github.com/TyberiusPrime/uv2nix-hammer/types"
)

// DefaultIndexURL is the PyPI JSON API root.
const DefaultIndexURL = "https://pypi.org/pypi"

var (
	// ErrNotOnIndex means the package is unknown to the index.
	ErrNotOnIndex = errors.New("package not found on index")
	// ErrNoSuchRelease means the package exists but the version does not.
	ErrNoSuchRelease = errors.New("release not found on index")
)

// Release is a resolved package version.
type Release struct {
	Target   types.PackageTarget
	HasSdist bool
	HasWheel bool
}

// Index queries a PyPI-compatible JSON API.
type Index struct {
	BaseURL string
	Client  *http.Client
}

// NewIndex returns an index client for baseURL ("" means PyPI).
func NewIndex(baseURL string) *Index {
	if baseURL == "" {
		baseURL = DefaultIndexURL
	}
	return &Index{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type projectJSON struct {
	Info struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"info"`
	Releases map[string][]fileJSON `json:"releases"`
}

type fileJSON struct {
	Filename    string `json:"filename"`
	PackageType string `json:"packagetype"`
	URL         string `json:"url"`
	Yanked      bool   `json:"yanked"`
}

// ResolveVersion confirms name==version exists on the index. An empty
// version resolves to the index's current release.
func (ix *Index) ResolveVersion(ctx context.Context, name, version string) (*Release, error) {
	endpoint := fmt.Sprintf("%s/%s/json", ix.BaseURL, url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("index: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := ix.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("index: request failed: %w", err)
	}
	defer iox.DiscardClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", name, ErrNotOnIndex)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("index: unexpected status %d for %s", resp.StatusCode, name)
	}

	var project projectJSON
	if err := json.NewDecoder(resp.Body).Decode(&project); err != nil {
		return nil, fmt.Errorf("index: invalid response for %s: %w", name, err)
	}

	if version == "" {
		version = project.Info.Version
	}
	files, ok := project.Releases[version]
	if !ok {
		return nil, fmt.Errorf("%s==%s: %w", name, version, ErrNoSuchRelease)
	}

	canonical := project.Info.Name
	if canonical == "" {
		canonical = name
	}
	rel := &Release{Target: types.PackageTarget{Name: canonical, Version: version}.Canonical()}
	for _, f := range files {
		if f.Yanked {
			continue
		}
		switch {
		case f.PackageType == "sdist" || strings.HasSuffix(f.Filename, ".tar.gz"):
			rel.HasSdist = true
		case f.PackageType == "bdist_wheel" || strings.HasSuffix(f.Filename, ".whl"):
			rel.HasWheel = true
		}
	}
	return rel, nil
}

// SourcePreference picks the source the target's overrides are recorded
// under. Asking for an sdist that does not exist falls back to the wheel.
func (r *Release) SourcePreference(wantSdist bool) string {
	if wantSdist && r.HasSdist {
		return PreferSdist
	}
	return PreferWheel
}
