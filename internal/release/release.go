// Package release defines the normalized release model shared by every
// release source. Instances are created per query response and are read-only
// afterwards.
package release

import (
	"errors"
	"strings"
)

// Sentinel errors shared by release sources.
var (
	ErrNotFound = errors.New("release not found")
	ErrNoAssets = errors.New("release has no assets")
)

// Asset is a single downloadable artifact belonging to a Release.
type Asset struct {
	Name        string
	DownloadURL string
	Hash        string // optional sha256 of the artifact, empty when the source does not publish one
}

// Release is a normalized, named, versioned update package with one or more
// downloadable assets.
type Release struct {
	Name    string
	Version string
	Date    string
	Notes   string
	Assets  []Asset
}

// HasTargetAsset reports whether at least one asset is compatible with the
// target string. Matching is a permissive substring test against asset names;
// an empty target matches everything. The cloud API publishes a single asset
// per release, so in practice this degenerates to accept-all.
func (r Release) HasTargetAsset(target string) bool {
	_, ok := r.AssetForTarget(target)
	return ok
}

// AssetForTarget returns the first asset compatible with the target string.
// An empty target selects the first asset.
func (r Release) AssetForTarget(target string) (Asset, bool) {
	for _, a := range r.Assets {
		if target == "" || strings.Contains(a.Name, target) {
			return a, true
		}
	}
	return Asset{}, false
}

// FilterByTarget narrows releases to those with at least one asset compatible
// with the target. No match across all releases yields an empty slice; whether
// that is fatal is the caller's decision.
func FilterByTarget(releases []Release, target string) []Release {
	if target == "" {
		return releases
	}
	filtered := make([]Release, 0, len(releases))
	for _, r := range releases {
		if r.HasTargetAsset(target) {
			filtered = append(filtered, r)
		}
	}
	return filtered
}
