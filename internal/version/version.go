// Package version wraps Masterminds/semver so the rest of the tree parses
// and compares tags the same way fleet's image controller does
// (internal/cmd/controller/imagescan/tagscan_job.go), while additionally
// tracking the leading "v" so a tag's textual form can be rebuilt exactly.
package version

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Version is a parsed semantic version, preserving whether the original tag
// carried a leading "v" so Render can reproduce it.
type Version struct {
	sv      *semver.Version
	vPrefix bool
	raw     string
}

// Parse parses tag as a semantic version. A leading "v" is stripped before
// parsing and recorded in vPrefix, per spec.md §4.1 ("strip an optional
// leading v, parse semver").
func Parse(tag string) (Version, error) {
	trimmed := strings.TrimPrefix(tag, "v")
	sv, err := semver.NewVersion(trimmed)
	if err != nil {
		return Version{}, err
	}
	return Version{
		sv:      sv,
		vPrefix: strings.HasPrefix(tag, "v"),
		raw:     tag,
	}, nil
}

// IsValid reports whether tag parses as semver.
func IsValid(tag string) bool {
	_, err := Parse(tag)
	return err == nil
}

func (v Version) Major() uint64 { return v.sv.Major() }
func (v Version) Minor() uint64 { return v.sv.Minor() }
func (v Version) Patch() uint64 { return v.sv.Patch() }
func (v Version) Prerelease() string { return v.sv.Prerelease() }
func (v Version) IsPrerelease() bool { return v.sv.Prerelease() != "" }

// Original returns the tag exactly as parsed.
func (v Version) Original() string { return v.raw }

// Render reproduces the textual tag form, respecting the "v" prefix.
func (v Version) Render() string {
	if v.vPrefix {
		return "v" + v.sv.String()
	}
	return v.sv.String()
}

// Compare returns -1, 0, or 1 per semver 2.0 precedence rules (pre-release
// identifiers included), delegating to Masterminds/semver.
func (v Version) Compare(other Version) int {
	return v.sv.Compare(other.sv)
}

// LessThan reports whether v < other.
func (v Version) LessThan(other Version) bool {
	return v.Compare(other) < 0
}

// GreaterThan reports whether v > other.
func (v Version) GreaterThan(other Version) bool {
	return v.Compare(other) > 0
}

// Equal reports whether v and other compare as equal under semver
// precedence (build metadata ignored, as semver 2.0 mandates).
func (v Version) Equal(other Version) bool {
	return v.Compare(other) == 0
}

// SamePatch reports whether v and other share (major, minor, patch).
func (v Version) SamePatch(other Version) bool {
	return v.Major() == other.Major() && v.Minor() == other.Minor() && v.Patch() == other.Patch()
}
