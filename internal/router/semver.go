package router

import (
	"strconv"
	"strings"
)

// version is a parsed major.minor.patch triple. The specification leaves
// pre-release/build-metadata compatibility undefined (§9 open question);
// this implementation resolves that by treating any version carrying a
// pre-release tag as never satisfying, and never satisfied by, a
// compatibility check — see DESIGN.md.
type version struct {
	major, minor, patch int
	prerelease          string
}

func parseVersion(s string) (version, bool) {
	s = strings.TrimPrefix(s, "v")
	core := s
	var prerelease string
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		core = s[:i]
		prerelease = s[i+1:]
	}
	parts := strings.SplitN(core, ".", 3)
	if len(parts) == 0 {
		return version{}, false
	}
	nums := [3]int{}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return version{}, false
		}
		nums[i] = n
	}
	return version{major: nums[0], minor: nums[1], patch: nums[2], prerelease: prerelease}, true
}

// satisfiesSemver reports whether candidate is semver-compatible with
// required per §4.5: major must equal; candidate (minor, patch) must be
// greater than or equal to required (minor, patch).
func satisfiesSemver(candidate, required string) bool {
	c, ok := parseVersion(candidate)
	if !ok {
		return false
	}
	r, ok := parseVersion(required)
	if !ok {
		return false
	}
	if c.prerelease != "" || r.prerelease != "" {
		return false
	}
	if c.major != r.major {
		return false
	}
	if c.minor != r.minor {
		return c.minor > r.minor
	}
	return c.patch >= r.patch
}

// compareVersion returns -1/0/1 comparing a against b, ignoring prerelease.
func compareVersion(a, b string) int {
	va, _ := parseVersion(a)
	vb, _ := parseVersion(b)
	if va.major != vb.major {
		return cmpInt(va.major, vb.major)
	}
	if va.minor != vb.minor {
		return cmpInt(va.minor, vb.minor)
	}
	return cmpInt(va.patch, vb.patch)
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
