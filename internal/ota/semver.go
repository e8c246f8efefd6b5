package ota

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a parsed firmware version: major.minor.patch with an
// optional pre-release tag ("1.2.3", "v1.2.3-beta.1"). An absent
// pre-release means a stable release, which sorts above every
// pre-release of the same triple.
type Version struct {
	Major, Minor, Patch uint64

	pre prerelease
}

// prerelease kinds in ascending order. Unknown tags sort between rc
// and stable so "1.2.3-nightly" never outranks "1.2.3".
type preKind int

const (
	preAlpha preKind = iota
	preBeta
	preRC
	preOther
	preStable
)

type prerelease struct {
	kind   preKind
	num    uint64
	hasNum bool
}

// ParseVersion parses "1.2.3", "v1.2.3", "1.2.3-beta", "1.2.3-rc.1".
// Exactly three numeric components are required.
func ParseVersion(s string) (Version, error) {
	raw := strings.TrimSpace(s)
	trimmed := strings.TrimPrefix(strings.TrimPrefix(raw, "v"), "V")

	core, tag, hasTag := strings.Cut(trimmed, "-")

	parts := strings.Split(core, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("version %q: want major.minor.patch", s)
	}

	var v Version
	for i, dst := range []*uint64{&v.Major, &v.Minor, &v.Patch} {
		n, err := strconv.ParseUint(parts[i], 10, 64)
		if err != nil {
			return Version{}, fmt.Errorf("version %q: %w", s, err)
		}
		*dst = n
	}

	v.pre = prerelease{kind: preStable}
	if hasTag {
		v.pre = parsePrerelease(tag)
	}
	return v, nil
}

func parsePrerelease(tag string) prerelease {
	tag = strings.ToLower(tag)

	p := prerelease{kind: preOther}
	rest := tag
	switch {
	case strings.HasPrefix(tag, "alpha"):
		p.kind, rest = preAlpha, tag[len("alpha"):]
	case strings.HasPrefix(tag, "beta"):
		p.kind, rest = preBeta, tag[len("beta"):]
	case strings.HasPrefix(tag, "rc"):
		p.kind, rest = preRC, tag[len("rc"):]
	}

	// "beta.1" and "beta1" both carry number 1; a bare "beta" has
	// none and sorts below "beta.0".
	if rest != "" {
		if n, err := strconv.ParseUint(strings.TrimPrefix(rest, "."), 10, 64); err == nil {
			p.num, p.hasNum = n, true
		}
	}
	return p
}

// GreaterThan reports whether v is strictly newer than o. Equal
// versions are not greater, so re-announcing the installed release
// never triggers an update.
func (v Version) GreaterThan(o Version) bool {
	if v.Major != o.Major {
		return v.Major > o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor > o.Minor
	}
	if v.Patch != o.Patch {
		return v.Patch > o.Patch
	}
	return v.pre.compare(o.pre) > 0
}

func (p prerelease) compare(o prerelease) int {
	if p.kind != o.kind {
		if p.kind < o.kind {
			return -1
		}
		return 1
	}
	switch {
	case !p.hasNum && !o.hasNum:
		return 0
	case !p.hasNum:
		return -1
	case !o.hasNum:
		return 1
	case p.num < o.num:
		return -1
	case p.num > o.num:
		return 1
	}
	return 0
}
