// Package version implements the Version Engine: the "<major>.<minor>"
// version string (spec.md §6) and the change -> next-version mapping
// (spec.md §4.3, "Change -> version mapping").
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a strict "<major>.<minor>" pair, both non-negative, compared
// in numeric (not lexicographic-string) order.
type Version struct {
	Major int
	Minor int
}

// Zero is the pre-registration version assigned to a brand-new type or
// function (spec.md §4.3: "If the entity is new: assign 0.1" — Zero is the
// implicit predecessor of that first bump).
var Zero = Version{Major: 0, Minor: 0}

// Parse parses a strict "<major>.<minor>" version string.
func Parse(s string) (Version, error) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 {
		return Version{}, fmt.Errorf("version: malformed version string %q", s)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil || major < 0 {
		return Version{}, fmt.Errorf("version: invalid major in %q", s)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil || minor < 0 {
		return Version{}, fmt.Errorf("version: invalid minor in %q", s)
	}
	return Version{Major: major, Minor: minor}, nil
}

// MustParse panics on a malformed version string; used for constants,
// tests, and version strings read back from records this registry wrote.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compare returns -1, 0, or 1 using numeric major/minor order.
func (v Version) Compare(o Version) int {
	if v.Major != o.Major {
		if v.Major < o.Major {
			return -1
		}
		return 1
	}
	if v.Minor != o.Minor {
		if v.Minor < o.Minor {
			return -1
		}
		return 1
	}
	return 0
}

func (v Version) Less(o Version) bool { return v.Compare(o) < 0 }

// Max returns the greater of two versions.
func Max(a, b Version) Version {
	if a.Compare(b) >= 0 {
		return a
	}
	return b
}

// NextVersion implements spec.md §4.3's change -> version mapping. prev is
// ignored when isNew is true. A type can only have its major bumped once
// its module has been released (TypeInfo invariant in spec.md §3); since
// releaseModule is the only path that ever sets a type's major to >= 1,
// that invariant falls directly out of "bump major iff notCompatible and
// prev.Major >= 1" below — no separate "is the module released" input is
// needed here.
func NextVersion(prev Version, isNew bool, change Change) Version {
	if isNew {
		return Version{Major: 0, Minor: 1}
	}
	if change == NotCompatible && prev.Major >= 1 {
		return Version{Major: prev.Major + 1, Minor: 0}
	}
	return Version{Major: prev.Major, Minor: prev.Minor + 1}
}
