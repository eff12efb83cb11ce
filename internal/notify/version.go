package notify

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Version is a parsed JDK-style version: dotted numeric components plus
// an optional opt suffix after '-', e.g. "11.0.9.0.1" or "17.0.2-oracle".
// The legacy "8u271" form maps onto feature 8, update 271.
type Version struct {
	components []int
	opt        string
	raw        string
}

var legacyVersionPattern = regexp.MustCompile(`^([78])u(\d+)$`)
var buildNumberPattern = regexp.MustCompile(`^b(\d+)$`)

// scratchVersions are placeholder fix-versions: no real release planned yet.
var scratchVersions = map[string]bool{
	"":          true,
	"tbd":       true,
	"tbd_minor": true,
	"tbd_major": true,
	"unknown":   true,
}

// IsScratch reports whether a raw fix-version string is a placeholder.
func IsScratch(raw string) bool {
	return scratchVersions[strings.ToLower(strings.TrimSpace(raw))]
}

// IsPool reports whether raw is a pool version like "17-pool" or
// "17-open", returning the feature number when so.
func IsPool(raw string) (feature int, ok bool) {
	base, suffix, found := strings.Cut(raw, "-")
	if !found || (suffix != "pool" && suffix != "open") {
		return 0, false
	}
	n, err := strconv.Atoi(base)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ParseVersion parses a fix-version string. Scratch and pool versions are
// not parseable versions and return an error.
func ParseVersion(raw string) (*Version, error) {
	raw = strings.TrimSpace(raw)
	if IsScratch(raw) {
		return nil, fmt.Errorf("scratch version %q", raw)
	}
	if _, ok := IsPool(raw); ok {
		return nil, fmt.Errorf("pool version %q", raw)
	}

	v := &Version{raw: raw}

	if m := legacyVersionPattern.FindStringSubmatch(raw); m != nil {
		feature, _ := strconv.Atoi(m[1])
		update, _ := strconv.Atoi(m[2])
		v.components = []int{feature, 0, update}
		return v, nil
	}

	numeric, opt, _ := strings.Cut(raw, "-")
	v.opt = opt
	for _, part := range strings.Split(numeric, ".") {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("malformed version %q", raw)
		}
		v.components = append(v.components, n)
	}
	if len(v.components) == 0 {
		return nil, fmt.Errorf("empty version %q", raw)
	}
	return v, nil
}

// String returns the original raw form.
func (v *Version) String() string { return v.raw }

func (v *Version) component(i int) int {
	if i < len(v.components) {
		return v.components[i]
	}
	return 0
}

// Feature returns the leading component.
func (v *Version) Feature() int { return v.component(0) }

// Interim, Update and Patch are the second through fourth components.
func (v *Version) Interim() int { return v.component(1) }
func (v *Version) Update() int  { return v.component(2) }
func (v *Version) Patch() int   { return v.component(3) }

// Opt returns the suffix after '-', empty when absent.
func (v *Version) Opt() string { return v.opt }

// Compare orders versions component-wise; a version without opt sorts
// before the same version with one.
func (v *Version) Compare(other *Version) int {
	n := len(v.components)
	if len(other.components) > n {
		n = len(other.components)
	}
	for i := 0; i < n; i++ {
		if d := v.component(i) - other.component(i); d != 0 {
			if d < 0 {
				return -1
			}
			return 1
		}
	}
	return strings.Compare(v.opt, other.opt)
}

// Streams returns the release-stream keys the version belongs to, given
// the issue's resolved-in-build value. An empty result means the version
// participates in no stream and is never labeled.
func (v *Version) Streams(resolvedInBuild string) []string {
	feature := v.Feature()

	if feature >= 9 {
		f := strconv.Itoa(feature)
		switch {
		case v.Update() == 0:
			return []string{"features", f + "+updates-oracle", f + "+updates-openjdk"}
		case v.Update() <= 2:
			return []string{f + "+updates-oracle", f + "+updates-openjdk"}
		case v.opt == "oracle":
			if len(v.components) > 3 {
				return []string{f + "+bpr"}
			}
			return []string{f + "+updates-oracle"}
		default:
			return []string{f + "+updates-openjdk"}
		}
	}

	if feature == 7 || feature == 8 {
		f := strconv.Itoa(feature)
		if resolvedInBuild == "" {
			return []string{f}
		}
		if resolvedInBuild == "team" {
			return nil
		}
		m := buildNumberPattern.FindStringSubmatch(resolvedInBuild)
		if m == nil {
			return nil
		}
		n, _ := strconv.Atoi(m[1])
		switch {
		case n < 31:
			return []string{f}
		case n < 60:
			return []string{f + "+bpr"}
		default:
			return nil
		}
	}
	return nil
}

// ShouldReplaceBuild decides whether candidate may overwrite the current
// resolved-in-build value. "team" never overwrites anything, "master"
// only overwrites "team", and a numbered build yields only to a
// lower-numbered one.
func ShouldReplaceBuild(current, candidate string) bool {
	if candidate == current || candidate == "" {
		return false
	}
	// The team/master rules come before the unset rule: neither fills an
	// empty field. A freshly created backport keeps its build unset until
	// a real build value arrives.
	if candidate == "team" {
		return false
	}
	if candidate == "master" {
		return current == "team"
	}
	if current == "" {
		return true
	}

	candNum := buildNumberPattern.FindStringSubmatch(candidate)
	curNum := buildNumberPattern.FindStringSubmatch(current)
	if candNum != nil {
		if curNum == nil {
			return true
		}
		cand, _ := strconv.Atoi(candNum[1])
		cur, _ := strconv.Atoi(curNum[1])
		return cand < cur
	}
	// Unnumbered values replace only unset or equal values, both already
	// handled above.
	return false
}
