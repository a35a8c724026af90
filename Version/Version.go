// Package Version implements the version algebra (spec.md §4.4): parsing and
// comparing version strings drawn from heterogeneous vendor schemes — dotted
// numeric, underscore-joined ASUS-style, semver prerelease suffixes,
// Microsoft KB numbers, and vendor branch strings (Check Point "R81.20",
// pfSense Plus "25.11", OPNsense "26.1") that only map to two leading
// integer groups.
//
// Parsing and comparison are implemented in this package by hand;
// github.com/Masterminds/semver/v3 backs only the strict-semver helper
// semverFallback. It is the same library sofmeright-stagefreight-oci uses in its freshness/semver.go
// module to decompose heterogeneous container tags with progressive
// parsing — the identical "many vendor version shapes, one comparable core"
// problem this package solves for CVE-fix versions instead of image tags.
package Version

import (
	"regexp"
	"strconv"
	"strings"

	mastersemver "github.com/Masterminds/semver/v3"
)

// Parsed is the normalized tuple a version string decomposes into:
// numeric parts, an optional prerelease tag, and an optional KB number.
type Parsed struct {
	Raw        string
	Numeric    []int64
	Prerelease string
	KB         int64 // > 0 only for "KB#######" identifiers
	IsKB       bool
}

var (
	kbPattern      = regexp.MustCompile(`^KB(\d+)$`)
	gitSHAPattern  = regexp.MustCompile(`[0-9a-fA-F]{4,}`)
	leadingDigit   = regexp.MustCompile(`^[0-9]`)
	twoIntGroups   = regexp.MustCompile(`^(\d+)\.(\d+)`)
	prereleaseSuff = regexp.MustCompile(`-([A-Za-z][A-Za-z0-9.]*)$`)
)

// IsValidVersion enforces the garbage filter described in §4.4: the string
// must contain a dot, start with a digit, be at most 20 characters, and not
// look like a git SHA (4+ consecutive hex letters with no digit boundary is
// the classic false-positive fixed-version extracted from a CVE description).
func IsValidVersion(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 20 {
		return false
	}
	if !strings.Contains(s, ".") {
		return false
	}
	if !leadingDigit.MatchString(s) {
		return false
	}
	if looksLikeGitSHA(s) {
		return false
	}
	return true
}

// looksLikeGitSHA flags strings that contain a run of 4+ consecutive hex
// *letters* (a-f, A-F) — abbreviated commit hashes extracted by mistake
// from advisory text. Any other character ends a run; the number of digits
// elsewhere in the string does not matter.
func looksLikeGitSHA(s string) bool {
	hexLetterRun := 0
	digits := 0
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
			hexLetterRun++
			if hexLetterRun >= 4 {
				return true
			}
		case r >= '0' && r <= '9':
			digits++
			hexLetterRun = 0
		default:
			hexLetterRun = 0
		}
	}
	_ = digits
	return false
}

// Parse normalizes and decomposes a version string per the shapes in §4.4.
// A leading "v" is stripped, underscores are normalized to dots (ASUS-style
// "3.0.0.4.386_51948"), a KB number is recognized outright, and a trailing
// semver prerelease suffix ("-alpha", "-beta.2", ...) is captured separately
// so that "1.2.3-beta" compares strictly less than "1.2.3".
func Parse(raw string) Parsed {
	trimmed := strings.TrimSpace(raw)

	if m := kbPattern.FindStringSubmatch(trimmed); m != nil {
		n, _ := strconv.ParseInt(m[1], 10, 64)
		return Parsed{Raw: raw, IsKB: true, KB: n}
	}

	s := trimmed
	if strings.HasPrefix(s, "v") || strings.HasPrefix(s, "V") {
		s = s[1:]
	}
	s = strings.ReplaceAll(s, "_", ".")

	// Vendor branch strings (Check Point "R81.20", OPNsense "26.1" already
	// numeric) may carry a non-digit prefix letter; strip it so the
	// two-leading-integer-groups policy in §4.4 applies uniformly.
	s = strings.TrimLeftFunc(s, func(r rune) bool {
		return !(r >= '0' && r <= '9')
	})

	prerelease := ""
	if m := prereleaseSuff.FindStringSubmatch(s); m != nil {
		prerelease = m[1]
		s = s[:len(s)-len(m[0])]
	}

	parts := strings.Split(s, ".")
	numeric := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			// Non-numeric tail segment (e.g. a "Take" suffix on a Check
			// Point branch) — stop collecting numeric parts here; Compare
			// then uses only the numeric parts collected before it.
			break
		}
		numeric = append(numeric, n)
	}

	return Parsed{Raw: raw, Numeric: numeric, Prerelease: prerelease}
}

// padTo returns a copy of ns padded with trailing zeros to length n — missing
// tail parts are treated as 0 per §4.4 ("1.0" == "1.0.0").
func padTo(ns []int64, n int) []int64 {
	if len(ns) >= n {
		return ns
	}
	out := make([]int64, n)
	copy(out, ns)
	return out
}

// Compare returns -1, 0, or 1 for a versus b. Comparisons between different
// version schemes are undefined by §4.4; callers must not mix them — this
// function assumes both strings were already routed through the same
// catalog entry's versionPattern.
func Compare(a, b string) int {
	pa, pb := Parse(a), Parse(b)
	return compareParsed(pa, pb)
}

func compareParsed(pa, pb Parsed) int {
	if pa.IsKB || pb.IsKB {
		if pa.IsKB && pb.IsKB {
			return cmpInt64(pa.KB, pb.KB)
		}
		// Mixed KB/non-KB comparison is undefined; fall through to treat
		// the non-KB side as 0 so callers at least get a deterministic
		// total order rather than a panic.
		if pa.IsKB {
			return cmpInt64(pa.KB, 0)
		}
		return cmpInt64(0, pb.KB)
	}

	maxLen := len(pa.Numeric)
	if len(pb.Numeric) > maxLen {
		maxLen = len(pb.Numeric)
	}
	na, nb := padTo(pa.Numeric, maxLen), padTo(pb.Numeric, maxLen)
	for i := 0; i < maxLen; i++ {
		if c := cmpInt64(na[i], nb[i]); c != 0 {
			return c
		}
	}

	// Equal numeric tuples: a prerelease version is strictly less than the
	// same tuple without one; two prereleases compare lexically.
	switch {
	case pa.Prerelease == "" && pb.Prerelease == "":
		return 0
	case pa.Prerelease == "" && pb.Prerelease != "":
		return 1
	case pa.Prerelease != "" && pb.Prerelease == "":
		return -1
	default:
		return strings.Compare(pa.Prerelease, pb.Prerelease)
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Expr is a comparison expression: one of <, <=, >, >=, =, != followed by a
// version string (§4.4 `evaluate`).
type Expr struct {
	Op      string
	Version string
}

// Evaluate reports whether v satisfies expr.
func Evaluate(v string, expr Expr) bool {
	c := Compare(v, expr.Version)
	switch expr.Op {
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	case "=", "==":
		return c == 0
	case "!=":
		return c != 0
	default:
		return false
	}
}

// InRange reports whether v falls within [start, end), with an optional
// override expression taking precedence over the plain bounds check.
func InRange(v string, start, end *string, exprOverride *Expr) bool {
	if exprOverride != nil {
		return Evaluate(v, *exprOverride)
	}
	if start != nil && Compare(v, *start) < 0 {
		return false
	}
	if end != nil && Compare(v, *end) >= 0 {
		return false
	}
	return true
}

// Sort returns a new slice of versions ordered ascending by Compare.
func Sort(versions []string) []string {
	out := make([]string, len(versions))
	copy(out, versions)
	// Insertion sort: these lists are small (CVE fixed-version sets per
	// branch), and it keeps the comparator fully explicit and easy to trace
	// against the spec's compare() contract.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && Compare(out[j-1], out[j]) > 0; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// FindMinimumSafeVersion returns the highest version in the list — the
// safest floor, per §4.4's "the maximum of a list". Versions that begin with
// ">" (meaning "greater than X, exact unknown") are excluded from the
// candidate set but the caller is expected to have already recorded them
// elsewhere; an empty or all-excluded input returns "".
func FindMinimumSafeVersion(versions []string) string {
	best := ""
	for _, v := range versions {
		if strings.HasPrefix(v, ">") {
			continue
		}
		if best == "" || Compare(v, best) > 0 {
			best = v
		}
	}
	return best
}

// IsVulnerable reports whether v is vulnerable given the set of fixed
// versions for a CVE: true iff v < max(fixedList).
func IsVulnerable(v string, fixedList []string) bool {
	best := FindMinimumSafeVersion(fixedList)
	if best == "" {
		return false
	}
	return Compare(v, best) < 0
}

// LeadingComponent extracts the first integer group of a version string,
// used by the version-scheme mismatch detector (§4.10) to compare a fixed
// version's leading component against latestVersion's.
func LeadingComponent(v string) (int64, bool) {
	p := Parse(v)
	if len(p.Numeric) == 0 {
		return 0, false
	}
	return p.Numeric[0], true
}

// semverFallback parses raw (leading "v" stripped) as semver via
// Masterminds. IsValidVersion does not consult it: validity is decided by
// the length, dot, leading-digit and git-SHA checks alone.
func semverFallback(raw string) (*mastersemver.Version, error) {
	return mastersemver.NewVersion(strings.TrimPrefix(raw, "v"))
}

// MatchesTwoLeadingGroups implements the "two leading integer groups, ignore
// the rest" policy for vendor branch strings like Check Point "R81.20" or
// pfSense Plus "25.11": it strips any non-digit prefix, then requires the
// remainder to start with `\d+\.\d+`.
func MatchesTwoLeadingGroups(s string) bool {
	stripped := strings.TrimLeftFunc(s, func(r rune) bool {
		return !(r >= '0' && r <= '9')
	})
	return twoIntGroups.MatchString(stripped)
}
