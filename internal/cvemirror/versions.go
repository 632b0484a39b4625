package cvemirror

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/coreos/go-semver/semver"

	"github.com/arkeep-io/arkeep/server/internal/db"
)

// Ecosystem knows how to compare installed-version strings against a CVE's
// affected ranges for one packaging ecosystem's versioning scheme.
type Ecosystem interface {
	// Vulnerable reports whether installedVersion falls inside cve's
	// affected ranges and has not been patched by any fixed version.
	Vulnerable(installedVersion string, cve db.CVE) bool
}

// ecosystemFor returns the version comparator for a db.Package.Manager
// value, or nil if the manager has no registered comparator.
func ecosystemFor(manager string) Ecosystem {
	switch manager {
	case "npm", "nuget", "go", "cargo":
		return semverEcosystem{}
	case "apt", "apk":
		return debianEcosystem{}
	case "pypi":
		return pep440Ecosystem{}
	case "maven":
		return mavenEcosystem{}
	case "composer":
		return semverEcosystem{}
	case "gem":
		return semverEcosystem{}
	default:
		return nil
	}
}

// fixedVersionsOf decodes a CVE's FixedVersions JSON blob.
func fixedVersionsOf(cve db.CVE) []string {
	var out []string
	_ = json.Unmarshal([]byte(cve.FixedVersions), &out)
	return out
}

// semverEcosystem compares strict or near-strict semver (npm, Go modules,
// NuGet, crates, RubyGems, Packagist in practice almost always tag
// releases as semver). Versions that fail to parse are treated as
// incomparable and never match, to avoid false positives on exotic tags.
type semverEcosystem struct{}

func (semverEcosystem) Vulnerable(installed string, cve db.CVE) bool {
	cur, err := parseSemver(installed)
	if err != nil {
		return false
	}
	for _, fixed := range fixedVersionsOf(cve) {
		fv, err := parseSemver(fixed)
		if err != nil {
			continue
		}
		if !cur.LessThan(*fv) {
			// Installed version is at or beyond a fixed version — patched.
			return false
		}
	}
	// No fixed version this installed version is known to be at or past;
	// treat presence of the CVE record for this package name as a match.
	return len(fixedVersionsOf(cve)) > 0 || cve.AffectedRanges != "[]"
}

func parseSemver(v string) (*semver.Version, error) {
	v = strings.TrimPrefix(v, "v")
	return semver.NewVersion(v)
}

// debianEcosystem implements dpkg's version comparison: epoch:upstream-revision,
// compared component-wise the way dpkg --compare-versions does.
type debianEcosystem struct{}

func (debianEcosystem) Vulnerable(installed string, cve db.CVE) bool {
	for _, fixed := range fixedVersionsOf(cve) {
		if compareDebianVersions(installed, fixed) < 0 {
			return true
		}
	}
	return false
}

func compareDebianVersions(a, b string) int {
	ea, ua := splitDebianEpoch(a)
	eb, ub := splitDebianEpoch(b)
	if ea != eb {
		if ea < eb {
			return -1
		}
		return 1
	}
	return compareDebianUpstream(ua, ub)
}

func splitDebianEpoch(v string) (int, string) {
	if i := strings.IndexByte(v, ':'); i >= 0 {
		epoch, err := strconv.Atoi(v[:i])
		if err == nil {
			return epoch, v[i+1:]
		}
	}
	return 0, v
}

// compareDebianUpstream walks both version strings alternating
// non-digit/digit runs, comparing non-digit runs lexically (with '~'
// sorting before everything, including the empty string) and digit runs
// numerically, matching dpkg's algorithm closely enough for CVE matching.
func compareDebianUpstream(a, b string) int {
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		// Compare non-digit runs.
		startI, startJ := i, j
		for i < len(a) && !isDigit(a[i]) {
			i++
		}
		for j < len(b) && !isDigit(b[j]) {
			j++
		}
		if c := compareDebianLexical(a[startI:i], b[startJ:j]); c != 0 {
			return c
		}

		// Compare digit runs numerically.
		startI, startJ = i, j
		for i < len(a) && isDigit(a[i]) {
			i++
		}
		for j < len(b) && isDigit(b[j]) {
			j++
		}
		na := parseDigits(a[startI:i])
		nb := parseDigits(b[startJ:j])
		if na != nb {
			if na < nb {
				return -1
			}
			return 1
		}
	}
	return 0
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func parseDigits(s string) int {
	n, _ := strconv.Atoi(strings.TrimLeft(s, "0"))
	return n
}

func compareDebianLexical(a, b string) int {
	for i := 0; i < len(a) || i < len(b); i++ {
		var ca, cb int
		if i < len(a) {
			ca = debianCharOrder(a[i])
		}
		if i < len(b) {
			cb = debianCharOrder(b[i])
		}
		if ca != cb {
			if ca < cb {
				return -1
			}
			return 1
		}
	}
	return 0
}

// debianCharOrder ranks '~' below the string terminator, which sorts
// below everything else, matching dpkg's tilde semantics
// (e.g. "1.0~rc1" < "1.0").
func debianCharOrder(c byte) int {
	if c == '~' {
		return -1
	}
	return int(c) + 1
}

// pep440Ecosystem compares PyPI's PEP 440 version scheme. This
// implementation handles the common release-segment + optional
// pre/post/dev-release cases; exotic local-version identifiers fall back
// to lexical comparison.
type pep440Ecosystem struct{}

func (pep440Ecosystem) Vulnerable(installed string, cve db.CVE) bool {
	for _, fixed := range fixedVersionsOf(cve) {
		if comparePEP440(installed, fixed) < 0 {
			return true
		}
	}
	return false
}

func comparePEP440(a, b string) int {
	ra, sa := splitPEP440(a)
	rb, sb := splitPEP440(b)
	if c := compareIntSlices(ra, rb); c != 0 {
		return c
	}
	return strings.Compare(sa, sb)
}

// splitPEP440 separates the numeric release segment ("1.2.3") from any
// trailing pre/post/dev suffix, returned as an opaque string compared
// lexically as a coarse approximation of PEP 440 suffix ordering.
func splitPEP440(v string) ([]int, string) {
	v = strings.TrimPrefix(v, "v")
	cut := len(v)
	for i, r := range v {
		if r != '.' && !isDigit(byte(r)) {
			cut = i
			break
		}
	}
	release := v[:cut]
	suffix := v[cut:]

	var nums []int
	for _, part := range strings.Split(release, ".") {
		n, err := strconv.Atoi(part)
		if err != nil {
			break
		}
		nums = append(nums, n)
	}
	return nums, suffix
}

func compareIntSlices(a, b []int) int {
	for i := 0; i < len(a) || i < len(b); i++ {
		var na, nb int
		if i < len(a) {
			na = a[i]
		}
		if i < len(b) {
			nb = b[i]
		}
		if na != nb {
			if na < nb {
				return -1
			}
			return 1
		}
	}
	return 0
}

// mavenEcosystem compares Maven's dotted version scheme, treating it the
// same as the release-segment portion of PEP 440 since both are
// dot-separated numeric components in the overwhelming majority of real
// artifacts; qualifiers (e.g. "-SNAPSHOT") fall back to lexical order.
type mavenEcosystem struct{}

func (mavenEcosystem) Vulnerable(installed string, cve db.CVE) bool {
	for _, fixed := range fixedVersionsOf(cve) {
		if compareMavenVersions(installed, fixed) < 0 {
			return true
		}
	}
	return false
}

func compareMavenVersions(a, b string) int {
	relA, qualA := splitMavenQualifier(a)
	relB, qualB := splitMavenQualifier(b)
	if c := compareIntSlices(parseDotted(relA), parseDotted(relB)); c != 0 {
		return c
	}
	return strings.Compare(qualA, qualB)
}

func splitMavenQualifier(v string) (string, string) {
	if i := strings.IndexByte(v, '-'); i >= 0 {
		return v[:i], v[i+1:]
	}
	return v, ""
}

func parseDotted(v string) []int {
	var nums []int
	for _, part := range strings.Split(v, ".") {
		n, err := strconv.Atoi(part)
		if err != nil {
			break
		}
		nums = append(nums, n)
	}
	return nums
}
