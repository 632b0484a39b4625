package cvemirror

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arkeep-io/arkeep/server/internal/db"
)

func cveWithFixed(fixed ...string) db.CVE {
	b := "["
	for i, f := range fixed {
		if i > 0 {
			b += ","
		}
		b += `"` + f + `"`
	}
	b += "]"
	return db.CVE{FixedVersions: b, AffectedRanges: `["<1.0.0"]`}
}

func TestEcosystemFor(t *testing.T) {
	assert.IsType(t, semverEcosystem{}, ecosystemFor("npm"))
	assert.IsType(t, semverEcosystem{}, ecosystemFor("go"))
	assert.IsType(t, semverEcosystem{}, ecosystemFor("cargo"))
	assert.IsType(t, debianEcosystem{}, ecosystemFor("apt"))
	assert.IsType(t, debianEcosystem{}, ecosystemFor("apk"))
	assert.IsType(t, pep440Ecosystem{}, ecosystemFor("pypi"))
	assert.IsType(t, mavenEcosystem{}, ecosystemFor("maven"))
	assert.Nil(t, ecosystemFor("unknown-manager"))
}

func TestSemverEcosystemVulnerable(t *testing.T) {
	cve := cveWithFixed("1.2.3")
	assert.True(t, semverEcosystem{}.Vulnerable("1.2.0", cve))
	assert.False(t, semverEcosystem{}.Vulnerable("1.2.3", cve))
	assert.False(t, semverEcosystem{}.Vulnerable("1.3.0", cve))
}

func TestSemverEcosystemUnparsableNeverMatches(t *testing.T) {
	cve := cveWithFixed("1.2.3")
	assert.False(t, semverEcosystem{}.Vulnerable("not-a-version", cve))
}

func TestDebianVersionCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0", 0},
		{"1.0", "1.1", -1},
		{"1.1", "1.0", 1},
		{"1.0~rc1", "1.0", -1},
		{"1:1.0", "2.0", 1},
		{"2.0", "1:1.0", -1},
		{"1.0-1", "1.0-2", -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sign(compareDebianVersions(tt.a, tt.b)), "compareDebianVersions(%q, %q)", tt.a, tt.b)
	}
}

func TestDebianEcosystemVulnerable(t *testing.T) {
	cve := cveWithFixed("2.4.5-1")
	assert.True(t, debianEcosystem{}.Vulnerable("2.4.4-1", cve))
	assert.False(t, debianEcosystem{}.Vulnerable("2.4.5-1", cve))
	assert.False(t, debianEcosystem{}.Vulnerable("2.4.6-1", cve))
}

func TestPEP440Compare(t *testing.T) {
	assert.Equal(t, -1, sign(comparePEP440("1.2.0", "1.2.3")))
	assert.Equal(t, 0, sign(comparePEP440("1.2.3", "1.2.3")))
	assert.Equal(t, 1, sign(comparePEP440("1.3.0", "1.2.3")))
}

func TestPEP440EcosystemVulnerable(t *testing.T) {
	cve := cveWithFixed("2.1.0")
	assert.True(t, pep440Ecosystem{}.Vulnerable("2.0.5", cve))
	assert.False(t, pep440Ecosystem{}.Vulnerable("2.1.0", cve))
}

func TestMavenVersionCompare(t *testing.T) {
	assert.Equal(t, -1, sign(compareMavenVersions("1.2.0", "1.2.3")))
	assert.Equal(t, 0, sign(compareMavenVersions("1.2.3", "1.2.3")))
	assert.Equal(t, 1, sign(compareMavenVersions("1.2.3", "1.2.0")))
}

func TestMavenEcosystemVulnerable(t *testing.T) {
	cve := cveWithFixed("4.1.0")
	assert.True(t, mavenEcosystem{}.Vulnerable("4.0.9", cve))
	assert.False(t, mavenEcosystem{}.Vulnerable("4.1.0", cve))
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}
