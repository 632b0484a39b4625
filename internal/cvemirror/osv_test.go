package cvemirror

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractFixedVersions(t *testing.T) {
	v := osvVuln{
		Affected: []osvAffected{
			{Ranges: []osvRange{{Events: []osvEvent{
				{Introduced: "0"},
				{Fixed: "1.2.3"},
			}}}},
			{Ranges: []osvRange{{Events: []osvEvent{{Fixed: "2.0.0"}}}}},
		},
	}
	assert.ElementsMatch(t, []string{"1.2.3", "2.0.0"}, extractFixedVersions(v))
}

func TestExtractFixedVersionsEmptyWhenUnfixed(t *testing.T) {
	v := osvVuln{Affected: []osvAffected{{Ranges: []osvRange{{Events: []osvEvent{{Introduced: "0"}}}}}}}
	assert.Empty(t, extractFixedVersions(v))
}

func TestSeverityFromOSV(t *testing.T) {
	tests := []struct {
		name string
		sevs []osvSeverity
		want string
	}{
		{"critical network no privileges", []osvSeverity{{Type: "CVSS_V3", Score: "CVSS:3.1/AV:N/AC:L/PR:N/UI:N"}}, "critical"},
		{"high network only", []osvSeverity{{Type: "CVSS_V3", Score: "CVSS:3.1/AV:N/AC:H/PR:H"}}, "high"},
		{"medium adjacent", []osvSeverity{{Type: "CVSS_V3", Score: "CVSS:3.1/AV:A/AC:H"}}, "medium"},
		{"low physical", []osvSeverity{{Type: "CVSS_V3", Score: "CVSS:3.1/AV:P/AC:H"}}, "low"},
		{"unknown when absent", nil, "unknown"},
		{"ignores non-cvss type", []osvSeverity{{Type: "Ubuntu", Score: "medium"}}, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, severityFromOSV(tt.sevs))
		})
	}
}

func TestAdvisoryToModel(t *testing.T) {
	a := advisory{
		ecosystem: "npm",
		vuln: osvVuln{
			ID:        "GHSA-aaaa-bbbb-cccc",
			Summary:   "prototype pollution",
			Published: "2024-01-15T00:00:00Z",
			Severity:  []osvSeverity{{Type: "CVSS_V3", Score: "CVSS:3.1/AV:N/AC:L/PR:N"}},
			Affected: []osvAffected{
				{Ranges: []osvRange{{Events: []osvEvent{{Fixed: "4.17.21"}}}}},
			},
		},
	}

	model := a.toModel()
	require.NotNil(t, model)
	assert.Equal(t, "GHSA-aaaa-bbbb-cccc", model.ID)
	assert.Equal(t, "critical", model.Severity)
	assert.Equal(t, "npm", model.Ecosystem, "must normalize the OSV ecosystem name back to our manager key")
	assert.Equal(t, 2024, model.PublishedAt.Year())

	var fixed []string
	require.NoError(t, json.Unmarshal([]byte(model.FixedVersions), &fixed))
	assert.Equal(t, []string{"4.17.21"}, fixed)
}

func TestAdvisoryToModelFallsBackToRawEcosystemWhenUnmapped(t *testing.T) {
	a := advisory{ecosystem: "SomeUnknownEcosystem", vuln: osvVuln{ID: "X-1"}}
	model := a.toModel()
	assert.Equal(t, "SomeUnknownEcosystem", model.Ecosystem)
}
