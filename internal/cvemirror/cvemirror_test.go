package cvemirror

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arkeep-io/arkeep/server/internal/audit"
	"github.com/arkeep-io/arkeep/server/internal/db"
	"github.com/arkeep-io/arkeep/server/internal/repository"
	"github.com/arkeep-io/arkeep/server/internal/secevents"
)

type fakeCVERepo struct {
	byEcosystemName map[string][]db.CVE
	upserted        []*db.CVE
}

func (f *fakeCVERepo) Upsert(ctx context.Context, c *db.CVE) error {
	f.upserted = append(f.upserted, c)
	return nil
}

func (f *fakeCVERepo) GetByID(ctx context.Context, id string) (*db.CVE, error) { return nil, nil }

func (f *fakeCVERepo) ListByEcosystemAndName(ctx context.Context, ecosystem, name string) ([]db.CVE, error) {
	return f.byEcosystemName[ecosystem+"|"+name], nil
}

type fakeMatchRepo struct {
	upserted []*db.VulnerabilityMatch
	deleted  []uuid.UUID
}

func (f *fakeMatchRepo) Upsert(ctx context.Context, m *db.VulnerabilityMatch) error {
	f.upserted = append(f.upserted, m)
	return nil
}

func (f *fakeMatchRepo) ListByMachine(ctx context.Context, machineID uuid.UUID) ([]db.VulnerabilityMatch, error) {
	return nil, nil
}

func (f *fakeMatchRepo) DeleteByMachine(ctx context.Context, machineID uuid.UUID) error {
	f.deleted = append(f.deleted, machineID)
	return nil
}

type fakePackageRepo struct {
	byMachine map[uuid.UUID][]db.Package
	byManager map[string][]db.Package
}

func (f *fakePackageRepo) Upsert(ctx context.Context, p *db.Package) error { return nil }

func (f *fakePackageRepo) ListByMachine(ctx context.Context, machineID uuid.UUID) ([]db.Package, error) {
	return f.byMachine[machineID], nil
}

func (f *fakePackageRepo) ListByManager(ctx context.Context, manager string) ([]db.Package, error) {
	return f.byManager[manager], nil
}

func (f *fakePackageRepo) DeleteStaleForMachine(ctx context.Context, machineID uuid.UUID, scanID uuid.UUID) error {
	return nil
}

func newTestMatcher(t *testing.T) (*Matcher, *fakeCVERepo, *fakeMatchRepo, *fakePackageRepo) {
	cves := &fakeCVERepo{byEcosystemName: make(map[string][]db.CVE)}
	matches := &fakeMatchRepo{}
	pkgs := &fakePackageRepo{byMachine: make(map[uuid.UUID][]db.Package), byManager: make(map[string][]db.Package)}
	eng := secevents.New(&noopSecEventRepo{}, &noopAuditLogger{}, &noopPublisher{}, zap.NewNop())

	m, err := New(cves, matches, pkgs, eng, zap.NewNop())
	require.NoError(t, err)
	return m, cves, matches, pkgs
}

func TestDiscoverEcosystemsIntersectsAllowList(t *testing.T) {
	m, _, _, pkgs := newTestMatcher(t)
	pkgs.byManager["npm"] = []db.Package{{Manager: "npm", Name: "left-pad"}}
	pkgs.byManager["rpm"] = []db.Package{{Manager: "rpm", Name: "glibc"}}

	found, err := m.discoverEcosystems(context.Background())
	require.NoError(t, err)
	assert.Contains(t, found, "npm")
	assert.NotContains(t, found, "rpm", "rpm is not in the fixed ecosystem allow-list")
}

func TestPackageNamesForEcosystemDeduplicates(t *testing.T) {
	m, _, _, pkgs := newTestMatcher(t)
	pkgs.byManager["npm"] = []db.Package{
		{Manager: "npm", Name: "left-pad"},
		{Manager: "npm", Name: "left-pad"},
		{Manager: "npm", Name: "chalk"},
	}

	names, err := m.packageNamesForEcosystem(context.Background(), "npm")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"left-pad", "chalk"}, names)
}

func TestRecomputeMatchesClearsStaleAndUpsertsMatches(t *testing.T) {
	m, cves, matches, pkgs := newTestMatcher(t)
	machineID := uuid.New()
	pkgID := uuid.New()

	pkgs.byMachine[machineID] = []db.Package{{ID: pkgID, Manager: "npm", Name: "left-pad", Version: "1.0.0"}}
	cves.byEcosystemName["npm|left-pad"] = []db.CVE{
		{ID: "GHSA-xxxx", Severity: "high", FixedVersions: `["1.1.0"]`},
	}

	err := m.RecomputeMatches(context.Background(), machineID)
	require.NoError(t, err)

	assert.Contains(t, matches.deleted, machineID)
	require.Len(t, matches.upserted, 1)
	assert.Equal(t, pkgID, matches.upserted[0].PackageID)
}

func TestRecomputeMatchesSkipsPatchedPackages(t *testing.T) {
	m, cves, matches, pkgs := newTestMatcher(t)
	machineID := uuid.New()

	pkgs.byMachine[machineID] = []db.Package{{ID: uuid.New(), Manager: "npm", Name: "left-pad", Version: "2.0.0"}}
	cves.byEcosystemName["npm|left-pad"] = []db.CVE{
		{ID: "GHSA-xxxx", Severity: "high", FixedVersions: `["1.1.0"]`},
	}

	err := m.RecomputeMatches(context.Background(), machineID)
	require.NoError(t, err)
	assert.Empty(t, matches.upserted)
}

func TestSeverityRankOrdering(t *testing.T) {
	assert.Greater(t, severityRank("critical"), severityRank("high"))
	assert.Greater(t, severityRank("high"), severityRank("medium"))
	assert.Greater(t, severityRank("medium"), severityRank("low"))
	assert.Equal(t, 0, severityRank("unknown"))
}

// --- minimal secevents dependency fakes, just enough to build an Engine ---

type noopSecEventRepo struct{}

func (noopSecEventRepo) Create(ctx context.Context, e *db.SecurityEvent) error { return nil }
func (noopSecEventRepo) GetOpenByFingerprint(ctx context.Context, machineID uuid.UUID, fingerprint string) (*db.SecurityEvent, error) {
	return nil, nil
}
func (noopSecEventRepo) Update(ctx context.Context, e *db.SecurityEvent) error { return nil }
func (noopSecEventRepo) ResolveAll(ctx context.Context, machineID uuid.UUID) (int64, error) {
	return 0, nil
}
func (noopSecEventRepo) ResolveByIDs(ctx context.Context, ids []uuid.UUID) (int64, error) {
	return 0, nil
}
func (noopSecEventRepo) ListByMachine(ctx context.Context, machineID uuid.UUID, opts repository.ListOptions) ([]db.SecurityEvent, int64, error) {
	return nil, 0, nil
}

type noopAuditLogger struct{}

func (noopAuditLogger) Log(ctx context.Context, e audit.Entry) {}

type noopPublisher struct{}

func (noopPublisher) Publish(msgType string, payload any) {}
