// Package cvemirror implements the CVE mirror and matcher (C9). Scheduled
// with gocron exactly like the teacher schedules backup policies
// (gocron.CronJob / singleton mode), but on a fixed interval rather than a
// per-policy cron string: one gocron job, a 30 s start delay, re-armed
// every CVE_SYNC_INTERVAL_SECONDS.
package cvemirror

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arkeep-io/arkeep/server/internal/apperr"
	"github.com/arkeep-io/arkeep/server/internal/db"
	"github.com/arkeep-io/arkeep/server/internal/metrics"
	"github.com/arkeep-io/arkeep/server/internal/repository"
	"github.com/arkeep-io/arkeep/server/internal/secevents"
)

// State values for the sync state machine.
const (
	stateIdle int32 = iota
	stateRunning
	stateError
)

// allowedEcosystems is the fixed package-manager allow-list this mirror
// recognizes, matching the Manager values db.Package actually stores
// (spec.md §4.6). osv.go maps each of these onto its OSV ecosystem name.
var allowedEcosystems = map[string]bool{
	"apt": true, "apk": true, "npm": true, "pypi": true, "maven": true,
	"nuget": true, "go": true, "cargo": true, "composer": true, "gem": true,
}

// Matcher syncs CVE data from OSV and recomputes VulnerabilityMatch rows.
type Matcher struct {
	cves      repository.CVERepository
	matches   repository.VulnerabilityMatchRepository
	packages  repository.PackageRepository
	secevents *secevents.Engine
	osv       *osvClient
	logger    *zap.Logger

	cron  gocron.Scheduler
	state atomic.Int32
}

// New creates a Matcher. Call Start to begin the periodic sync schedule.
func New(
	cves repository.CVERepository,
	matches repository.VulnerabilityMatchRepository,
	packages repository.PackageRepository,
	secEngine *secevents.Engine,
	logger *zap.Logger,
) (*Matcher, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("cvemirror: creating gocron scheduler: %w", err)
	}
	return &Matcher{
		cves:      cves,
		matches:   matches,
		packages:  packages,
		secevents: secEngine,
		osv:       newOSVClient(60 * time.Second),
		logger:    logger.Named("cvemirror"),
		cron:      cron,
	}, nil
}

// Start schedules the periodic sync: a 30 s start delay, then every
// intervalSeconds (default 7200 / 2h).
func (m *Matcher) Start(intervalSeconds int) error {
	interval := time.Duration(intervalSeconds) * time.Second
	_, err := m.cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if err := m.sync(ctx); err != nil {
				m.logger.Error("cvemirror: scheduled sync failed", zap.Error(err))
			}
		}),
		gocron.WithStartAt(gocron.WithStartDateTime(time.Now().Add(30*time.Second))),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("cvemirror: scheduling sync job: %w", err)
	}
	m.cron.Start()
	return nil
}

// Stop shuts down the gocron scheduler.
func (m *Matcher) Stop() error {
	return m.cron.Shutdown()
}

// TriggerSync does a compare-and-swap into the running state and returns
// ErrAlreadyRunning on contention — no second goroutine, no second job.
func (m *Matcher) TriggerSync(ctx context.Context) error {
	if !m.state.CompareAndSwap(stateIdle, stateRunning) {
		return apperr.New(apperr.KindAlreadyRunning, "CVE sync already running")
	}
	metrics.CVESyncState.Set(metrics.SyncStateValue("running"))
	defer func() { metrics.CVESyncState.Set(metrics.SyncStateValue(m.State())) }()
	defer m.state.Store(stateIdle)

	if err := m.sync(ctx); err != nil {
		m.state.Store(stateError)
		metrics.CVESyncRunsTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.CVESyncRunsTotal.WithLabelValues("ok").Inc()
	return nil
}

// State reports the current sync state as a wire string.
func (m *Matcher) State() string {
	switch m.state.Load() {
	case stateRunning:
		return "running"
	case stateError:
		return "error"
	default:
		return "idle"
	}
}

// sync discovers ecosystems in use, queries OSV in batches per ecosystem,
// and upserts the results.
func (m *Matcher) sync(ctx context.Context) error {
	ecosystems, err := m.discoverEcosystems(ctx)
	if err != nil {
		return fmt.Errorf("cvemirror: discovering ecosystems: %w", err)
	}

	for _, eco := range ecosystems {
		names, err := m.packageNamesForEcosystem(ctx, eco)
		if err != nil {
			m.logger.Warn("cvemirror: failed to list package names", zap.String("ecosystem", eco), zap.Error(err))
			continue
		}
		if len(names) == 0 {
			continue
		}

		advisories, err := m.osv.QueryBatch(ctx, eco, names)
		if err != nil {
			m.logger.Warn("cvemirror: OSV query failed", zap.String("ecosystem", eco), zap.Error(err))
			continue
		}

		for _, adv := range advisories {
			if err := m.cves.Upsert(ctx, adv.toModel()); err != nil {
				m.logger.Warn("cvemirror: failed to upsert CVE", zap.String("id", adv.ID), zap.Error(err))
			}
		}
	}

	return nil
}

// discoverEcosystems intersects the distinct package managers currently
// installed anywhere in the fleet with the fixed ecosystem allow-list.
func (m *Matcher) discoverEcosystems(ctx context.Context) ([]string, error) {
	var found []string
	for eco := range allowedEcosystems {
		pkgs, err := m.packages.ListByManager(ctx, eco)
		if err != nil {
			return nil, err
		}
		if len(pkgs) > 0 {
			found = append(found, eco)
		}
	}
	return found, nil
}

func (m *Matcher) packageNamesForEcosystem(ctx context.Context, eco string) ([]string, error) {
	pkgs, err := m.packages.ListByManager(ctx, eco)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(pkgs))
	var names []string
	for _, p := range pkgs {
		if !seen[p.Name] {
			seen[p.Name] = true
			names = append(names, p.Name)
		}
	}
	return names, nil
}

// RecomputeMatches intersects a machine's installed packages against CVEs
// sharing an ecosystem and name, persists VulnerabilityMatch rows, and
// emits the aggregate "vulnerability" security event through C10.
// Implements agentconn.VulnerabilityRecomputer.
func (m *Matcher) RecomputeMatches(ctx context.Context, machineID uuid.UUID) error {
	installed, err := m.packages.ListByMachine(ctx, machineID)
	if err != nil {
		return fmt.Errorf("cvemirror: listing installed packages: %w", err)
	}

	if err := m.matches.DeleteByMachine(ctx, machineID); err != nil {
		return fmt.Errorf("cvemirror: clearing stale matches: %w", err)
	}

	var matchCount int
	highestSeverity := ""

	for _, pkg := range installed {
		candidates, err := m.cves.ListByEcosystemAndName(ctx, pkg.Manager, pkg.Name)
		if err != nil {
			m.logger.Warn("cvemirror: listing CVE candidates failed", zap.String("package", pkg.Name), zap.Error(err))
			continue
		}
		for _, cve := range candidates {
			eco := ecosystemFor(pkg.Manager)
			if eco == nil {
				continue
			}
			if !eco.Vulnerable(pkg.Version, cve) {
				continue
			}
			match := &db.VulnerabilityMatch{MachineID: machineID, PackageID: pkg.ID, CVEID: cve.ID}
			if err := m.matches.Upsert(ctx, match); err != nil {
				m.logger.Warn("cvemirror: failed to upsert match", zap.Error(err))
				continue
			}
			matchCount++
			if severityRank(cve.Severity) > severityRank(highestSeverity) {
				highestSeverity = cve.Severity
			}
		}
	}

	if m.secevents != nil && matchCount > 0 {
		if err := m.secevents.HandleVulnerabilitySummary(ctx, machineID, matchCount, highestSeverity); err != nil {
			m.logger.Warn("cvemirror: failed to emit vulnerability event", zap.Error(err))
		}
	}

	return nil
}

func severityRank(s string) int {
	switch s {
	case "critical":
		return 4
	case "high":
		return 3
	case "medium":
		return 2
	case "low":
		return 1
	default:
		return 0
	}
}
