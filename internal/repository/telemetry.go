package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/arkeep-io/arkeep/server/internal/db"
)

// -----------------------------------------------------------------------------
// MetricRepository
// -----------------------------------------------------------------------------

type gormMetricRepository struct{ db *gorm.DB }

func NewMetricRepository(gdb *gorm.DB) MetricRepository { return &gormMetricRepository{db: gdb} }

func (r *gormMetricRepository) Create(ctx context.Context, m *db.Metric) error {
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("metrics: create: %w", err)
	}
	return nil
}

func (r *gormMetricRepository) Latest(ctx context.Context, machineID uuid.UUID) (*db.Metric, error) {
	var m db.Metric
	err := r.db.WithContext(ctx).
		Where("machine_id = ?", machineID).
		Order("recorded_at DESC").
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("metrics: latest: %w", err)
	}
	return &m, nil
}

func (r *gormMetricRepository) ListRange(ctx context.Context, machineID uuid.UUID, since time.Time) ([]db.Metric, error) {
	var metrics []db.Metric
	err := r.db.WithContext(ctx).
		Where("machine_id = ? AND recorded_at >= ?", machineID, since).
		Order("recorded_at ASC").
		Find(&metrics).Error
	if err != nil {
		return nil, fmt.Errorf("metrics: list range: %w", err)
	}
	return metrics, nil
}

func (r *gormMetricRepository) DeleteOlderThan(ctx context.Context, t time.Time) error {
	if err := r.db.WithContext(ctx).Where("recorded_at < ?", t).Delete(&db.Metric{}).Error; err != nil {
		return fmt.Errorf("metrics: delete older than: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// CommandRepository
// -----------------------------------------------------------------------------

type gormCommandRepository struct{ db *gorm.DB }

func NewCommandRepository(gdb *gorm.DB) CommandRepository { return &gormCommandRepository{db: gdb} }

func (r *gormCommandRepository) Create(ctx context.Context, c *db.Command) error {
	if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("commands: create: %w", err)
	}
	return nil
}

func (r *gormCommandRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Command, error) {
	var c db.Command
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("commands: get by id: %w", err)
	}
	return &c, nil
}

func (r *gormCommandRepository) UpdateResult(ctx context.Context, id uuid.UUID, status string, exitCode *int, output string) error {
	result := r.db.WithContext(ctx).Model(&db.Command{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "exit_code": exitCode, "output": output})
	if result.Error != nil {
		return fmt.Errorf("commands: update result: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormCommandRepository) ListByExecution(ctx context.Context, executionID uuid.UUID) ([]db.Command, error) {
	var cmds []db.Command
	if err := r.db.WithContext(ctx).Where("execution_id = ?", executionID).Find(&cmds).Error; err != nil {
		return nil, fmt.Errorf("commands: list by execution: %w", err)
	}
	return cmds, nil
}

func (r *gormCommandRepository) ListPendingByMachine(ctx context.Context, machineID uuid.UUID) ([]db.Command, error) {
	var cmds []db.Command
	err := r.db.WithContext(ctx).
		Where("machine_id = ? AND status IN ('pending','running')", machineID).
		Find(&cmds).Error
	if err != nil {
		return nil, fmt.Errorf("commands: list pending by machine: %w", err)
	}
	return cmds, nil
}

// -----------------------------------------------------------------------------
// PackageScanRepository
// -----------------------------------------------------------------------------

type gormPackageScanRepository struct{ db *gorm.DB }

func NewPackageScanRepository(gdb *gorm.DB) PackageScanRepository {
	return &gormPackageScanRepository{db: gdb}
}

func (r *gormPackageScanRepository) Create(ctx context.Context, s *db.PackageScan) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return fmt.Errorf("package_scans: create: %w", err)
	}
	return nil
}

func (r *gormPackageScanRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, total, updates, securityUpdates int) error {
	result := r.db.WithContext(ctx).Model(&db.PackageScan{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":           status,
			"total":            total,
			"updates":          updates,
			"security_updates": securityUpdates,
		})
	if result.Error != nil {
		return fmt.Errorf("package_scans: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormPackageScanRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.PackageScan, error) {
	var s db.PackageScan
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("package_scans: get by id: %w", err)
	}
	return &s, nil
}

// -----------------------------------------------------------------------------
// PackageRepository
// -----------------------------------------------------------------------------

type gormPackageRepository struct{ db *gorm.DB }

func NewPackageRepository(gdb *gorm.DB) PackageRepository { return &gormPackageRepository{db: gdb} }

// Upsert inserts or updates a package row keyed by (machine_id, name).
func (r *gormPackageRepository) Upsert(ctx context.Context, p *db.Package) error {
	var existing db.Package
	err := r.db.WithContext(ctx).
		Where("machine_id = ? AND name = ?", p.MachineID, p.Name).
		First(&existing).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := r.db.WithContext(ctx).Create(p).Error; err != nil {
			return fmt.Errorf("packages: upsert create: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("packages: upsert lookup: %w", err)
	}

	existing.Version = p.Version
	existing.Status = p.Status
	existing.ScanID = p.ScanID
	existing.LastSeen = p.LastSeen
	if err := r.db.WithContext(ctx).Save(&existing).Error; err != nil {
		return fmt.Errorf("packages: upsert update: %w", err)
	}
	*p = existing
	return nil
}

func (r *gormPackageRepository) ListByMachine(ctx context.Context, machineID uuid.UUID) ([]db.Package, error) {
	var pkgs []db.Package
	if err := r.db.WithContext(ctx).Where("machine_id = ?", machineID).Find(&pkgs).Error; err != nil {
		return nil, fmt.Errorf("packages: list by machine: %w", err)
	}
	return pkgs, nil
}

func (r *gormPackageRepository) ListByManager(ctx context.Context, manager string) ([]db.Package, error) {
	var pkgs []db.Package
	if err := r.db.WithContext(ctx).Where("manager = ?", manager).Find(&pkgs).Error; err != nil {
		return nil, fmt.Errorf("packages: list by manager: %w", err)
	}
	return pkgs, nil
}

func (r *gormPackageRepository) DeleteStaleForMachine(ctx context.Context, machineID uuid.UUID, scanID uuid.UUID) error {
	if err := r.db.WithContext(ctx).
		Where("machine_id = ? AND scan_id != ?", machineID, scanID).
		Delete(&db.Package{}).Error; err != nil {
		return fmt.Errorf("packages: delete stale: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// CVERepository
// -----------------------------------------------------------------------------

type gormCVERepository struct{ db *gorm.DB }

func NewCVERepository(gdb *gorm.DB) CVERepository { return &gormCVERepository{db: gdb} }

func (r *gormCVERepository) Upsert(ctx context.Context, c *db.CVE) error {
	var existing db.CVE
	err := r.db.WithContext(ctx).First(&existing, "id = ?", c.ID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
			return fmt.Errorf("cves: upsert create: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("cves: upsert lookup: %w", err)
	}
	c.CreatedAt = existing.CreatedAt
	if err := r.db.WithContext(ctx).Save(c).Error; err != nil {
		return fmt.Errorf("cves: upsert update: %w", err)
	}
	return nil
}

func (r *gormCVERepository) GetByID(ctx context.Context, id string) (*db.CVE, error) {
	var c db.CVE
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("cves: get by id: %w", err)
	}
	return &c, nil
}

func (r *gormCVERepository) ListByEcosystemAndName(ctx context.Context, ecosystem, name string) ([]db.CVE, error) {
	// CVE affected package names are embedded in AffectedRanges JSON, not a
	// column — the matcher filters by ecosystem here and checks name inside
	// the decoded ranges (see cvemirror.Ecosystem.Matches).
	var cves []db.CVE
	if err := r.db.WithContext(ctx).Where("ecosystem = ?", ecosystem).Find(&cves).Error; err != nil {
		return nil, fmt.Errorf("cves: list by ecosystem: %w", err)
	}
	return cves, nil
}

// -----------------------------------------------------------------------------
// VulnerabilityMatchRepository
// -----------------------------------------------------------------------------

type gormVulnerabilityMatchRepository struct{ db *gorm.DB }

func NewVulnerabilityMatchRepository(gdb *gorm.DB) VulnerabilityMatchRepository {
	return &gormVulnerabilityMatchRepository{db: gdb}
}

func (r *gormVulnerabilityMatchRepository) Upsert(ctx context.Context, m *db.VulnerabilityMatch) error {
	var existing db.VulnerabilityMatch
	err := r.db.WithContext(ctx).
		Where("machine_id = ? AND package_id = ? AND cve_id = ?", m.MachineID, m.PackageID, m.CVEID).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
			return fmt.Errorf("vulnerability_matches: upsert create: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("vulnerability_matches: upsert lookup: %w", err)
	}
	*m = existing
	return nil
}

func (r *gormVulnerabilityMatchRepository) ListByMachine(ctx context.Context, machineID uuid.UUID) ([]db.VulnerabilityMatch, error) {
	var matches []db.VulnerabilityMatch
	if err := r.db.WithContext(ctx).Where("machine_id = ?", machineID).Find(&matches).Error; err != nil {
		return nil, fmt.Errorf("vulnerability_matches: list by machine: %w", err)
	}
	return matches, nil
}

func (r *gormVulnerabilityMatchRepository) DeleteByMachine(ctx context.Context, machineID uuid.UUID) error {
	if err := r.db.WithContext(ctx).Where("machine_id = ?", machineID).Delete(&db.VulnerabilityMatch{}).Error; err != nil {
		return fmt.Errorf("vulnerability_matches: delete by machine: %w", err)
	}
	return nil
}
