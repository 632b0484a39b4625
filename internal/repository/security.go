package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/arkeep-io/arkeep/server/internal/db"
)

// -----------------------------------------------------------------------------
// SecurityEventRepository
// -----------------------------------------------------------------------------

type gormSecurityEventRepository struct{ db *gorm.DB }

func NewSecurityEventRepository(gdb *gorm.DB) SecurityEventRepository {
	return &gormSecurityEventRepository{db: gdb}
}

func (r *gormSecurityEventRepository) Create(ctx context.Context, e *db.SecurityEvent) error {
	if err := r.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("security_events: create: %w", err)
	}
	return nil
}

// GetOpenByFingerprint returns the most recent event for a machine+fingerprint
// pair regardless of status, or ErrNotFound if none exists. Callers use this
// to decide between preserving a resolved/acked row, updating an open one, or
// creating a new one; the at-most-one-non-resolved invariant is enforced by
// the caller holding the per-fingerprint lock, not by this query.
func (r *gormSecurityEventRepository) GetOpenByFingerprint(ctx context.Context, machineID uuid.UUID, fingerprint string) (*db.SecurityEvent, error) {
	var e db.SecurityEvent
	err := r.db.WithContext(ctx).
		Where("machine_id = ? AND fingerprint = ?", machineID, fingerprint).
		Order("created_at DESC").
		First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("security_events: get open by fingerprint: %w", err)
	}
	return &e, nil
}

func (r *gormSecurityEventRepository) Update(ctx context.Context, e *db.SecurityEvent) error {
	result := r.db.WithContext(ctx).Save(e)
	if result.Error != nil {
		return fmt.Errorf("security_events: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormSecurityEventRepository) ResolveAll(ctx context.Context, machineID uuid.UUID) (int64, error) {
	result := r.db.WithContext(ctx).Model(&db.SecurityEvent{}).
		Where("machine_id = ? AND status != 'resolved'", machineID).
		Updates(map[string]any{"status": "resolved", "resolved_at": gorm.Expr("CURRENT_TIMESTAMP")})
	if result.Error != nil {
		return 0, fmt.Errorf("security_events: resolve all: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *gormSecurityEventRepository) ResolveByIDs(ctx context.Context, ids []uuid.UUID) (int64, error) {
	result := r.db.WithContext(ctx).Model(&db.SecurityEvent{}).
		Where("id IN ?", ids).
		Updates(map[string]any{"status": "resolved", "resolved_at": gorm.Expr("CURRENT_TIMESTAMP")})
	if result.Error != nil {
		return 0, fmt.Errorf("security_events: resolve by ids: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *gormSecurityEventRepository) Acknowledge(ctx context.Context, ids []uuid.UUID) (int64, error) {
	result := r.db.WithContext(ctx).Model(&db.SecurityEvent{}).
		Where("id IN ? AND status = 'open'", ids).
		Updates(map[string]any{"status": "ack"})
	if result.Error != nil {
		return 0, fmt.Errorf("security_events: acknowledge: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *gormSecurityEventRepository) ListByMachine(ctx context.Context, machineID uuid.UUID, opts ListOptions) ([]db.SecurityEvent, int64, error) {
	var events []db.SecurityEvent
	var total int64

	q := r.db.WithContext(ctx).Model(&db.SecurityEvent{}).Where("machine_id = ?", machineID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("security_events: list count: %w", err)
	}
	err := r.db.WithContext(ctx).
		Where("machine_id = ?", machineID).
		Limit(opts.Limit).Offset(opts.Offset).
		Order("created_at DESC").
		Find(&events).Error
	if err != nil {
		return nil, 0, fmt.Errorf("security_events: list by machine: %w", err)
	}
	return events, total, nil
}

// -----------------------------------------------------------------------------
// AuditLogRepository
// -----------------------------------------------------------------------------

type gormAuditLogRepository struct{ db *gorm.DB }

func NewAuditLogRepository(gdb *gorm.DB) AuditLogRepository { return &gormAuditLogRepository{db: gdb} }

func (r *gormAuditLogRepository) Create(ctx context.Context, e *db.AuditLog) error {
	if err := r.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("audit_logs: create: %w", err)
	}
	return nil
}

func (r *gormAuditLogRepository) List(ctx context.Context, opts ListOptions) ([]db.AuditLog, int64, error) {
	var entries []db.AuditLog
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.AuditLog{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("audit_logs: list count: %w", err)
	}
	err := r.db.WithContext(ctx).
		Limit(opts.Limit).Offset(opts.Offset).
		Order("created_at DESC").
		Find(&entries).Error
	if err != nil {
		return nil, 0, fmt.Errorf("audit_logs: list: %w", err)
	}
	return entries, total, nil
}
