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

type gormMachineRepository struct{ db *gorm.DB }

// NewMachineRepository returns a MachineRepository backed by the provided *gorm.DB.
func NewMachineRepository(gdb *gorm.DB) MachineRepository { return &gormMachineRepository{db: gdb} }

func (r *gormMachineRepository) Create(ctx context.Context, m *db.Machine) error {
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("machines: create: %w", err)
	}
	return nil
}

func (r *gormMachineRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Machine, error) {
	var m db.Machine
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("machines: get by id: %w", err)
	}
	return &m, nil
}

func (r *gormMachineRepository) GetBySecretHash(ctx context.Context, hash string) (*db.Machine, error) {
	var m db.Machine
	if err := r.db.WithContext(ctx).First(&m, "secret_hash = ?", hash).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("machines: get by secret hash: %w", err)
	}
	return &m, nil
}

func (r *gormMachineRepository) GetByHostname(ctx context.Context, hostname string) (*db.Machine, error) {
	var m db.Machine
	if err := r.db.WithContext(ctx).First(&m, "hostname = ?", hostname).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("machines: get by hostname: %w", err)
	}
	return &m, nil
}

func (r *gormMachineRepository) Update(ctx context.Context, m *db.Machine) error {
	result := r.db.WithContext(ctx).Save(m)
	if result.Error != nil {
		return fmt.Errorf("machines: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormMachineRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, lastSeenAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&db.Machine{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "last_seen_at": lastSeenAt})
	if result.Error != nil {
		return fmt.Errorf("machines: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkStaleOffline flips every machine still marked "online" whose
// last_seen_at predates cutoff to "offline", and returns the IDs of the
// rows changed so the caller can invalidate statecache.Cache for exactly
// those machines. Used by fleetd's heartbeat liveness sweep (spec.md §4.2).
func (r *gormMachineRepository) MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	var stale []db.Machine
	if err := r.db.WithContext(ctx).Model(&db.Machine{}).
		Where("status = ? AND last_seen_at < ?", "online", cutoff).
		Find(&stale).Error; err != nil {
		return nil, fmt.Errorf("machines: mark stale offline: %w", err)
	}
	if len(stale) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(stale))
	for i, m := range stale {
		ids[i] = m.ID
	}

	if err := r.db.WithContext(ctx).Model(&db.Machine{}).
		Where("id IN ?", ids).
		Update("status", "offline").Error; err != nil {
		return nil, fmt.Errorf("machines: mark stale offline: %w", err)
	}
	return ids, nil
}

func (r *gormMachineRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Machine{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("machines: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormMachineRepository) List(ctx context.Context, opts ListOptions) ([]db.Machine, int64, error) {
	var machines []db.Machine
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Machine{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("machines: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).Offset(opts.Offset).
		Order("created_at ASC").
		Find(&machines).Error; err != nil {
		return nil, 0, fmt.Errorf("machines: list: %w", err)
	}
	return machines, total, nil
}

// -----------------------------------------------------------------------------
// UserMachineAccessRepository
// -----------------------------------------------------------------------------

type gormUserMachineAccessRepository struct{ db *gorm.DB }

func NewUserMachineAccessRepository(gdb *gorm.DB) UserMachineAccessRepository {
	return &gormUserMachineAccessRepository{db: gdb}
}

func (r *gormUserMachineAccessRepository) Grant(ctx context.Context, a *db.UserMachineAccess) error {
	if err := r.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("user_machine_access: grant: %w", err)
	}
	return nil
}

func (r *gormUserMachineAccessRepository) Revoke(ctx context.Context, userID, machineID uuid.UUID) error {
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND machine_id = ?", userID, machineID).
		Delete(&db.UserMachineAccess{}).Error; err != nil {
		return fmt.Errorf("user_machine_access: revoke: %w", err)
	}
	return nil
}

func (r *gormUserMachineAccessRepository) Has(ctx context.Context, userID, machineID uuid.UUID) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&db.UserMachineAccess{}).
		Where("user_id = ? AND machine_id = ?", userID, machineID).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("user_machine_access: has: %w", err)
	}
	return count > 0, nil
}

func (r *gormUserMachineAccessRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]db.UserMachineAccess, error) {
	var grants []db.UserMachineAccess
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Find(&grants).Error; err != nil {
		return nil, fmt.Errorf("user_machine_access: list by user: %w", err)
	}
	return grants, nil
}

// -----------------------------------------------------------------------------
// SessionRepository
// -----------------------------------------------------------------------------

type gormSessionRepository struct{ db *gorm.DB }

func NewSessionRepository(gdb *gorm.DB) SessionRepository { return &gormSessionRepository{db: gdb} }

func (r *gormSessionRepository) Create(ctx context.Context, s *db.Session) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return fmt.Errorf("sessions: create: %w", err)
	}
	return nil
}

func (r *gormSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Session, error) {
	var s db.Session
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sessions: get by id: %w", err)
	}
	return &s, nil
}

func (r *gormSessionRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Model(&db.Session{}).
		Where("id = ?", id).
		Update("revoked_at", gorm.Expr("CURRENT_TIMESTAMP"))
	if result.Error != nil {
		return fmt.Errorf("sessions: revoke: %w", result.Error)
	}
	return nil
}

func (r *gormSessionRepository) MarkReauthed(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&db.Session{}).
		Where("id = ?", id).
		Update("reauthed_at", at)
	if result.Error != nil {
		return fmt.Errorf("sessions: mark reauthed: %w", result.Error)
	}
	return nil
}

func (r *gormSessionRepository) DeleteExpired(ctx context.Context) error {
	if err := r.db.WithContext(ctx).
		Where("expires_at < CURRENT_TIMESTAMP").
		Delete(&db.Session{}).Error; err != nil {
		return fmt.Errorf("sessions: delete expired: %w", err)
	}
	return nil
}
