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
// JobRepository
// -----------------------------------------------------------------------------

type gormJobRepository struct{ db *gorm.DB }

func NewJobRepository(gdb *gorm.DB) JobRepository { return &gormJobRepository{db: gdb} }

func (r *gormJobRepository) Create(ctx context.Context, job *db.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("jobs: create: %w", err)
	}
	return nil
}

func (r *gormJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	var job db.Job
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &job, nil
}

func (r *gormJobRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	result := r.db.WithContext(ctx).Model(&db.Job{}).Where("id = ?", id).Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("jobs: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormJobRepository) List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error) {
	var jobs []db.Job
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Job{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list count: %w", err)
	}
	err := r.db.WithContext(ctx).
		Limit(opts.Limit).Offset(opts.Offset).
		Order("created_at DESC").
		Find(&jobs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}
	return jobs, total, nil
}

// -----------------------------------------------------------------------------
// ExecutionRepository
// -----------------------------------------------------------------------------

type gormExecutionRepository struct{ db *gorm.DB }

func NewExecutionRepository(gdb *gorm.DB) ExecutionRepository { return &gormExecutionRepository{db: gdb} }

func (r *gormExecutionRepository) BulkCreate(ctx context.Context, execs []db.Execution) error {
	if len(execs) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&execs).Error; err != nil {
		return fmt.Errorf("executions: bulk create: %w", err)
	}
	return nil
}

func (r *gormExecutionRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Execution, error) {
	var e db.Execution
	if err := r.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("executions: get by id: %w", err)
	}
	return &e, nil
}

func (r *gormExecutionRepository) ListByJob(ctx context.Context, jobID uuid.UUID) ([]db.Execution, error) {
	var execs []db.Execution
	if err := r.db.WithContext(ctx).Where("job_id = ?", jobID).Order("created_at ASC").Find(&execs).Error; err != nil {
		return nil, fmt.Errorf("executions: list by job: %w", err)
	}
	return execs, nil
}

func (r *gormExecutionRepository) ListPendingByJob(ctx context.Context, jobID uuid.UUID) ([]db.Execution, error) {
	var execs []db.Execution
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND status = 'pending'", jobID).
		Order("created_at ASC").
		Find(&execs).Error
	if err != nil {
		return nil, fmt.Errorf("executions: list pending by job: %w", err)
	}
	return execs, nil
}

func (r *gormExecutionRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, exitCode *int, errMsg string) error {
	updates := map[string]any{"status": status}
	if exitCode != nil {
		updates["exit_code"] = *exitCode
	}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	if status == "success" || status == "failed" || status == "aborted" {
		updates["ended_at"] = gorm.Expr("CURRENT_TIMESTAMP")
	}
	if status == "running" {
		updates["started_at"] = gorm.Expr("CURRENT_TIMESTAMP")
	}
	result := r.db.WithContext(ctx).Model(&db.Execution{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("executions: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendOutput appends chunk to the execution's output, truncating to
// maxBytes and marking the tail with a truncation notice once exceeded.
func (r *gormExecutionRepository) AppendOutput(ctx context.Context, id uuid.UUID, chunk string, maxBytes int) error {
	var e db.Execution
	if err := r.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("executions: append output lookup: %w", err)
	}

	combined := e.Output + chunk
	if len(combined) > maxBytes {
		combined = combined[:maxBytes] + "...[truncated]"
	}

	result := r.db.WithContext(ctx).Model(&db.Execution{}).Where("id = ?", id).Update("output", combined)
	if result.Error != nil {
		return fmt.Errorf("executions: append output: %w", result.Error)
	}
	return nil
}

func (r *gormExecutionRepository) BulkAbortPending(ctx context.Context, jobID uuid.UUID) (int64, error) {
	result := r.db.WithContext(ctx).Model(&db.Execution{}).
		Where("job_id = ? AND status = 'pending'", jobID).
		Updates(map[string]any{"status": "aborted", "ended_at": gorm.Expr("CURRENT_TIMESTAMP")})
	if result.Error != nil {
		return 0, fmt.Errorf("executions: bulk abort pending: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// -----------------------------------------------------------------------------
// SettingsRepository
// -----------------------------------------------------------------------------

type gormSettingsRepository struct{ db *gorm.DB }

func NewSettingsRepository(gdb *gorm.DB) SettingsRepository { return &gormSettingsRepository{db: gdb} }

func (r *gormSettingsRepository) Get(ctx context.Context, key string) (string, error) {
	var s db.Setting
	if err := r.db.WithContext(ctx).First(&s, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("settings: get: %w", err)
	}
	return string(s.Value), nil
}

func (r *gormSettingsRepository) Set(ctx context.Context, key, value string) error {
	s := db.Setting{Key: key, Value: db.EncryptedString(value)}
	err := r.db.WithContext(ctx).
		Where("key = ?", key).
		Assign(db.Setting{Value: db.EncryptedString(value)}).
		FirstOrCreate(&s).Error
	if err != nil {
		return fmt.Errorf("settings: set: %w", err)
	}
	return nil
}

func (r *gormSettingsRepository) GetAllWithPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	var settings []db.Setting
	if err := r.db.WithContext(ctx).Where("key LIKE ?", prefix+"%").Find(&settings).Error; err != nil {
		return nil, fmt.Errorf("settings: get all with prefix: %w", err)
	}
	out := make(map[string]string, len(settings))
	for _, s := range settings {
		out[s.Key] = string(s.Value)
	}
	return out, nil
}
