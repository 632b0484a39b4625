package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/arkeep-io/arkeep/server/internal/db"
)

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// UserRepository
// -----------------------------------------------------------------------------

type UserRepository interface {
	Create(ctx context.Context, user *db.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetByUsername(ctx context.Context, username string) (*db.User, error)
	GetByOIDC(ctx context.Context, provider, sub string) (*db.User, error)
	Update(ctx context.Context, user *db.User) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.User, int64, error)
}

// -----------------------------------------------------------------------------
// RefreshTokenRepository
// -----------------------------------------------------------------------------

type RefreshTokenRepository interface {
	Create(ctx context.Context, token *db.RefreshToken) error
	GetByHash(ctx context.Context, hash string) (*db.RefreshToken, error)
	DeleteByHash(ctx context.Context, hash string) error
	Revoke(ctx context.Context, id uuid.UUID) error
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) error
	DeleteExpired(ctx context.Context) error
}

// -----------------------------------------------------------------------------
// OIDCProviderRepository
// -----------------------------------------------------------------------------

type OIDCProviderRepository interface {
	Create(ctx context.Context, provider *db.OIDCProvider) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.OIDCProvider, error)
	GetEnabled(ctx context.Context) (*db.OIDCProvider, error)
	Update(ctx context.Context, provider *db.OIDCProvider) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// -----------------------------------------------------------------------------
// MachineRepository
// -----------------------------------------------------------------------------

type MachineRepository interface {
	Create(ctx context.Context, m *db.Machine) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Machine, error)
	GetBySecretHash(ctx context.Context, hash string) (*db.Machine, error)
	GetByHostname(ctx context.Context, hostname string) (*db.Machine, error)
	Update(ctx context.Context, m *db.Machine) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, lastSeenAt time.Time) error
	MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Machine, int64, error)
}

// -----------------------------------------------------------------------------
// UserMachineAccessRepository
// -----------------------------------------------------------------------------

type UserMachineAccessRepository interface {
	Grant(ctx context.Context, a *db.UserMachineAccess) error
	Revoke(ctx context.Context, userID, machineID uuid.UUID) error
	Has(ctx context.Context, userID, machineID uuid.UUID) (bool, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]db.UserMachineAccess, error)
}

// -----------------------------------------------------------------------------
// SessionRepository (C7 secure-envelope capability grants)
// -----------------------------------------------------------------------------

type SessionRepository interface {
	Create(ctx context.Context, s *db.Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Session, error)
	Revoke(ctx context.Context, id uuid.UUID) error
	MarkReauthed(ctx context.Context, id uuid.UUID, at time.Time) error
	DeleteExpired(ctx context.Context) error
}

// -----------------------------------------------------------------------------
// MetricRepository
// -----------------------------------------------------------------------------

type MetricRepository interface {
	Create(ctx context.Context, m *db.Metric) error
	Latest(ctx context.Context, machineID uuid.UUID) (*db.Metric, error)
	ListRange(ctx context.Context, machineID uuid.UUID, since time.Time) ([]db.Metric, error)
	DeleteOlderThan(ctx context.Context, t time.Time) error
}

// -----------------------------------------------------------------------------
// CommandRepository
// -----------------------------------------------------------------------------

type CommandRepository interface {
	Create(ctx context.Context, c *db.Command) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Command, error)
	UpdateResult(ctx context.Context, id uuid.UUID, status string, exitCode *int, output string) error
	ListByExecution(ctx context.Context, executionID uuid.UUID) ([]db.Command, error)
	ListPendingByMachine(ctx context.Context, machineID uuid.UUID) ([]db.Command, error)
}

// -----------------------------------------------------------------------------
// PackageScanRepository / PackageRepository
// -----------------------------------------------------------------------------

type PackageScanRepository interface {
	Create(ctx context.Context, s *db.PackageScan) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, total, updates, securityUpdates int) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.PackageScan, error)
}

type PackageRepository interface {
	Upsert(ctx context.Context, p *db.Package) error
	ListByMachine(ctx context.Context, machineID uuid.UUID) ([]db.Package, error)
	ListByManager(ctx context.Context, manager string) ([]db.Package, error)
	DeleteStaleForMachine(ctx context.Context, machineID uuid.UUID, scanID uuid.UUID) error
}

// -----------------------------------------------------------------------------
// CVERepository / VulnerabilityMatchRepository
// -----------------------------------------------------------------------------

type CVERepository interface {
	Upsert(ctx context.Context, c *db.CVE) error
	GetByID(ctx context.Context, id string) (*db.CVE, error)
	ListByEcosystemAndName(ctx context.Context, ecosystem, name string) ([]db.CVE, error)
}

type VulnerabilityMatchRepository interface {
	Upsert(ctx context.Context, m *db.VulnerabilityMatch) error
	ListByMachine(ctx context.Context, machineID uuid.UUID) ([]db.VulnerabilityMatch, error)
	DeleteByMachine(ctx context.Context, machineID uuid.UUID) error
}

// -----------------------------------------------------------------------------
// SecurityEventRepository
// -----------------------------------------------------------------------------

type SecurityEventRepository interface {
	Create(ctx context.Context, e *db.SecurityEvent) error
	GetOpenByFingerprint(ctx context.Context, machineID uuid.UUID, fingerprint string) (*db.SecurityEvent, error)
	Update(ctx context.Context, e *db.SecurityEvent) error
	ResolveAll(ctx context.Context, machineID uuid.UUID) (int64, error)
	ResolveByIDs(ctx context.Context, ids []uuid.UUID) (int64, error)
	Acknowledge(ctx context.Context, ids []uuid.UUID) (int64, error)
	ListByMachine(ctx context.Context, machineID uuid.UUID, opts ListOptions) ([]db.SecurityEvent, int64, error)
}

// -----------------------------------------------------------------------------
// AuditLogRepository
// -----------------------------------------------------------------------------

type AuditLogRepository interface {
	Create(ctx context.Context, e *db.AuditLog) error
	List(ctx context.Context, opts ListOptions) ([]db.AuditLog, int64, error)
}

// -----------------------------------------------------------------------------
// JobRepository / ExecutionRepository
// -----------------------------------------------------------------------------

type JobRepository interface {
	Create(ctx context.Context, job *db.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error)
}

type ExecutionRepository interface {
	BulkCreate(ctx context.Context, execs []db.Execution) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Execution, error)
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]db.Execution, error)
	ListPendingByJob(ctx context.Context, jobID uuid.UUID) ([]db.Execution, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, exitCode *int, errMsg string) error
	AppendOutput(ctx context.Context, id uuid.UUID, chunk string, maxBytes int) error
	BulkAbortPending(ctx context.Context, jobID uuid.UUID) (int64, error)
}

// -----------------------------------------------------------------------------
// SettingsRepository
// -----------------------------------------------------------------------------

type SettingsRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	GetAllWithPrefix(ctx context.Context, prefix string) (map[string]string, error)
}
