// Package audit provides the single append-only audit trail for the fleet
// server. Every login, security verification failure, bulk-job lifecycle
// transition, terminal session event, and admin CRUD action is logged here.
// Write failures never propagate to the originating request — they are
// logged to zap at Warn and swallowed.
package audit

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arkeep-io/arkeep/server/internal/db"
	"github.com/arkeep-io/arkeep/server/internal/repository"
)

// Severity levels recorded on an audit entry.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Entry describes one audit event to be recorded.
type Entry struct {
	Action    string
	UserID    *uuid.UUID
	MachineID *uuid.UUID
	Severity  string
	Details   any
}

// Logger records audit entries. The only implementation is the GORM-backed
// one below; it is an interface so callers in other packages can be tested
// against a fake without a database.
type Logger interface {
	Log(ctx context.Context, e Entry)
}

// gormLogger is the GORM-backed append-only Logger implementation.
type gormLogger struct {
	repo   repository.AuditLogRepository
	logger *zap.Logger
}

// New creates a Logger backed by the given repository.
func New(repo repository.AuditLogRepository, logger *zap.Logger) Logger {
	return &gormLogger{repo: repo, logger: logger.Named("audit")}
}

// Log serializes e.Details to JSON and persists the entry. On failure it
// logs a warning and returns — audit logging never fails the originating
// request.
func (l *gormLogger) Log(ctx context.Context, e Entry) {
	detailsJSON, err := json.Marshal(e.Details)
	if err != nil {
		l.logger.Warn("failed to marshal audit details", zap.String("action", e.Action), zap.Error(err))
		detailsJSON = []byte("{}")
	}

	severity := e.Severity
	if severity == "" {
		severity = SeverityInfo
	}

	row := &db.AuditLog{
		Action:    e.Action,
		UserID:    e.UserID,
		MachineID: e.MachineID,
		Severity:  severity,
		Details:   string(detailsJSON),
	}

	if err := l.repo.Create(ctx, row); err != nil {
		l.logger.Warn("failed to write audit log entry",
			zap.String("action", e.Action),
			zap.Error(err),
		)
	}
}
