// Package secevents implements the security-event engine (C10):
// fingerprinting, the upsert/suppression rule, deny-listed paths,
// integrity severity classification, and resolution.
package secevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arkeep-io/arkeep/server/internal/audit"
	"github.com/arkeep-io/arkeep/server/internal/db"
	"github.com/arkeep-io/arkeep/server/internal/repository"
)

// pathDenyList is discarded unconditionally before fingerprinting, for
// integrity events only — these paths churn constantly under normal
// operation and carry no security signal.
var pathDenyList = []string{
	"var/log",
	"var/lib/docker/containers",
	"var/cache/apt",
	"var/lib/apt",
	"var/lib/dpkg",
	"var/tmp",
	"root/.pm2/logs",
}

// highSeverityPrefixes / mediumSeverityPrefixes classify integrity events
// by the path under which the change was observed.
var highSeverityPrefixes = []string{
	"etc", "root/.ssh", "usr/bin", "usr/sbin", "sbin", "bin", "boot", "lib",
}

var mediumSeverityPrefixes = []string{
	"opt", "srv", "var/www",
}

// Publisher is the narrow surface this engine needs to push real-time
// frames to subscribed web clients. Implemented by webconn.Hub.
type Publisher interface {
	Publish(msgType string, payload any)
}

// Engine implements the fingerprint/upsert/resolve rules of spec.md §4.7.
type Engine struct {
	events repository.SecurityEventRepository
	audit  audit.Logger
	pub    Publisher
	locks  *keyLock
	logger *zap.Logger
}

// New creates an Engine.
func New(events repository.SecurityEventRepository, auditLogger audit.Logger, pub Publisher, logger *zap.Logger) *Engine {
	return &Engine{
		events: events,
		audit:  auditLogger,
		pub:    pub,
		locks:  newKeyLock(),
		logger: logger.Named("secevents"),
	}
}

// HandleEvent implements agentconn.SecurityEngine: fingerprints an
// incoming event/scan finding and applies the upsert/suppression rule.
// cooldown is 15 min when called from the scan path, 30 min from the
// direct `event` frame path (callers select the value; see spec.md §9).
func (e *Engine) HandleEvent(ctx context.Context, machineID uuid.UUID, kind, message, path, severity string, cooldown time.Duration) error {
	if kind == "integrity" && pathDenied(path) {
		return nil
	}

	fingerprint := fingerprintFor(kind, message, path)
	if kind == "integrity" && severity == "" {
		severity = classifyIntegritySeverity(path)
	}

	key := machineID.String() + "|" + fingerprint
	var upsertErr error
	e.locks.withLock(key, func() {
		upsertErr = e.upsert(ctx, machineID, kind, fingerprint, severity, message, path, cooldown)
	})
	return upsertErr
}

// upsert implements spec.md §4.7's exact rule. Must run under the
// per-(machine,fingerprint) lock held by HandleEvent.
func (e *Engine) upsert(ctx context.Context, machineID uuid.UUID, kind, fingerprint, severity, message, path string, cooldown time.Duration) error {
	existing, err := e.events.GetOpenByFingerprint(ctx, machineID, fingerprint)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("secevents: looking up existing event: %w", err)
	}

	data, _ := json.Marshal(map[string]string{"fingerprint": fingerprint, "path": path})

	if existing == nil {
		row := &db.SecurityEvent{
			MachineID:   machineID,
			Type:        kind,
			Fingerprint: fingerprint,
			Severity:    severity,
			Message:     message,
			Data:        string(data),
			Status:      "open",
		}
		if err := e.events.Create(ctx, row); err != nil {
			return fmt.Errorf("secevents: creating event: %w", err)
		}
		e.notify("security_event", row)
		return nil
	}

	// User decision wins: a resolved or acked event is never silently
	// reopened by a re-arriving fingerprint.
	if existing.Status == "resolved" || existing.Status == "ack" {
		existing.Severity = severity
		existing.Message = message
		existing.Data = string(data)
		if err := e.events.Update(ctx, existing); err != nil {
			return fmt.Errorf("secevents: updating preserved-status event: %w", err)
		}
		return nil
	}

	// Status is open. Integrity events within the cooldown window are
	// suppressed entirely (no field update, no emission) to avoid
	// re-notifying on every scan.
	if kind == "integrity" && time.Since(existing.UpdatedAt) < cooldown {
		return nil
	}

	existing.Severity = severity
	existing.Message = message
	existing.Data = string(data)
	if err := e.events.Update(ctx, existing); err != nil {
		return fmt.Errorf("secevents: updating open event: %w", err)
	}
	e.notify("security_event", existing)
	return nil
}

// HandleVulnerabilitySummary emits an aggregate "vulnerability" security
// event after C9 recomputes VulnerabilityMatch rows for a machine.
// Implements cvemirror's secevents dependency.
func (e *Engine) HandleVulnerabilitySummary(ctx context.Context, machineID uuid.UUID, matchCount int, highestSeverity string) error {
	message := fmt.Sprintf("%d known-vulnerable package(s) detected", matchCount)
	severity := highestSeverity
	if severity == "" {
		severity = "low"
	}
	return e.HandleEvent(ctx, machineID, "vulnerability", message, "", severity, 0)
}

// ResolveAll flips every open/ack event on a machine to resolved.
func (e *Engine) ResolveAll(ctx context.Context, machineID uuid.UUID) (int64, error) {
	n, err := e.events.ResolveAll(ctx, machineID)
	if err != nil {
		return 0, fmt.Errorf("secevents: resolving all: %w", err)
	}
	e.notify("security_events_resolved", map[string]any{"machineId": machineID, "count": n})
	return n, nil
}

// ResolvePartial resolves a specific id list.
func (e *Engine) ResolvePartial(ctx context.Context, ids []uuid.UUID) (int64, error) {
	n, err := e.events.ResolveByIDs(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("secevents: resolving subset: %w", err)
	}
	e.notify("security_events_resolved", map[string]any{"ids": ids, "count": n})
	return n, nil
}

// Acknowledge flips a specific id list to ack, which upsert then preserves
// the same way it preserves resolved.
func (e *Engine) Acknowledge(ctx context.Context, ids []uuid.UUID) (int64, error) {
	n, err := e.events.Acknowledge(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("secevents: acknowledging: %w", err)
	}
	e.notify("security_events_acknowledged", map[string]any{"ids": ids, "count": n})
	return n, nil
}

// List returns a machine's security events, newest first.
func (e *Engine) List(ctx context.Context, machineID uuid.UUID, opts repository.ListOptions) ([]db.SecurityEvent, int64, error) {
	return e.events.ListByMachine(ctx, machineID, opts)
}

func (e *Engine) notify(msgType string, payload any) {
	if e.pub != nil {
		e.pub.Publish(msgType, payload)
	}
}

// fingerprintFor implements spec.md §4.7's fingerprint computation.
func fingerprintFor(kind, message, path string) string {
	switch kind {
	case "failed_auth":
		// path carries the source IP for this event kind — there is no
		// dedicated column, and agents report it in the same field used
		// for integrity's filesystem path.
		return "failed_auth:" + path
	case "integrity":
		return "integrity:" + path
	case "drift":
		subject := path
		if subject == "" {
			subject = message
		}
		return "drift:" + subject
	default:
		return kind + ":" + message
	}
}

func pathDenied(path string) bool {
	trimmed := strings.TrimPrefix(path, "/")
	for _, denied := range pathDenyList {
		if strings.HasPrefix(trimmed, denied) {
			return true
		}
	}
	return false
}

func classifyIntegritySeverity(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	for _, prefix := range highSeverityPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return "high"
		}
	}
	if strings.HasPrefix(trimmed, "home/") && strings.Contains(trimmed, "/bin") {
		return "medium"
	}
	for _, prefix := range mediumSeverityPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return "medium"
		}
	}
	return "low"
}
