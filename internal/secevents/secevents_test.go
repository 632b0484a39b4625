package secevents

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arkeep-io/arkeep/server/internal/audit"
	"github.com/arkeep-io/arkeep/server/internal/db"
	"github.com/arkeep-io/arkeep/server/internal/repository"
)

// --- fakes, grounded in the pack's hand-rolled mock-repository style ---

type fakeEventRepo struct {
	byFingerprint map[string]*db.SecurityEvent
	createCalls   int
	updateCalls   int
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{byFingerprint: make(map[string]*db.SecurityEvent)}
}

func (f *fakeEventRepo) key(machineID uuid.UUID, fingerprint string) string {
	return machineID.String() + "|" + fingerprint
}

func (f *fakeEventRepo) Create(ctx context.Context, e *db.SecurityEvent) error {
	e.ID = uuid.New()
	e.UpdatedAt = time.Now()
	f.byFingerprint[f.key(e.MachineID, e.Fingerprint)] = e
	f.createCalls++
	return nil
}

func (f *fakeEventRepo) GetOpenByFingerprint(ctx context.Context, machineID uuid.UUID, fingerprint string) (*db.SecurityEvent, error) {
	e, ok := f.byFingerprint[f.key(machineID, fingerprint)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return e, nil
}

func (f *fakeEventRepo) Update(ctx context.Context, e *db.SecurityEvent) error {
	e.UpdatedAt = time.Now()
	f.byFingerprint[f.key(e.MachineID, e.Fingerprint)] = e
	f.updateCalls++
	return nil
}

func (f *fakeEventRepo) ResolveAll(ctx context.Context, machineID uuid.UUID) (int64, error) {
	var n int64
	for _, e := range f.byFingerprint {
		if e.MachineID == machineID && e.Status == "open" {
			e.Status = "resolved"
			n++
		}
	}
	return n, nil
}

func (f *fakeEventRepo) ResolveByIDs(ctx context.Context, ids []uuid.UUID) (int64, error) {
	var n int64
	for _, e := range f.byFingerprint {
		for _, id := range ids {
			if e.ID == id {
				e.Status = "resolved"
				n++
			}
		}
	}
	return n, nil
}

func (f *fakeEventRepo) ListByMachine(ctx context.Context, machineID uuid.UUID, opts repository.ListOptions) ([]db.SecurityEvent, int64, error) {
	return nil, 0, nil
}

func (f *fakeEventRepo) Acknowledge(ctx context.Context, ids []uuid.UUID) (int64, error) {
	var n int64
	for _, e := range f.byFingerprint {
		for _, id := range ids {
			if e.ID == id {
				e.Status = "ack"
				n++
			}
		}
	}
	return n, nil
}

type fakeAuditLogger struct{ entries []audit.Entry }

func (f *fakeAuditLogger) Log(ctx context.Context, e audit.Entry) { f.entries = append(f.entries, e) }

type fakePublisher struct{ published []string }

func (f *fakePublisher) Publish(msgType string, payload any) { f.published = append(f.published, msgType) }

func newTestEngine() (*Engine, *fakeEventRepo, *fakePublisher) {
	repo := newFakeEventRepo()
	pub := &fakePublisher{}
	eng := New(repo, &fakeAuditLogger{}, pub, zap.NewNop())
	return eng, repo, pub
}

func TestHandleEventCreatesOnFirstOccurrence(t *testing.T) {
	eng, repo, pub := newTestEngine()
	machineID := uuid.New()

	err := eng.HandleEvent(context.Background(), machineID, "failed_auth", "3 failed attempts", "10.0.0.5", "medium", 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.createCalls)
	assert.Contains(t, pub.published, "security_event")
}

func TestHandleEventSuppressesIntegrityWithinCooldown(t *testing.T) {
	eng, repo, pub := newTestEngine()
	machineID := uuid.New()
	ctx := context.Background()

	require.NoError(t, eng.HandleEvent(ctx, machineID, "integrity", "file changed", "usr/bin/sshd", "high", time.Hour))
	assert.Equal(t, 1, repo.createCalls)

	pub.published = nil
	require.NoError(t, eng.HandleEvent(ctx, machineID, "integrity", "file changed again", "usr/bin/sshd", "high", time.Hour))
	assert.Equal(t, 1, repo.createCalls, "second arrival within cooldown must not create a new row")
	assert.Equal(t, 0, repo.updateCalls, "suppressed update must not touch the row either")
	assert.Empty(t, pub.published, "suppressed event must not be re-broadcast")
}

func TestHandleEventNeverReopensResolvedEvent(t *testing.T) {
	eng, repo, _ := newTestEngine()
	machineID := uuid.New()
	ctx := context.Background()

	require.NoError(t, eng.HandleEvent(ctx, machineID, "drift", "config drift detected", "etc/nginx/nginx.conf", "low", 0))
	fp := fingerprintFor("drift", "config drift detected", "etc/nginx/nginx.conf")
	existing := repo.byFingerprint[repo.key(machineID, fp)]
	existing.Status = "resolved"

	require.NoError(t, eng.HandleEvent(ctx, machineID, "drift", "config drift detected again", "etc/nginx/nginx.conf", "low", 0))
	assert.Equal(t, "resolved", existing.Status, "a resolved event must never be silently reopened")
}

func TestHandleEventDeniesNoisyIntegrityPaths(t *testing.T) {
	eng, repo, _ := newTestEngine()
	err := eng.HandleEvent(context.Background(), uuid.New(), "integrity", "log rotated", "var/log/syslog", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, repo.createCalls, "deny-listed integrity paths must never reach fingerprinting")
}

func TestFingerprintFor(t *testing.T) {
	assert.Equal(t, "failed_auth:10.0.0.5", fingerprintFor("failed_auth", "ignored", "10.0.0.5"))
	assert.Equal(t, "integrity:etc/passwd", fingerprintFor("integrity", "ignored", "etc/passwd"))
	assert.Equal(t, "drift:etc/hosts", fingerprintFor("drift", "ignored", "etc/hosts"))
	assert.Equal(t, "drift:no path given", fingerprintFor("drift", "no path given", ""))
	assert.Equal(t, "vulnerability:2 packages vulnerable", fingerprintFor("vulnerability", "2 packages vulnerable", ""))
}

func TestPathDenied(t *testing.T) {
	assert.True(t, pathDenied("/var/log/syslog"))
	assert.True(t, pathDenied("var/lib/docker/containers/abc/log.json"))
	assert.False(t, pathDenied("/etc/passwd"))
}

func TestClassifyIntegritySeverity(t *testing.T) {
	assert.Equal(t, "high", classifyIntegritySeverity("/etc/passwd"))
	assert.Equal(t, "high", classifyIntegritySeverity("root/.ssh/authorized_keys"))
	assert.Equal(t, "medium", classifyIntegritySeverity("/opt/app/config.yml"))
	assert.Equal(t, "medium", classifyIntegritySeverity("home/alice/bin/evil"))
	assert.Equal(t, "low", classifyIntegritySeverity("/home/alice/notes.txt"))
}
