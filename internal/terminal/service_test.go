package terminal

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkeep-io/arkeep/server/internal/apperr"
	"github.com/arkeep-io/arkeep/server/internal/audit"
	"github.com/arkeep-io/arkeep/server/internal/db"
	"github.com/arkeep-io/arkeep/server/internal/repository"
)

// --- fakes, grounded in the pack's hand-rolled mock-repository style ---

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*db.Session
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[uuid.UUID]*db.Session)}
}

func (f *fakeSessionRepo) Create(ctx context.Context, s *db.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeSessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*db.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessionRepo) Revoke(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		now := time.Now()
		s.RevokedAt = &now
	}
	return nil
}

func (f *fakeSessionRepo) MarkReauthed(ctx context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		s.ReauthedAt = &at
	}
	return nil
}

func (f *fakeSessionRepo) DeleteExpired(ctx context.Context) error { return nil }

type fakeMachineRepo struct {
	mu       sync.Mutex
	machines map[uuid.UUID]*db.Machine
}

func newFakeMachineRepo() *fakeMachineRepo {
	return &fakeMachineRepo{machines: make(map[uuid.UUID]*db.Machine)}
}

func (f *fakeMachineRepo) Create(ctx context.Context, m *db.Machine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	f.machines[m.ID] = m
	return nil
}

func (f *fakeMachineRepo) GetByID(ctx context.Context, id uuid.UUID) (*db.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.machines[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMachineRepo) GetBySecretHash(ctx context.Context, hash string) (*db.Machine, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeMachineRepo) GetByHostname(ctx context.Context, hostname string) (*db.Machine, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeMachineRepo) Update(ctx context.Context, m *db.Machine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *m
	f.machines[m.ID] = &cp
	return nil
}

func (f *fakeMachineRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status string, lastSeenAt time.Time) error {
	return nil
}

func (f *fakeMachineRepo) MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	return nil, nil
}

func (f *fakeMachineRepo) Delete(ctx context.Context, id uuid.UUID) error { return nil }

func (f *fakeMachineRepo) List(ctx context.Context, opts repository.ListOptions) ([]db.Machine, int64, error) {
	return nil, 0, nil
}

type fakeAccessRepo struct{}

func (f *fakeAccessRepo) Grant(ctx context.Context, a *db.UserMachineAccess) error { return nil }

func (f *fakeAccessRepo) Revoke(ctx context.Context, userID, machineID uuid.UUID) error { return nil }

func (f *fakeAccessRepo) Has(ctx context.Context, userID, machineID uuid.UUID) (bool, error) {
	return true, nil
}

func (f *fakeAccessRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]db.UserMachineAccess, error) {
	return nil, nil
}

type fakeAuditLogger struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (f *fakeAuditLogger) Log(ctx context.Context, e audit.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
}

// --- harness ---

// testMachineKeyHex is already in normalized 64-hex form, so machineKey
// never triggers the legacy-secret-upgrade path during these tests.
const testMachineKeyHex = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

type testHarness struct {
	svc      *Service
	sessions *fakeSessionRepo
	machine  *db.Machine
}

func newTestHarness(t *testing.T, tokensPerSec float64, burst int) *testHarness {
	t.Helper()
	sessions := newFakeSessionRepo()
	machines := newFakeMachineRepo()

	machine := &db.Machine{Hostname: "web-1", SharedSecret: db.EncryptedString(testMachineKeyHex)}
	machine.ID = uuid.New()
	require.NoError(t, machines.Create(context.Background(), machine))

	svc := NewService(sessions, machines, &fakeAccessRepo{}, nil, &fakeAuditLogger{}, tokensPerSec, burst)
	return &testHarness{svc: svc, sessions: sessions, machine: machine}
}

func (h *testHarness) newSession(t *testing.T, caps []string, expiresIn time.Duration, reauthedAt *time.Time) uuid.UUID {
	t.Helper()
	capsJSON, err := json.Marshal(caps)
	require.NoError(t, err)
	row := &db.Session{
		UserID:       uuid.New(),
		MachineID:    h.machine.ID,
		Capabilities: string(capsJSON),
		IssuedAt:     time.Now().UTC(),
		ExpiresAt:    time.Now().UTC().Add(expiresIn),
		ReauthedAt:   reauthedAt,
	}
	require.NoError(t, h.sessions.Create(context.Background(), row))
	return row.ID
}

func (h *testHarness) key() []byte { return []byte(testMachineKeyHex) }

func signedEnvelope(envType, sessionID, machineID string, payload any, nonce string, ts int64, key []byte) Envelope {
	data, _ := json.Marshal(payload)
	e := Envelope{Type: envType, SessionID: sessionID, MachineID: machineID, Payload: data, Nonce: nonce, Timestamp: ts}
	return Sign(e, key)
}

// --- Verify end-to-end, one failure mode per test ---

func TestVerifySucceedsOnFullyValidEnvelope(t *testing.T) {
	h := newTestHarness(t, 100, 100)
	sessionID := h.newSession(t, []string{CapTerminalInput}, time.Hour, nil)

	e := signedEnvelope("terminal_input", sessionID.String(), h.machine.ID.String(),
		map[string]string{"input": "ls -la\n"}, "nonce-1", time.Now().Unix(), h.key())

	assert.NoError(t, h.svc.Verify(e, CapTerminalInput))
}

func TestVerifyRejectsMissingType(t *testing.T) {
	h := newTestHarness(t, 100, 100)
	sessionID := h.newSession(t, []string{CapTerminalInput}, time.Hour, nil)

	e := signedEnvelope("terminal_input", sessionID.String(), h.machine.ID.String(),
		map[string]string{"input": "ls\n"}, "nonce-1", time.Now().Unix(), h.key())
	e.Type = ""

	err := h.svc.Verify(e, CapTerminalInput)
	assert.Equal(t, apperr.KindMessageMissingType, apperr.KindOf(err))
}

func TestVerifyRejectsClockSkew(t *testing.T) {
	h := newTestHarness(t, 100, 100)
	sessionID := h.newSession(t, []string{CapTerminalInput}, time.Hour, nil)

	e := signedEnvelope("terminal_input", sessionID.String(), h.machine.ID.String(),
		map[string]string{"input": "ls\n"}, "nonce-1", time.Now().Add(-time.Hour).Unix(), h.key())

	err := h.svc.Verify(e, CapTerminalInput)
	assert.Equal(t, apperr.KindReplayTimestampSkew, apperr.KindOf(err))
}

func TestVerifyRejectsReplayedNonce(t *testing.T) {
	h := newTestHarness(t, 100, 100)
	sessionID := h.newSession(t, []string{CapTerminalInput}, time.Hour, nil)

	e := signedEnvelope("terminal_input", sessionID.String(), h.machine.ID.String(),
		map[string]string{"input": "l"}, "replay-nonce", time.Now().Unix(), h.key())

	require.NoError(t, h.svc.Verify(e, CapTerminalInput))

	err := h.svc.Verify(e, CapTerminalInput)
	assert.Equal(t, apperr.KindReplayNonceSeen, apperr.KindOf(err))
}

func TestVerifyRejectsUnknownSession(t *testing.T) {
	h := newTestHarness(t, 100, 100)

	e := signedEnvelope("terminal_input", uuid.New().String(), h.machine.ID.String(),
		map[string]string{"input": "ls\n"}, "nonce-1", time.Now().Unix(), h.key())

	err := h.svc.Verify(e, CapTerminalInput)
	assert.Equal(t, apperr.KindSessionInvalid, apperr.KindOf(err))
}

func TestVerifyRejectsSessionMachineMismatch(t *testing.T) {
	h := newTestHarness(t, 100, 100)
	sessionID := h.newSession(t, []string{CapTerminalInput}, time.Hour, nil)

	e := signedEnvelope("terminal_input", sessionID.String(), uuid.New().String(),
		map[string]string{"input": "ls\n"}, "nonce-1", time.Now().Unix(), h.key())

	err := h.svc.Verify(e, CapTerminalInput)
	assert.Equal(t, apperr.KindSessionInvalid, apperr.KindOf(err))
}

func TestVerifyRejectsExpiredSession(t *testing.T) {
	h := newTestHarness(t, 100, 100)
	sessionID := h.newSession(t, []string{CapTerminalInput}, -time.Minute, nil)

	e := signedEnvelope("terminal_input", sessionID.String(), h.machine.ID.String(),
		map[string]string{"input": "ls\n"}, "nonce-1", time.Now().Unix(), h.key())

	err := h.svc.Verify(e, CapTerminalInput)
	assert.Equal(t, apperr.KindSessionExpired, apperr.KindOf(err))
}

func TestVerifyRejectsMissingCapability(t *testing.T) {
	h := newTestHarness(t, 100, 100)
	sessionID := h.newSession(t, []string{CapOpenTerminal}, time.Hour, nil)

	e := signedEnvelope("execute_command", sessionID.String(), h.machine.ID.String(),
		map[string]string{"command": "uptime"}, "nonce-1", time.Now().Unix(), h.key())

	err := h.svc.Verify(e, CapExecuteCommand)
	assert.Equal(t, apperr.KindCapabilityMissing, apperr.KindOf(err))
}

func TestVerifyRejectsRateLimitExceeded(t *testing.T) {
	h := newTestHarness(t, 0, 1)
	sessionID := h.newSession(t, []string{CapTerminalInput}, time.Hour, nil)

	e1 := signedEnvelope("terminal_input", sessionID.String(), h.machine.ID.String(),
		map[string]string{"input": "a"}, "nonce-1", time.Now().Unix(), h.key())
	require.NoError(t, h.svc.Verify(e1, CapTerminalInput))

	e2 := signedEnvelope("terminal_input", sessionID.String(), h.machine.ID.String(),
		map[string]string{"input": "b"}, "nonce-2", time.Now().Unix(), h.key())
	err := h.svc.Verify(e2, CapTerminalInput)
	assert.Equal(t, apperr.KindRateLimited, apperr.KindOf(err))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	h := newTestHarness(t, 100, 100)
	sessionID := h.newSession(t, []string{CapTerminalInput}, time.Hour, nil)

	e := signedEnvelope("terminal_input", sessionID.String(), h.machine.ID.String(),
		map[string]string{"input": "ls\n"}, "nonce-1", time.Now().Unix(), h.key())
	e.Payload = []byte(`{"input":"rm -rf /\n"}`)

	err := h.svc.Verify(e, CapTerminalInput)
	assert.Equal(t, apperr.KindHMACFailed, apperr.KindOf(err))
}

func TestVerifyRejectsWrongKeySignature(t *testing.T) {
	h := newTestHarness(t, 100, 100)
	sessionID := h.newSession(t, []string{CapTerminalInput}, time.Hour, nil)

	wrongKey := []byte("0000000000000000000000000000000000000000000000000000000000000000")
	e := signedEnvelope("terminal_input", sessionID.String(), h.machine.ID.String(),
		map[string]string{"input": "ls\n"}, "nonce-1", time.Now().Unix(), wrongKey)

	err := h.svc.Verify(e, CapTerminalInput)
	assert.Equal(t, apperr.KindHMACFailed, apperr.KindOf(err))
}

func TestVerifyRequiresReauthForCriticalCommand(t *testing.T) {
	h := newTestHarness(t, 100, 100)
	sessionID := h.newSession(t, []string{CapExecuteCommand}, time.Hour, nil)

	e := signedEnvelope("execute_command", sessionID.String(), h.machine.ID.String(),
		map[string]string{"command": "rm -rf /var/tmp/build"}, "nonce-1", time.Now().Unix(), h.key())

	err := h.svc.Verify(e, CapExecuteCommand)
	assert.Equal(t, apperr.KindReauthRequired, apperr.KindOf(err))
}

func TestVerifyAllowsCriticalCommandWithRecentReauth(t *testing.T) {
	h := newTestHarness(t, 100, 100)
	now := time.Now()
	sessionID := h.newSession(t, []string{CapExecuteCommand}, time.Hour, &now)

	e := signedEnvelope("execute_command", sessionID.String(), h.machine.ID.String(),
		map[string]string{"command": "rm -rf /var/tmp/build"}, "nonce-1", time.Now().Unix(), h.key())

	assert.NoError(t, h.svc.Verify(e, CapExecuteCommand))
}
