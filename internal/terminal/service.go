package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/arkeep-io/arkeep/server/internal/apperr"
	"github.com/arkeep-io/arkeep/server/internal/audit"
	"github.com/arkeep-io/arkeep/server/internal/db"
	"github.com/arkeep-io/arkeep/server/internal/repository"
	"github.com/arkeep-io/arkeep/server/internal/secretmgr"
)

// Capability strings granted on a session token.
const (
	CapOpenTerminal   = "open_terminal"
	CapTerminalInput  = "terminal_input"
	CapTerminalResize = "terminal_resize"
	CapExecuteCommand = "execute_command"
)

// sessionExpirySeconds is the default lifetime of a minted session token.
const sessionExpirySeconds = 8 * 3600

// SessionToken is the in-memory representation of a db.Session, cached to
// avoid a database round trip on every envelope verification.
type SessionToken struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	MachineID    string
	Capabilities []string
	ExpiresAt    time.Time
	ReauthedAt   *time.Time
	Revoked      bool
}

// RecentlyReauthed reports whether the session's ReauthedAt falls within
// window of now — gates the critical-command dispatch path.
func (t SessionToken) RecentlyReauthed(window time.Duration) bool {
	return t.ReauthedAt != nil && time.Since(*t.ReauthedAt) <= window
}

// Service issues and verifies terminal session tokens and secure envelopes.
type Service struct {
	sessions repository.SessionRepository
	machines repository.MachineRepository
	access   repository.UserMachineAccessRepository
	secrets  *secretmgr.Manager
	audit    audit.Logger

	mu       sync.RWMutex
	cache    map[string]*SessionToken
	limiters map[string]*rate.Limiter
	nonces   *nonceStore

	tokensPerSec float64
	burst        int
}

// NewService creates a Service. tokensPerSec/burst configure the per-session
// token-bucket rate limiter (spec.md §4.3 rule 6), typically sourced from
// RATE_LIMIT_TOKENS_PER_SEC.
func NewService(
	sessions repository.SessionRepository,
	machines repository.MachineRepository,
	access repository.UserMachineAccessRepository,
	secrets *secretmgr.Manager,
	auditLogger audit.Logger,
	tokensPerSec float64,
	burst int,
) *Service {
	return &Service{
		sessions:     sessions,
		machines:     machines,
		access:       access,
		secrets:      secrets,
		audit:        auditLogger,
		cache:        make(map[string]*SessionToken),
		limiters:     make(map[string]*rate.Limiter),
		nonces:       newNonceStore(),
		tokensPerSec: tokensPerSec,
		burst:        burst,
	}
}

// SpawnTerminal mints a new session token after checking the requesting
// user has UserMachineAccess to machineID. Persists a db.Session row for
// the revocation path and caches it in memory.
func (s *Service) SpawnTerminal(ctx context.Context, userID, machineID uuid.UUID, role string) (*SessionToken, error) {
	if role != "admin" {
		has, err := s.access.Has(ctx, userID, machineID)
		if err != nil {
			return nil, fmt.Errorf("terminal: checking machine access: %w", err)
		}
		if !has {
			return nil, apperr.New(apperr.KindMachineAccessDenied, "user does not have access to this machine")
		}
	}

	caps := []string{CapOpenTerminal, CapTerminalInput, CapTerminalResize, CapExecuteCommand}
	capsJSON, _ := json.Marshal(caps)

	now := time.Now().UTC()
	row := &db.Session{
		UserID:       userID,
		MachineID:    machineID,
		Capabilities: string(capsJSON),
		IssuedAt:     now,
		ExpiresAt:    now.Add(sessionExpirySeconds * time.Second),
	}
	if err := s.sessions.Create(ctx, row); err != nil {
		return nil, fmt.Errorf("terminal: persisting session: %w", err)
	}

	token := &SessionToken{
		ID:           row.ID,
		UserID:       userID,
		MachineID:    machineID.String(),
		Capabilities: caps,
		ExpiresAt:    row.ExpiresAt,
	}
	s.mu.Lock()
	s.cache[row.ID.String()] = token
	s.mu.Unlock()

	return token, nil
}

// commandSessionTTL bounds the lifetime of a system-issued execute_command
// session, which only needs to outlive a single dispatch round trip.
const commandSessionTTL = 5 * time.Minute

// IssueCommandSession mints a short-lived session scoped to execute_command
// only, used by the bulk-job orchestrator (C8) to sign a single dispatch.
// Unlike SpawnTerminal, this skips the UserMachineAccess check: the caller
// (the orchestrator) has already resolved and authorized its targets before
// reaching this point.
func (s *Service) IssueCommandSession(ctx context.Context, machineID uuid.UUID) (*SessionToken, error) {
	caps := []string{CapExecuteCommand}
	capsJSON, _ := json.Marshal(caps)

	now := time.Now().UTC()
	row := &db.Session{
		MachineID:    machineID,
		Capabilities: string(capsJSON),
		IssuedAt:     now,
		ExpiresAt:    now.Add(commandSessionTTL),
	}
	if err := s.sessions.Create(ctx, row); err != nil {
		return nil, fmt.Errorf("terminal: persisting command session: %w", err)
	}

	token := &SessionToken{
		ID:           row.ID,
		MachineID:    machineID.String(),
		Capabilities: caps,
		ExpiresAt:    row.ExpiresAt,
	}
	s.mu.Lock()
	s.cache[row.ID.String()] = token
	s.mu.Unlock()

	return token, nil
}

// Reauth stamps ReauthedAt on a session after the user re-confirms their
// credentials, gating the critical-command dispatch path for 5 minutes.
func (s *Service) Reauth(ctx context.Context, sessionID uuid.UUID) error {
	now := time.Now().UTC()
	if err := s.sessions.MarkReauthed(ctx, sessionID, now); err != nil {
		return fmt.Errorf("terminal: marking reauth: %w", err)
	}
	s.mu.Lock()
	if t, ok := s.cache[sessionID.String()]; ok {
		t.ReauthedAt = &now
	}
	s.mu.Unlock()
	return nil
}

// RevokeSession closes a terminal session early, e.g. when the browser tab
// closes or an admin force-closes it.
func (s *Service) RevokeSession(ctx context.Context, sessionID uuid.UUID) error {
	if err := s.sessions.Revoke(ctx, sessionID); err != nil {
		return fmt.Errorf("terminal: revoking session: %w", err)
	}
	s.mu.Lock()
	delete(s.cache, sessionID.String())
	delete(s.limiters, sessionID.String())
	s.mu.Unlock()
	return nil
}

// OwnsSession reports whether sessionID was issued to userID and is not
// expired or revoked. Used by the C6 inbound relay to authorize
// terminal_input/terminal_resize frames before forwarding them to the agent.
func (s *Service) OwnsSession(sessionID, userID uuid.UUID) bool {
	token, ok := s.lookupSession(sessionID.String())
	if !ok {
		return false
	}
	return token.UserID == userID && time.Now().Before(token.ExpiresAt)
}

// lookupSession returns the cached session token, refreshing from the
// database on a cache miss (covers a server restart or multi-instance
// deployment without a shared cache).
func (s *Service) lookupSession(sessionID string) (SessionToken, bool) {
	s.mu.RLock()
	t, ok := s.cache[sessionID]
	s.mu.RUnlock()
	if ok && !t.Revoked {
		return *t, true
	}

	id, err := uuid.Parse(sessionID)
	if err != nil {
		return SessionToken{}, false
	}
	row, err := s.sessions.GetByID(context.Background(), id)
	if err != nil || row.RevokedAt != nil {
		return SessionToken{}, false
	}

	var caps []string
	_ = json.Unmarshal([]byte(row.Capabilities), &caps)

	loaded := &SessionToken{
		ID:           row.ID,
		UserID:       row.UserID,
		MachineID:    row.MachineID.String(),
		Capabilities: caps,
		ExpiresAt:    row.ExpiresAt,
		ReauthedAt:   row.ReauthedAt,
	}
	s.mu.Lock()
	s.cache[sessionID] = loaded
	s.mu.Unlock()
	return *loaded, true
}

// limiterFor lazily creates a token-bucket limiter for a session on first
// use. An idle-sweep goroutine (StartIdleSweep) evicts cold sessions so
// memory stays bounded.
func (s *Service) limiterFor(sessionID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limiters[sessionID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.tokensPerSec), s.burst)
		s.limiters[sessionID] = l
	}
	return l
}

// machineKey returns the normalized shared-secret bytes used as the HMAC
// key for envelopes bound to machineID.
func (s *Service) machineKey(machineIDStr string) ([]byte, error) {
	id, err := uuid.Parse(machineIDStr)
	if err != nil {
		return nil, apperr.New(apperr.KindBadRequest, "invalid machine id")
	}
	machine, err := s.machines.GetByID(context.Background(), id)
	if err != nil {
		return nil, apperr.New(apperr.KindMachineNotFound, "machine not found")
	}

	plain := string(machine.SharedSecret)
	normalized, normErr := secretmgr.NormalizeLegacySecret(plain)
	if normErr != nil {
		// Legacy secret normalized on first use, matching the register path.
		machine.SharedSecret = db.EncryptedString(normalized)
		_ = s.machines.Update(context.Background(), machine)
	}
	return []byte(normalized), nil
}

// StartIdleSweep runs until ctx is cancelled, periodically evicting rate
// limiters and cached session tokens for sessions that have expired, so
// long-lived server processes do not accumulate unbounded memory.
func (s *Service) StartIdleSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for id, t := range s.cache {
				if now.After(t.ExpiresAt) {
					delete(s.cache, id)
					delete(s.limiters, id)
				}
			}
			s.mu.Unlock()
		}
	}
}
