// Package secretmgr owns the server-wide signing secret and per-machine
// shared secrets. It is the single place that generates, normalizes, and
// hashes the secret material used by the agent register handshake (C5) and
// the secure terminal envelope signer (C7).
package secretmgr

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"

	"github.com/arkeep-io/arkeep/server/internal/repository"
)

// signingSecretKey is the db.Setting key under which the server's HMAC
// signing secret is persisted, EncryptedString-wrapped at rest.
const signingSecretKey = "server.signing_secret"

// machineSecretBytes is the number of random bytes in a freshly generated
// machine shared secret, hex-encoded to 64 characters.
const machineSecretBytes = 32

// normalizedSecretPattern matches an already-normalized 64-hex-char secret.
var normalizedSecretPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ErrLegacySecretNormalized is returned by NormalizeLegacySecret when the
// input was not already in normalized form. The caller (C5's register
// handler) must treat this as "re-register required" rather than accepting
// the connection on the spot.
var ErrLegacySecretNormalized = errors.New("secretmgr: legacy secret normalized, re-register required")

// Manager issues and validates signing and machine secrets.
type Manager struct {
	settings repository.SettingsRepository

	// signingSecret is loaded once at startup and cached in memory — it is
	// read on every terminal envelope verification and must not require a
	// database round trip per frame.
	signingSecret []byte
}

// New creates a Manager. Call LoadOrCreateSigningSecret once at startup
// before using SigningSecret.
func New(settings repository.SettingsRepository) *Manager {
	return &Manager{settings: settings}
}

// LoadOrCreateSigningSecret loads the persisted signing secret, generating
// and persisting one on first boot. Idempotent across restarts.
func (m *Manager) LoadOrCreateSigningSecret(ctx context.Context) error {
	existing, err := m.settings.Get(ctx, signingSecretKey)
	if err == nil && existing != "" {
		m.signingSecret = []byte(existing)
		return nil
	}
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("secretmgr: loading signing secret: %w", err)
	}

	secret, genErr := generateHex(machineSecretBytes)
	if genErr != nil {
		return fmt.Errorf("secretmgr: generating signing secret: %w", genErr)
	}
	if err := m.settings.Set(ctx, signingSecretKey, secret); err != nil {
		return fmt.Errorf("secretmgr: persisting signing secret: %w", err)
	}
	m.signingSecret = []byte(secret)
	return nil
}

// SigningSecret returns the server-wide HMAC signing secret.
func (m *Manager) SigningSecret() []byte {
	return m.signingSecret
}

// GenerateMachineSecret returns a fresh 64-hex-character shared secret for
// a newly registered machine.
func GenerateMachineSecret() (string, error) {
	return generateHex(machineSecretBytes)
}

// HashSecret returns the SHA-256 hex digest of a plain secret, the form
// persisted in Machine.SecretHash.
func HashSecret(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// IsNormalized reports whether raw is already in the 64-hex-char form.
func IsNormalized(raw string) bool {
	return normalizedSecretPattern.MatchString(raw)
}

// NormalizeLegacySecret implements the idempotent legacy-secret migration:
// if raw is already normalized it is returned unchanged with a nil error.
// Otherwise it is hashed once, the caller is expected to persist the
// normalized form against the machine record, and ErrLegacySecretNormalized
// is returned so the register path forces a re-register rather than
// silently accepting the old secret this time around.
func NormalizeLegacySecret(raw string) (normalized string, err error) {
	if IsNormalized(raw) {
		return raw, nil
	}
	return HashSecret(raw), ErrLegacySecretNormalized
}

func generateHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
