// Package terminal implements the secure terminal service (C7): session
// token issuance, the canonical HMAC-signed command envelope, nonce replay
// protection, per-session rate limiting, and the critical-command re-auth
// gate. Grounded in the teacher's EncryptedString crypto style
// (crypto/aes+crypto/cipher for secrets at rest) generalized here to
// HMAC-SHA256 message authentication, and in the webhook sender's
// crypto/hmac+crypto/sha256 signing pattern.
package terminal

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arkeep-io/arkeep/server/internal/apperr"
)

// Envelope is the canonical secure frame exchanged between a web client and
// the server for terminal/command traffic (spec.md §4.3).
type Envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	MachineID string `json:"machineId"`
	Payload   []byte `json:"payload"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
	HMAC      string `json:"hmac"`
}

// clockSkewToleranceSeconds bounds how far Timestamp may drift from now.
const clockSkewToleranceSeconds = 30

// canonicalString builds the exact signing input for an envelope. payload
// must already be serialized JSON bytes — it is never round-tripped through
// json.Marshal/Unmarshal again, so the signature covers exactly the bytes
// that were transmitted.
func canonicalString(e Envelope) string {
	return fmt.Sprintf(
		`{"type":%q,"sessionId":%q,"machineId":%q,"payload":%s,"nonce":%q,"timestamp":%d}`,
		e.Type, e.SessionID, e.MachineID, e.Payload, e.Nonce, e.Timestamp,
	)
}

// Sign computes the HMAC-SHA256 hex digest of the envelope's canonical
// string under key (the per-machine shared secret in normalized 64-hex
// form) and returns the envelope with HMAC populated.
func Sign(e Envelope, key []byte) Envelope {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(canonicalString(e)))
	e.HMAC = hex.EncodeToString(mac.Sum(nil))
	return e
}

// verifyHMAC recomputes the signature over the envelope's claimed fields and
// compares it to e.HMAC in constant time.
func verifyHMAC(e Envelope, key []byte) bool {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(canonicalString(e)))
	expected := mac.Sum(nil)
	got, err := hex.DecodeString(e.HMAC)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

// Verify runs the full verification pipeline in the exact order required by
// spec.md §4.3: type -> clock skew -> nonce -> session -> capability ->
// rate-limit -> HMAC. Each failure is mapped to a distinct apperr.Kind so
// callers can close sockets or reject REST calls with a stable reason and
// feed a stable audit category.
func (s *Service) Verify(e Envelope, requiredCapability string) error {
	if e.Type == "" {
		return apperr.New(apperr.KindMessageMissingType, "envelope missing type")
	}

	now := time.Now().Unix()
	skew := now - e.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > clockSkewToleranceSeconds {
		return apperr.New(apperr.KindReplayTimestampSkew, "envelope timestamp outside clock skew tolerance")
	}

	if !s.nonces.CheckAndRecord(e.MachineID, e.SessionID, e.Nonce, time.Unix(e.Timestamp, 0)) {
		return apperr.New(apperr.KindReplayNonceSeen, "nonce replay detected")
	}

	token, ok := s.lookupSession(e.SessionID)
	if !ok {
		return apperr.New(apperr.KindSessionInvalid, "unknown or expired session")
	}
	if token.MachineID != e.MachineID {
		return apperr.New(apperr.KindSessionInvalid, "session does not match machine")
	}
	if time.Now().After(token.ExpiresAt) {
		return apperr.New(apperr.KindSessionExpired, "session expired")
	}

	if !hasCapability(token.Capabilities, requiredCapability) {
		return apperr.New(apperr.KindCapabilityMissing, "session lacks required capability")
	}

	limiter := s.limiterFor(e.SessionID)
	if !limiter.Allow() {
		return apperr.New(apperr.KindRateLimited, "terminal session rate limit exceeded")
	}

	key, err := s.machineKey(e.MachineID)
	if err != nil {
		return err
	}
	if !verifyHMAC(e, key) {
		return apperr.New(apperr.KindHMACFailed, "envelope signature invalid")
	}

	if isCriticalCommand(e.Type, e.Payload) && !token.RecentlyReauthed(5*time.Minute) {
		return apperr.New(apperr.KindReauthRequired, "critical command requires recent re-authentication")
	}

	return nil
}

// randomNonce returns a fresh hex-encoded nonce for an outbound envelope.
func randomNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("terminal: generating nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// BuildSignedEnvelope constructs and signs an outbound envelope for delivery
// to an agent over C5, stamping a fresh nonce and the current timestamp.
// This is the server's half of the envelope protocol: the agent verifies it
// with the same machine secret using the Verify pipeline above.
func (s *Service) BuildSignedEnvelope(envType string, sessionID, machineID uuid.UUID, payload any) (Envelope, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("terminal: marshaling envelope payload: %w", err)
	}

	key, err := s.machineKey(machineID.String())
	if err != nil {
		return Envelope{}, err
	}

	nonce, err := randomNonce()
	if err != nil {
		return Envelope{}, err
	}

	e := Envelope{
		Type:      envType,
		SessionID: sessionID.String(),
		MachineID: machineID.String(),
		Payload:   payloadJSON,
		Nonce:     nonce,
		Timestamp: time.Now().Unix(),
	}
	return Sign(e, key), nil
}

// hasCapability reports whether capabilities contains required.
func hasCapability(capabilities []string, required string) bool {
	for _, c := range capabilities {
		if c == required {
			return true
		}
	}
	return false
}

// RequiredCapabilityFor maps an envelope type to the capability that must be
// present in the session token's grant list.
func RequiredCapabilityFor(envelopeType string) string {
	switch envelopeType {
	case "execute_command":
		return "execute_command"
	case "spawn_terminal":
		return "open_terminal"
	case "terminal_input":
		return "terminal_input"
	case "terminal_resize":
		return "terminal_resize"
	default:
		return envelopeType
	}
}
