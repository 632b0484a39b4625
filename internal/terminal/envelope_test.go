package terminal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignAndVerifyHMACRoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	e := Envelope{
		Type:      "terminal_input",
		SessionID: "session-1",
		MachineID: "machine-1",
		Payload:   []byte(`{"data":"ls -la\n"}`),
		Nonce:     "deadbeef",
		Timestamp: 1700000000,
	}

	signed := Sign(e, key)
	assert.NotEmpty(t, signed.HMAC)
	assert.True(t, verifyHMAC(signed, key))
}

func TestVerifyHMACRejectsTamperedPayload(t *testing.T) {
	key := []byte("shared-secret-key")
	e := Envelope{
		Type:      "terminal_input",
		SessionID: "session-1",
		MachineID: "machine-1",
		Payload:   []byte(`{"data":"ls\n"}`),
		Nonce:     "deadbeef",
		Timestamp: 1700000000,
	}
	signed := Sign(e, key)

	signed.Payload = []byte(`{"data":"rm -rf /\n"}`)
	assert.False(t, verifyHMAC(signed, key))
}

func TestVerifyHMACRejectsWrongKey(t *testing.T) {
	e := Envelope{Type: "trigger_scan", SessionID: "s", MachineID: "m", Payload: []byte("{}"), Nonce: "n", Timestamp: 1}
	signed := Sign(e, []byte("key-a"))
	assert.False(t, verifyHMAC(signed, []byte("key-b")))
}

func TestVerifyHMACRejectsMalformedDigest(t *testing.T) {
	e := Envelope{Type: "t", SessionID: "s", MachineID: "m", Payload: []byte("{}"), Nonce: "n", Timestamp: 1}
	e.HMAC = "not-hex!!"
	assert.False(t, verifyHMAC(e, []byte("key")))
}

func TestCanonicalStringIsFieldOrderStable(t *testing.T) {
	e1 := Envelope{Type: "a", SessionID: "b", MachineID: "c", Payload: []byte(`{"x":1}`), Nonce: "d", Timestamp: 5}
	e2 := e1
	assert.Equal(t, canonicalString(e1), canonicalString(e2))

	e2.Payload = []byte(`{"x":2}`)
	assert.NotEqual(t, canonicalString(e1), canonicalString(e2))
}

func TestHasCapability(t *testing.T) {
	caps := []string{"open_terminal", "terminal_input"}
	assert.True(t, hasCapability(caps, "terminal_input"))
	assert.False(t, hasCapability(caps, "execute_command"))
	assert.False(t, hasCapability(nil, "anything"))
}

func TestRequiredCapabilityFor(t *testing.T) {
	tests := []struct {
		envType string
		want    string
	}{
		{"execute_command", "execute_command"},
		{"spawn_terminal", "open_terminal"},
		{"terminal_input", "terminal_input"},
		{"terminal_resize", "terminal_resize"},
		{"trigger_scan", "trigger_scan"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RequiredCapabilityFor(tt.envType))
	}
}
