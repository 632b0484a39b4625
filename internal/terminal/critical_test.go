package terminal

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func payload(t *testing.T, p commandPayload) []byte {
	t.Helper()
	b, err := json.Marshal(p)
	assert.NoError(t, err)
	return b
}

func TestIsCriticalCommand(t *testing.T) {
	tests := []struct {
		name         string
		envelopeType string
		command      string
		want         bool
	}{
		{"rm -rf flagged", "execute_command", "rm -rf /var/lib/data", true},
		{"mkfs flagged", "execute_command", "mkfs.ext4 /dev/sdb1", true},
		{"dd if flagged", "execute_command", "dd if=/dev/zero of=/dev/sda", true},
		{"userdel flagged", "execute_command", "userdel -r bob", true},
		{"reboot flagged", "terminal_input", "sudo reboot\n", true},
		{"harmless ls", "execute_command", "ls -la /var/log", false},
		{"harmless disk usage", "execute_command", "df -h", false},
		{"spawn_terminal never inspected", "spawn_terminal", "rm -rf /", false},
		{"terminal_resize never inspected", "terminal_resize", "rm -rf /", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := commandPayload{Command: tt.command, Input: tt.command}
			assert.Equal(t, tt.want, isCriticalCommand(tt.envelopeType, payload(t, p)))
		})
	}
}

func TestIsCriticalCommandIgnoresMalformedPayload(t *testing.T) {
	assert.False(t, isCriticalCommand("execute_command", []byte("not json")))
}

func TestIsCriticalCommandIgnoresEmptyCommand(t *testing.T) {
	assert.False(t, isCriticalCommand("execute_command", payload(t, commandPayload{})))
}
