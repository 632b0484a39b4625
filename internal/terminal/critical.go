package terminal

import (
	"encoding/json"
	"regexp"
)

// criticalCommandPatterns flags destructive shell commands that require a
// recent re-authentication before dispatch (spec.md §4.4).
var criticalCommandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[a-zA-Z]*r[a-zA-Z]*f\b`),
	regexp.MustCompile(`\bmkfs(\.\w+)?\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\bchmod\s+-R\s+\d{3,4}\s+/`),
	regexp.MustCompile(`\bchown\s+-R\b.*\s+/`),
	regexp.MustCompile(`\biptables\s+-F\b`),
	regexp.MustCompile(`\bufw\s+disable\b`),
	regexp.MustCompile(`\buserdel\b`),
	regexp.MustCompile(`\bpasswd\s+root\b`),
	regexp.MustCompile(`\b(apt|apt-get|yum|dnf)\s+(purge|remove)\b.*--(auto|force)`),
	regexp.MustCompile(`\bsystemctl\s+(disable|mask)\b`),
	regexp.MustCompile(`\b(reboot|shutdown|poweroff|halt)\b`),
}

// commandPayload is the subset of an execute_command/terminal_input payload
// this package inspects for the critical-command gate.
type commandPayload struct {
	Command string `json:"command"`
	Input   string `json:"input"`
}

// isCriticalCommand reports whether the envelope's payload carries a shell
// command matching one of the critical patterns. Only execute_command and
// terminal_input frames are inspected — spawn_terminal/terminal_resize never
// carry shell text.
func isCriticalCommand(envelopeType string, payload []byte) bool {
	if envelopeType != "execute_command" && envelopeType != "terminal_input" {
		return false
	}

	var p commandPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return false
	}

	text := p.Command
	if text == "" {
		text = p.Input
	}
	if text == "" {
		return false
	}

	for _, pattern := range criticalCommandPatterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}
