// Package apperr provides the error taxonomy shared by the WebSocket close
// policy, the REST error envelope, and the audit log. Each Kind maps to one
// stable wire reason and one HTTP status, so a single wrapped error can
// drive all three without the call site duplicating classification logic.
package apperr

import (
	"errors"
	"net/http"
)

// Kind identifies a class of failure recognized across the API, agent, and
// terminal transports.
type Kind string

const (
	KindBadRequest     Kind = "bad_request"
	KindUnauthorized   Kind = "unauthorized"
	KindForbidden      Kind = "forbidden"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindValidation     Kind = "validation_error"
	KindRateLimited    Kind = "rate_limited"
	KindReauthRequired Kind = "reauth_required"
	KindSuperseded     Kind = "superseded_connection"
	KindAlreadyRunning Kind = "already_running"
	KindInternal       Kind = "internal_error"

	// Protocol: malformed or absent wire frame, before any auth check runs.
	KindMessageMissingType Kind = "message_missing_type"
	KindMessageMalformed   Kind = "message_malformed"

	// Auth: the envelope pipeline's one-Kind-per-failure-mode taxonomy
	// (spec.md §7), so a close reason/REST status/audit category never
	// has to be reverse-engineered from a shared generic Kind.
	KindMissingAgentSecret Kind = "missing_agent_secret"
	KindInvalidAgentSecret Kind = "invalid_agent_secret"
	KindSessionInvalid     Kind = "session_invalid"
	KindSessionExpired     Kind = "session_expired"
	KindCapabilityMissing  Kind = "capability_missing"

	// Integrity/replay.
	KindHMACFailed          Kind = "hmac_failed"
	KindReplayTimestampSkew Kind = "replay_timestamp_skew"
	KindReplayNonceSeen     Kind = "replay_nonce_seen"

	// Authorization.
	KindForbiddenRole       Kind = "forbidden_role"
	KindMachineAccessDenied Kind = "machine_access_denied"

	// Resource.
	KindMachineNotFound Kind = "machine_not_found"
	KindJobNotFound     Kind = "job_not_found"
	KindUserNotFound    Kind = "user_not_found"

	// State.
	KindAgentDisconnected Kind = "agent_disconnected"

	// Infrastructure.
	KindStoreUnavailable    Kind = "store_unavailable"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
)

// httpStatus maps each Kind to the REST status code it is rendered as.
var httpStatus = map[Kind]int{
	KindBadRequest:     http.StatusBadRequest,
	KindUnauthorized:   http.StatusUnauthorized,
	KindForbidden:      http.StatusForbidden,
	KindNotFound:       http.StatusNotFound,
	KindConflict:       http.StatusConflict,
	KindValidation:     http.StatusUnprocessableEntity,
	KindRateLimited:    http.StatusTooManyRequests,
	KindReauthRequired: http.StatusForbidden,
	KindSuperseded:     http.StatusConflict,
	KindAlreadyRunning: http.StatusConflict,
	KindInternal:       http.StatusInternalServerError,

	KindMessageMissingType: http.StatusBadRequest,
	KindMessageMalformed:   http.StatusBadRequest,

	KindMissingAgentSecret: http.StatusUnauthorized,
	KindInvalidAgentSecret: http.StatusUnauthorized,
	KindSessionInvalid:     http.StatusUnauthorized,
	KindSessionExpired:     http.StatusUnauthorized,
	KindCapabilityMissing:  http.StatusForbidden,

	KindHMACFailed:          http.StatusUnauthorized,
	KindReplayTimestampSkew: http.StatusUnauthorized,
	KindReplayNonceSeen:     http.StatusUnauthorized,

	KindForbiddenRole:       http.StatusForbidden,
	KindMachineAccessDenied: http.StatusForbidden,

	KindMachineNotFound: http.StatusNotFound,
	KindJobNotFound:     http.StatusNotFound,
	KindUserNotFound:    http.StatusNotFound,

	KindAgentDisconnected: http.StatusConflict,

	KindStoreUnavailable:    http.StatusServiceUnavailable,
	KindUpstreamUnavailable: http.StatusBadGateway,
}

// Error wraps an underlying cause with a classification Kind and a
// client-safe message. The underlying cause is never exposed to clients.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an *Error of the given Kind with a client-facing message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given Kind around cause, keeping cause
// available to errors.Is/As and to internal logging, but not in Message.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, otherwise
// returns KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus returns the HTTP status code associated with a Kind.
func HTTPStatus(kind Kind) int {
	if s, ok := httpStatus[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// ClientMessage returns the client-safe message of err if it is (or wraps)
// an *Error, without the wrapped cause's text. Callers rendering an error
// to an API response must use this, not err.Error(), to avoid leaking
// internal detail (SQL errors, file paths) through the cause chain.
func ClientMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "an internal error occurred"
}
