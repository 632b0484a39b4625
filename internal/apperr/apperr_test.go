package apperr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"typed error", New(KindNotFound, "not found"), KindNotFound},
		{"wrapped cause", Wrap(KindConflict, "conflict", errors.New("dup key")), KindConflict},
		{"plain error", errors.New("boom"), KindInternal},
		{"nested through fmt.Errorf", fmtWrap(New(KindForbidden, "nope")), KindForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatus(KindNotFound))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(KindRateLimited))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(Kind("unknown_kind")))
}

func TestClientMessageHidesCause(t *testing.T) {
	err := Wrap(KindInternal, "could not save machine", errors.New("pq: duplicate key value"))
	assert.Equal(t, "could not save machine", ClientMessage(err))
	assert.NotContains(t, ClientMessage(err), "duplicate key")
}

func TestClientMessageDefaultsForUntypedError(t *testing.T) {
	assert.Equal(t, "an internal error occurred", ClientMessage(errors.New("raw sql error")))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := Wrap(KindValidation, "bad input", cause)
	assert.ErrorIs(t, err, cause)
}

func fmtWrap(err error) error {
	return &wrapper{err}
}

type wrapper struct{ err error }

func (w *wrapper) Error() string { return "wrapped: " + w.err.Error() }
func (w *wrapper) Unwrap() error { return w.err }
