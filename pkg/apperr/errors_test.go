package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	base := errors.New("dial tcp: refused")

	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, ""},
		{"plain error", base, CodeInternal},
		{"not found", NotFound("video %s not found", "v1"), CodeNotFound},
		{"wrapped with fmt", fmt.Errorf("create job: %w", Forbidden("not owner")), CodeForbidden},
		{"unavailable keeps cause", Unavailable(base, "publish"), CodeUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestErrorsIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("cancel: %w", InvalidState("job is completed").WithReason(ReasonCannotCancel))

	assert.True(t, errors.Is(err, InvalidState("")))
	assert.False(t, errors.Is(err, NotFound("")))

	var coded *Error
	assert.True(t, errors.As(err, &coded))
	assert.Equal(t, ReasonCannotCancel, coded.Reason)
}

func TestUnwrapReachesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Unavailable(cause, "queue publish failed")

	assert.ErrorIs(t, err, cause)
	assert.True(t, Retryable(err))
	assert.False(t, Retryable(Conflict("lost race")))
	assert.Contains(t, err.Error(), "connection reset")
}

func TestHTTPStatus(t *testing.T) {
	tests := map[Code]int{
		CodeNotFound:          http.StatusNotFound,
		CodeForbidden:         http.StatusForbidden,
		CodeUnauthorized:      http.StatusUnauthorized,
		CodeInvalidState:      http.StatusConflict,
		CodeInvalidTransition: http.StatusConflict,
		CodeConflict:          http.StatusConflict,
		CodeValidation:        http.StatusBadRequest,
		CodeUnavailable:       http.StatusServiceUnavailable,
		CodeInternal:          http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, HTTPStatus(code), "code %s", code)
	}
}
