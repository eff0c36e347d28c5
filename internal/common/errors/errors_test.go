package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		code       string
		httpStatus int
	}{
		{"not found", NotFound("agent", "a1"), ErrCodeNotFound, http.StatusNotFound},
		{"bad request", BadRequest("nope"), ErrCodeBadRequest, http.StatusBadRequest},
		{"conflict", Conflict("exists"), ErrCodeConflict, http.StatusConflict},
		{"validation", ValidationError("name", "required"), ErrCodeValidationError, http.StatusBadRequest},
		{"internal", InternalError("boom", stderrors.New("cause")), ErrCodeInternalError, http.StatusInternalServerError},
		{"unavailable", ServiceUnavailable("queue"), ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
		{"timeout", Timeout("execute"), ErrCodeTimeout, http.StatusGatewayTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.httpStatus, tt.err.HTTPStatus)
			assert.NotEmpty(t, tt.err.Error())
		})
	}
}

func TestWrapPreservesCode(t *testing.T) {
	inner := NotFound("agent", "a1")
	wrapped := Wrap(fmt.Errorf("loading config: %w", inner), "create failed")

	require.NotNil(t, wrapped)
	assert.Equal(t, ErrCodeNotFound, wrapped.Code)
	assert.Equal(t, http.StatusNotFound, wrapped.HTTPStatus)
	assert.Contains(t, wrapped.Message, "create failed")
	assert.True(t, IsNotFound(wrapped))
}

func TestWrapPlainError(t *testing.T) {
	wrapped := Wrap(stderrors.New("disk full"), "save failed")
	require.NotNil(t, wrapped)
	assert.Equal(t, ErrCodeInternalError, wrapped.Code)
	assert.ErrorContains(t, wrapped, "disk full")

	assert.Nil(t, Wrap(nil, "nothing"))
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsNotFound(NotFound("agent", "x")))
	assert.True(t, IsBadRequest(BadRequest("x")))
	assert.True(t, IsBadRequest(ValidationError("f", "x")))
	assert.True(t, IsTimeout(Timeout("op")))

	plain := stderrors.New("plain")
	assert.False(t, IsNotFound(plain))
	assert.False(t, IsBadRequest(plain))
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(plain))
	assert.Equal(t, http.StatusNotFound, GetHTTPStatus(NotFound("agent", "x")))
}
