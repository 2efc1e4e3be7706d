package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", http.StatusBadRequest)
	assert.Equal(t, "INVALID_INPUT: test error", err.Error())
}

func TestAppError_WithCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapError(cause, ErrCodeInternal, "wrapped error", http.StatusInternalServerError)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestAppError_WithContext(t *testing.T) {
	err := NewInvalidInputError("bad zone").WithContext("zone", 9).WithContext("device", "dsp-1")
	assert.Equal(t, 9, err.Context["zone"])
	assert.Equal(t, "dsp-1", err.Context["device"])
}

func TestDeviceErrors(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		err    *AppError
		code   ErrorCode
		status int
	}{
		{NewDeviceUnreachableError("10.0.0.5:5321", cause), ErrCodeDeviceUnreachable, http.StatusServiceUnavailable},
		{NewDeviceTimeoutError("ZoneGain_0", cause), ErrCodeDeviceTimeout, http.StatusGatewayTimeout},
		{NewDeviceProtocolError(cause), ErrCodeDeviceProtocol, http.StatusBadGateway},
		{NewDeviceRejectedError("ZoneGain_0", cause), ErrCodeDeviceRejected, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.status, tt.err.HTTPStatus)
			assert.ErrorIs(t, tt.err, cause)
		})
	}
}

func TestGetAppError(t *testing.T) {
	assert.Nil(t, GetAppError(nil))
	assert.Nil(t, GetAppError(errors.New("plain")))
	assert.False(t, IsAppError(errors.New("plain")))

	appErr := NewNotFoundError("device")
	wrapped := fmt.Errorf("lookup: %w", appErr)
	got := GetAppError(wrapped)
	require.NotNil(t, got)
	assert.Equal(t, ErrCodeNotFound, got.Code)
	assert.True(t, IsAppError(wrapped))
}
