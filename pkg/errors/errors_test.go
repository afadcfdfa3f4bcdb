package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaxonomyStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		err    *AppError
		code   ErrorCode
		status int
	}{
		{"validation", ValidationError("bad kind"), ErrCodeValidation, http.StatusBadRequest},
		{"forbidden", ForbiddenError("not a participant"), ErrCodeForbidden, http.StatusForbidden},
		{"call not found", CallNotFoundError(), ErrCodeCallNotFound, http.StatusNotFound},
		{"group not found", GroupCallNotFoundError(), ErrCodeGroupCallNotFound, http.StatusNotFound},
		{"invalid state", InvalidStateError("call already ended"), ErrCodeInvalidState, http.StatusConflict},
		{"invalid transition", InvalidTransitionError("completed", "ongoing"), ErrCodeInvalidTransition, http.StatusConflict},
		{"capacity", CapacityError(3), ErrCodeCapacity, http.StatusConflict},
		{"conflict", ConflictError("screen already shared"), ErrCodeConflict, http.StatusConflict},
		{"upstream", UpstreamError("storage", fmt.Errorf("timeout")), ErrCodeUpstream, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.status, tt.err.StatusCode)
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, UpstreamError("push", nil).Retryable())
	assert.True(t, ConflictError("x").Retryable())
	assert.False(t, InvalidTransitionError("missed", "ongoing").Retryable())
	assert.False(t, ValidationError("x").Retryable())
}

func TestGetAppError_WrapsPlainErrors(t *testing.T) {
	wrapped := fmt.Errorf("load call: %w", CallNotFoundError())
	assert.True(t, IsAppError(wrapped))
	assert.Equal(t, ErrCodeCallNotFound, GetAppError(wrapped).Code)
	assert.True(t, HasCode(wrapped, ErrCodeCallNotFound))

	plain := fmt.Errorf("boom")
	appErr := GetAppError(plain)
	assert.Equal(t, ErrCodeInternal, appErr.Code)
	assert.ErrorIs(t, appErr, plain)
}

func TestWithDetails(t *testing.T) {
	err := InvalidStateError("call already ended").WithDetails(map[string]string{"status": "completed"})
	assert.Equal(t, map[string]string{"status": "completed"}, err.Details)
	assert.Contains(t, err.Error(), "INVALID_STATE")
}
