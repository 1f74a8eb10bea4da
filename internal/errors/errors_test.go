package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTP_MapsStatusToCode(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorCode
	}{
		{http.StatusBadRequest, CodeValidation},
		{http.StatusUnprocessableEntity, CodeValidation},
		{http.StatusUnauthorized, CodeUnauthorized},
		{http.StatusForbidden, CodeForbidden},
		{http.StatusNotFound, CodeNotFound},
		{http.StatusInternalServerError, CodeHTTP},
		{http.StatusConflict, CodeHTTP},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := HTTP(tt.status, "")
			assert.Equal(t, tt.want, err.Code)
			assert.Equal(t, tt.status, err.HTTPStatus)
			assert.Equal(t, http.StatusText(tt.status), err.Message)
		})
	}
}

func TestHelpers_SeeThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("change status: %w", Unauthorized("session expired"))

	assert.True(t, IsAuth(wrapped))
	assert.False(t, IsValidation(wrapped))
	assert.Equal(t, http.StatusUnauthorized, StatusCode(wrapped))
	assert.Equal(t, "session expired", Message(wrapped))
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "", Message(nil))
	assert.Equal(t, "Network error", Message(stderrors.New("Network error")))
	assert.Equal(t, "network error", Message(Network(stderrors.New("dial tcp: refused"))))
}

func TestServiceError_ErrorAndUnwrap(t *testing.T) {
	cause := stderrors.New("boom")
	err := Internal("decode response", cause)

	assert.Equal(t, "decode response: boom", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestNotFound_Details(t *testing.T) {
	err := NotFound("epic", "e-1").WithDetails("reference_id", "EP-001")

	require.True(t, IsNotFound(err))
	assert.Equal(t, "epic not found: e-1", err.Message)
	assert.Equal(t, "EP-001", err.Details["reference_id"])
	assert.Equal(t, "e-1", err.Details["id"])
}

func TestGetServiceError_Plain(t *testing.T) {
	assert.Nil(t, GetServiceError(stderrors.New("plain")))
	assert.Equal(t, 0, StatusCode(stderrors.New("plain")))
}
