package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondWithError_AppError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req = req.WithContext(WithRequestID(req.Context(), "req-1"))
	rec := httptest.NewRecorder()

	RespondWithError(rec, req, NewNotFound("job not found").WithDetails(map[string]any{"id": "abc"}))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, CodeNotFound, body.Error.Code)
	assert.Equal(t, "job not found", body.Error.Message)
	assert.Equal(t, "abc", body.Error.Details["id"])
	assert.Equal(t, "req-1", body.Error.RequestID)
}

func TestRespondWithError_WrappedAppError(t *testing.T) {
	rec := httptest.NewRecorder()
	err := fmt.Errorf("decode: %w", NewInvalidRequest("bad json"))

	RespondWithError(rec, httptest.NewRequest(http.MethodPost, "/", nil), err)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, CodeInvalidRequest, body.Error.Code)
}

func TestRespondWithError_PlainError(t *testing.T) {
	rec := httptest.NewRecorder()

	RespondWithError(rec, nil, assert.AnError)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, CodeInternal, body.Error.Code)
	assert.Equal(t, assert.AnError.Error(), body.Error.Message)
}

func TestWrapInternal(t *testing.T) {
	ctx := WithRequestID(context.Background(), "corr-9")
	err := WrapInternal(ctx, assert.AnError, "cannot read workspace")

	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, err.Status)
	assert.Equal(t, "corr-9", err.Details["request_id"])
	assert.Contains(t, err.Error(), "cannot read workspace")
}

func TestRequestIDFrom_Empty(t *testing.T) {
	assert.Equal(t, "", RequestIDFrom(context.Background()))
}

func TestConstructors_Status(t *testing.T) {
	tests := []struct {
		err    *AppError
		code   string
		status int
	}{
		{NewInvalidRequest("x"), CodeInvalidRequest, http.StatusBadRequest},
		{NewUnauthorized("x"), CodeUnauthorized, http.StatusUnauthorized},
		{NewNotFound("x"), CodeNotFound, http.StatusNotFound},
		{NewMethodNotAllowed("x"), CodeMethodNotAllowed, http.StatusMethodNotAllowed},
		{NewRateLimited("x"), CodeRateLimited, http.StatusTooManyRequests},
		{NewServiceUnavailable("x"), CodeServiceUnavailable, http.StatusServiceUnavailable},
		{NewExternalServiceError("x"), CodeExternalService, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.status, tt.err.Status)
		})
	}
}
