package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/gotuner/internal/errors"
)

func okChecker() HealthChecker { return CheckerFunc(func(context.Context) error { return nil }) }

func TestHealthHandler_Healthy(t *testing.T) {
	m := NewHealthManager("1.2.3")
	m.RegisterChecker("trainer", okChecker())

	rec := httptest.NewRecorder()
	m.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, map[string]string{"trainer": "healthy"}, resp.Checks)
}

func TestHealthHandler_UnhealthyIs503WithChecks(t *testing.T) {
	m := NewHealthManager("1.2.3")
	m.RegisterChecker("workspace", okChecker())
	m.RegisterChecker("gpu", CheckerFunc(func(context.Context) error { return errors.New("nvidia-smi failed") }))

	rec := httptest.NewRecorder()
	m.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "SERVICE_UNAVAILABLE", resp.Error.Code)
	checks, ok := resp.Error.Details["checks"].(map[string]any)
	require.True(t, ok, "details: %v", resp.Error.Details)
	assert.Equal(t, "unhealthy", checks["gpu"])
	assert.Equal(t, "healthy", checks["workspace"])
}

func TestHealthHandler_SlowCheckerTimesOut(t *testing.T) {
	m := NewHealthManager("dev")
	m.RegisterChecker("slow", CheckerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	rec := httptest.NewRecorder()
	m.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "timeout", resp.Checks["slow"])
}

func TestDetermineOverallStatus(t *testing.T) {
	m := NewHealthManager("dev")
	assert.Equal(t, "healthy", m.determineOverallStatus(nil))
	assert.Equal(t, "degraded", m.determineOverallStatus(map[string]string{"a": "healthy", "b": "timeout"}))
	assert.Equal(t, "unhealthy", m.determineOverallStatus(map[string]string{"a": "timeout", "b": "unhealthy"}))
}

func TestGlobalHandlers(t *testing.T) {
	original := globalHealthManager
	defer func() { globalHealthManager = original }()

	handlers := map[string]http.HandlerFunc{
		"health":  HealthHandler,
		"live":    LivenessHandler,
		"ready":   ReadinessHandler,
		"startup": StartupHandler,
	}

	globalHealthManager = nil
	assert.Nil(t, GetHealthManager())
	for name, h := range handlers {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, name)
	}

	m := InitHealthManager("test-version")
	assert.Same(t, m, GetHealthManager())
	for name, h := range handlers {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code, name)
	}
}
