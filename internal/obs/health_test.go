package obs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluateAllHealthy(t *testing.T) {
	hc := NewHealthChecker()
	hc.Register(Check{Name: "ping", Run: func(ctx context.Context) error { return nil }})

	resp := hc.Evaluate(context.Background())
	require.Equal(t, StatusHealthy, resp.Status)
	require.Equal(t, StatusHealthy, resp.Checks["ping"].Status)
}

func TestEvaluateCriticalFailureIsUnhealthy(t *testing.T) {
	hc := NewHealthChecker()
	hc.Register(Check{Name: "state", Critical: true, Run: func(ctx context.Context) error {
		return errors.New("backend unreachable")
	}})

	resp := hc.Evaluate(context.Background())
	require.Equal(t, StatusUnhealthy, resp.Status)
}

func TestEvaluateNonCriticalFailureIsDegraded(t *testing.T) {
	hc := NewHealthChecker()
	hc.Register(Check{Name: "cache", Critical: false, Run: func(ctx context.Context) error {
		return errors.New("cache miss")
	}})

	resp := hc.Evaluate(context.Background())
	require.Equal(t, StatusDegraded, resp.Status)
}

func TestHealthHandlerReturns503WhenUnhealthy(t *testing.T) {
	hc := NewHealthChecker()
	hc.Register(Check{Name: "state", Critical: true, Run: func(ctx context.Context) error {
		return errors.New("down")
	}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	hc.HealthHandler()(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthHandlerReturns200WhenHealthy(t *testing.T) {
	hc := NewHealthChecker()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	hc.HealthHandler()(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}
