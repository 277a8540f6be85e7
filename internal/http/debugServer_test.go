package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"parley/internal/metrics"
)

func TestDebugServer_State(t *testing.T) {
	s := NewDebugServer("", metrics.New().Handler(), func(ctx context.Context) (any, error) {
		return map[string]int{"conversations": 2}, nil
	})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/state", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"conversations":2}`, rec.Body.String())
}

func TestDebugServer_StateError(t *testing.T) {
	s := NewDebugServer("", metrics.New().Handler(), func(ctx context.Context) (any, error) {
		return nil, errors.New("engine closed")
	})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/state", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDebugServer_MetricsAndHealth(t *testing.T) {
	m := metrics.New()
	m.SendFailed()
	s := NewDebugServer("", m.Handler(), nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "parley_send_failures_total 1")

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, "ok", rec.Body.String())

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
