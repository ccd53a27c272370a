package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, c *Checker, path string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	e := echo.New()
	c.RegisterRoutes(e)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var resp Response
	if strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func healthy(context.Context) error { return nil }

func TestLiveness(t *testing.T) {
	rec, resp := serve(t, NewChecker("test"), "/api/v1/health/live")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatusHealthy, resp.Status)
}

func TestReadiness_NotReadyDuringStartup(t *testing.T) {
	c := NewChecker("test")
	c.AddCheck("postgres", PingFunc(healthy))

	rec, resp := serve(t, c, "/api/v1/health/ready")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, resp.Checks, "startup")
}

func TestReadiness_ReadyAndHealthy(t *testing.T) {
	c := NewChecker("test")
	c.AddCheck("postgres", PingFunc(healthy))
	c.AddCheck("redis", PingFunc(healthy))
	c.SetReady(true)

	rec, resp := serve(t, c, "/api/v1/health/ready")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Len(t, resp.Checks, 2)
}

func TestHealth_UnhealthyDependency(t *testing.T) {
	c := NewChecker("test")
	c.AddCheck("postgres", PingFunc(healthy))
	c.AddCheck("elasticsearch", PingFunc(func(context.Context) error { return errors.New("connection refused") }))

	rec, resp := serve(t, c, "/api/v1/health")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Equal(t, "connection refused", resp.Checks["elasticsearch"].Message)
	assert.Equal(t, StatusHealthy, resp.Checks["postgres"].Status)
}

func TestMetricsEndpoint(t *testing.T) {
	rec, _ := serve(t, NewChecker("test"), "/metrics")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
