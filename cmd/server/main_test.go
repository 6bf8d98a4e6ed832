package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/imagetagger/internal/cache"
	"github.com/kiranshivaraju/imagetagger/internal/store"
	"github.com/kiranshivaraju/imagetagger/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── mock store ──────────────────────────────────────────────────────────────

type testStore struct {
	pingErr error
}

func (s *testStore) Ping(_ context.Context) error { return s.pingErr }
func (s *testStore) Record(_ context.Context, _ models.HistoryEntry) error {
	return nil
}

var _ store.Store = (*testStore)(nil)

// ─── mock cache ──────────────────────────────────────────────────────────────

type testCache struct {
	pingErr error
}

func (c *testCache) Ping(_ context.Context) error { return c.pingErr }
func (c *testCache) IncrWithExpiry(_ context.Context, _ string, expiry time.Duration) (int64, time.Duration, error) {
	return 1, expiry, nil
}

var _ cache.Cache = (*testCache)(nil)

// ─── health handler tests ───────────────────────────────────────────────────

func healthBody(t *testing.T, w *httptest.ResponseRecorder) (string, map[string]any) {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["status"].(string), body["services"].(map[string]any)
}

func TestHealthHandler_AllOK(t *testing.T) {
	h := healthHandler(&testStore{}, &testCache{})

	req := httptest.NewRequest("GET", "/api/health", nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	status, services := healthBody(t, w)
	assert.Equal(t, "ok", status)
	assert.Equal(t, "ok", services["database"])
	assert.Equal(t, "ok", services["cache"])
}

func TestHealthHandler_HistoryDisabled(t *testing.T) {
	h := healthHandler(nil, &testCache{})

	req := httptest.NewRequest("GET", "/api/health", nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	_, services := healthBody(t, w)
	assert.Equal(t, "disabled", services["database"])
}

func TestHealthHandler_DatabaseDegraded(t *testing.T) {
	h := healthHandler(&testStore{pingErr: errors.New("connection refused")}, &testCache{})

	req := httptest.NewRequest("GET", "/api/health", nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	status, services := healthBody(t, w)
	assert.Equal(t, "degraded", status)
	assert.Equal(t, "degraded", services["database"])
}

func TestHealthHandler_CacheDegraded(t *testing.T) {
	h := healthHandler(&testStore{}, &testCache{pingErr: errors.New("redis down")})

	req := httptest.NewRequest("GET", "/api/health", nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	_, services := healthBody(t, w)
	assert.Equal(t, "degraded", services["cache"])
}

// ─── run() config validation tests ──────────────────────────────────────────

func TestRun_FailsOnMissingConfig(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	t.Setenv("WORKER_COMMAND", "")

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestRun_FailsOnInvalidRedisURL(t *testing.T) {
	t.Setenv("REDIS_URL", "not-a-redis-url")
	t.Setenv("WORKER_COMMAND", "fakeworker")
	t.Setenv("DATABASE_URL", "")

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create redis cache")
}

func TestRun_FailsOnUnreachableRedis(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://127.0.0.1:1")
	t.Setenv("WORKER_COMMAND", "fakeworker")
	t.Setenv("DATABASE_URL", "")

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping redis")
}

// ─── shutdown timeout constant test ─────────────────────────────────────────

func TestShutdownTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, shutdownTimeout)
}
