package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	keyringhttp "github.com/aussiebroadwan/keyring/internal/keyring/http"
	"github.com/aussiebroadwan/keyring/pkg/httpx"
	"github.com/aussiebroadwan/keyring/pkg/slogx"
	"github.com/stretchr/testify/require"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func newRouter(st, cache keyringhttp.Pinger, limit httpx.RateLimitConfig) *keyringhttp.Router {
	r := keyringhttp.NewRouter("v-test", st, cache, limit, slogx.Discard())
	r.ApplyRoutes()
	return r
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, keyringhttp.HealthResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "198.51.100.7:4000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body keyringhttp.HealthResponse
	if rec.Code != http.StatusNotFound && rec.Code != http.StatusTooManyRequests {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestLivez(t *testing.T) {
	t.Parallel()
	r := newRouter(pinger{}, pinger{errors.New("down")}, httpx.ProbeLimit)

	rec, body := get(t, r, "/livez")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", body.Status)
	require.Equal(t, "v-test", body.Version)
	require.Nil(t, body.Checks)
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	t.Run("all dependencies reachable", func(t *testing.T) {
		rec, body := get(t, newRouter(pinger{}, pinger{}, httpx.ProbeLimit), "/readyz")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "ok", body.Status)
		require.Equal(t, &keyringhttp.HealthChecks{Database: "ok", Cache: "ok"}, body.Checks)
	})

	t.Run("store down", func(t *testing.T) {
		rec, body := get(t, newRouter(pinger{errors.New("closed")}, pinger{}, httpx.ProbeLimit), "/readyz")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		require.Equal(t, "degraded", body.Status)
		require.Equal(t, "error: closed", body.Checks.Database)
		require.Equal(t, "ok", body.Checks.Cache)
	})

	t.Run("cache down", func(t *testing.T) {
		rec, body := get(t, newRouter(pinger{}, pinger{errors.New("refused")}, httpx.ProbeLimit), "/readyz")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		require.Equal(t, "ok", body.Checks.Database)
		require.Equal(t, "error: refused", body.Checks.Cache)
	})
}

func TestProbesAreRateLimitedPerPath(t *testing.T) {
	t.Parallel()
	r := newRouter(pinger{}, pinger{}, httpx.RateLimitConfig{
		RequestsPerWindow: 1,
		Window:            time.Minute,
		Burst:             1,
	})

	rec, _ := get(t, r, "/livez")
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = get(t, r, "/livez")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec, _ = get(t, r, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	t.Parallel()
	rec, _ := get(t, newRouter(pinger{}, pinger{}, httpx.ProbeLimit), "/v1/unknown")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "not_found")
}
