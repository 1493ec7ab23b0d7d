package httpx_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aussiebroadwan/keyring/pkg/httpx"
	"github.com/stretchr/testify/require"
)

func TestIPKeyExtractor(t *testing.T) {
	t.Run("extracts from RemoteAddr", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		require.Equal(t, "192.168.1.1", httpx.IPKeyExtractor(req))
	})

	t.Run("prefers X-Forwarded-For", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		req.Header.Set("X-Forwarded-For", "203.0.113.1, 192.168.1.1")
		require.Equal(t, "203.0.113.1", httpx.IPKeyExtractor(req))
	})

	t.Run("uses X-Real-IP if X-Forwarded-For absent", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		req.Header.Set("X-Real-IP", "203.0.113.2")
		require.Equal(t, "203.0.113.2", httpx.IPKeyExtractor(req))
	})
}

func TestCompositeKeyExtractor(t *testing.T) {
	path := func(r *http.Request) string { return r.URL.Path }
	empty := func(*http.Request) string { return "" }

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	req.RemoteAddr = "192.168.1.1:12345"

	require.Equal(t, "192.168.1.1:/readyz", httpx.CompositeKeyExtractor(":", httpx.IPKeyExtractor, path)(req))
	require.Equal(t, "192.168.1.1", httpx.CompositeKeyExtractor(":", httpx.IPKeyExtractor, empty)(req))
}

func TestRateLimitMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	send := func(h http.Handler, addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	t.Run("blocks requests over limit", func(t *testing.T) {
		limited := httpx.RateLimitByIP(httpx.RateLimitConfig{
			RequestsPerWindow: 3,
			Window:            time.Minute,
			Burst:             3,
		})(ok)

		for i := range 3 {
			require.Equal(t, http.StatusOK, send(limited, "192.168.1.1:12345").Code, "request %d", i+1)
		}

		rec := send(limited, "192.168.1.1:12345")
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		require.NotEmpty(t, rec.Header().Get("Retry-After"))
		require.Contains(t, rec.Body.String(), "rate_limit_exceeded")
	})

	t.Run("different keys are tracked separately", func(t *testing.T) {
		limited := httpx.RateLimitByIP(httpx.RateLimitConfig{
			RequestsPerWindow: 1,
			Window:            time.Minute,
			Burst:             1,
		})(ok)

		require.Equal(t, http.StatusOK, send(limited, "192.168.1.1:1").Code)
		require.Equal(t, http.StatusTooManyRequests, send(limited, "192.168.1.1:1").Code)
		require.Equal(t, http.StatusOK, send(limited, "192.168.1.2:1").Code)
	})

	t.Run("missing key is let through", func(t *testing.T) {
		limited := httpx.RateLimitMiddleware(httpx.RateLimitConfig{
			RequestsPerWindow: 1,
			Window:            time.Minute,
			Burst:             1,
		}, func(*http.Request) string { return "" })(ok)

		for range 3 {
			require.Equal(t, http.StatusOK, send(limited, "10.0.0.1:1").Code)
		}
	})
}

func TestParseRateLimitFromEnv(t *testing.T) {
	t.Setenv("RATELIMIT_PROBE_REQUESTS", "10")
	t.Setenv("RATELIMIT_PROBE_WINDOW_SEC", "5")
	t.Setenv("RATELIMIT_PROBE_BURST", "nope")

	cfg := httpx.ParseRateLimitFromEnv("PROBE", httpx.ProbeLimit)
	require.Equal(t, 10, cfg.RequestsPerWindow)
	require.Equal(t, 5*time.Second, cfg.Window)
	require.Equal(t, httpx.ProbeLimit.Burst, cfg.Burst)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) httpx.Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := httpx.Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}), mark("outer"), mark("inner"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, []string{"outer", "inner", "handler"}, order)
}
