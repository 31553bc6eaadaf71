package proxycore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/FunwayHQ/project-aegis-sub001/internal/routetable"
)

type fakeCache struct {
	store map[string][]byte
}

func newFakeCache() *fakeCache { return &fakeCache{store: make(map[string][]byte)} }

func (f *fakeCache) Get(ctx context.Context, key string) ([]byte, bool) {
	v, ok := f.store[key]
	return v, ok
}

func (f *fakeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.store[key] = value
	return nil
}

func newTestHandler(t *testing.T, upstream *httptest.Server, c CacheStore) *Handler {
	t.Helper()
	u, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	table, err := routetable.NewTable(routetable.File{
		Settings: routetable.Settings{MaxModulesPerRequest: 10},
	})
	require.NoError(t, err)

	port := 80
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		require.NoError(t, err)
		port = n
	}

	return NewHandler(Handler{
		Routes:   table,
		Cache:    c,
		Upstream: Upstream{Host: u.Hostname(), Port: port},
	})
}

func TestServeHTTPPassthroughNoRouteMatch(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream, nil)
	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.RemoteAddr = "1.2.3.4:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hello", rec.Body.String())
}

func TestServeHTTPCachesCacheableGET(t *testing.T) {
	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Cache-Control", "max-age=60")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("payload"))
	}))
	defer upstream.Close()

	c := newFakeCache()
	h := newTestHandler(t, upstream, c)

	req1 := httptest.NewRequest(http.MethodGet, "/data", nil)
	req1.RemoteAddr = "1.2.3.4:5555"
	rec1 := httptest.NewRecorder()
	h.ServeHTTP(rec1, req1)
	require.Equal(t, "MISS", rec1.Header().Get("X-Cache-Status"))

	// allow the async cache store goroutine to complete
	time.Sleep(50 * time.Millisecond)

	req2 := httptest.NewRequest(http.MethodGet, "/data", nil)
	req2.RemoteAddr = "1.2.3.4:5555"
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	require.Equal(t, "HIT", rec2.Header().Get("X-Cache-Status"))
	require.Equal(t, "payload", rec2.Body.String())
	require.Equal(t, 1, calls)
}

func TestServeHTTPSkipsCacheWhenNoStore(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("secret"))
	}))
	defer upstream.Close()

	c := newFakeCache()
	h := newTestHandler(t, upstream, c)

	req := httptest.NewRequest(http.MethodGet, "/secret", nil)
	req.RemoteAddr = "1.2.3.4:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, c.store)
	require.Equal(t, "secret", rec.Body.String())
}
