// Package proxycore implements the HTTP request lifecycle (C11): intercept
// peer fingerprint lookup, route match, module dispatch, cache lookup,
// upstream forward, response cache-control filtering, and structured
// access logging.
package proxycore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/FunwayHQ/project-aegis-sub001/internal/cache"
	"github.com/FunwayHQ/project-aegis-sub001/internal/dispatcher"
	"github.com/FunwayHQ/project-aegis-sub001/internal/routetable"
	"github.com/FunwayHQ/project-aegis-sub001/internal/runtime"
	"github.com/FunwayHQ/project-aegis-sub001/internal/tlsintercept"
)

// Upstream identifies the single configured origin requests are forwarded
// to.
type Upstream struct {
	Host   string
	Port   int
	UseTLS bool
}

func (u Upstream) baseURL() string {
	scheme := "http"
	if u.UseTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, u.Host, u.Port)
}

// CacheStore is the subset of internal/cache.Client the proxy core depends
// on.
type CacheStore interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Metrics receives per-request counts and latency samples; implemented by
// internal/vmetrics.LiveCounters.
type Metrics interface {
	IncRequest()
	IncCacheHit()
	IncCacheMiss()
	ObserveLatencyMs(ms float64)
}

// Handler wires together the full proxy request lifecycle as an
// http.Handler, suitable for serving a connection already transparently
// spliced by C2.
type Handler struct {
	Routes       *routetable.Table
	Dispatch     *dispatcher.Dispatcher
	Cache        CacheStore
	Fingerprints *tlsintercept.Cache
	Trusted      *TrustedProxies
	Upstream     Upstream
	DefaultTTL   time.Duration
	Transport    http.RoundTripper
	Metrics      Metrics
	Log          *logrus.Entry
}

// NewHandler constructs a Handler with production defaults for the fields
// callers don't override (http.DefaultTransport, the logrus standard logger,
// and a 60s default cache TTL).
func NewHandler(h Handler) *Handler {
	if h.Transport == nil {
		h.Transport = http.DefaultTransport
	}
	if h.Log == nil {
		h.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if h.DefaultTTL == 0 {
		h.DefaultTTL = 60 * time.Second
	}
	return &h
}

// ServeHTTP implements the full proxy request lifecycle: fingerprint lookup,
// route match, module dispatch, cache lookup, upstream forward, and access
// logging.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	connIP := SplitHostPort(r.RemoteAddr)
	clientIP := connIP
	if h.Trusted != nil {
		clientIP = h.Trusted.Resolve(connIP, r.Header)
	}

	var fp tlsintercept.Fingerprint
	if h.Fingerprints != nil {
		fp, _ = h.Fingerprints.Take(r.RemoteAddr)
	}

	entry, matched := h.Routes.Match(r.Method, r.URL.Path, r.Header)
	if !matched {
		chain := h.Routes.DefaultModules()
		if len(chain) == 0 {
			h.forwardAndLog(w, r, start, clientIP, false, "")
			return
		}
		entry = routetable.Entry{Name: "default", ModuleChain: chain}
	}

	execCtx := &runtime.ExecutionContext{
		Method:         r.Method,
		URI:            r.URL.RequestURI(),
		RequestHeaders: headersOf(r.Header),
	}
	_ = fp // taken out of the fingerprint cache; not passed to modules or to the access log

	if h.Dispatch != nil {
		result := h.Dispatch.Dispatch(entry, h.Routes.Settings(), execCtx, clientIP)
		switch result.Kind {
		case dispatcher.ResultBlocked:
			h.writeSynthesized(w, result.Status, result.Body)
			h.logAccess(clientIP, r, result.Status, start, 0, "bypass")
			return
		case dispatcher.ResultRateLimited:
			if result.RetryAfter > 0 {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(result.RetryAfter.Seconds())))
			}
			h.writeSynthesized(w, http.StatusTooManyRequests, "rate limit exceeded")
			h.logAccess(clientIP, r, http.StatusTooManyRequests, start, 0, "bypass")
			return
		}
	}

	cacheable := r.Method == http.MethodGet
	key := ""
	if cacheable && h.Cache != nil {
		key = cache.Key(r.Method, r.URL.RequestURI())
		if body, hit := h.Cache.Get(r.Context(), key); hit {
			w.Header().Set("X-Cache-Status", "HIT")
			w.WriteHeader(http.StatusOK)
			n, _ := w.Write(body)
			h.logAccess(clientIP, r, http.StatusOK, start, n, "hit")
			return
		}
	}

	h.forwardAndLog(w, r, start, clientIP, cacheable, key)
}

// forwardAndLog performs the upstream round trip, streams the response to
// the client, and (for cacheable 2xx GETs) stores the body asynchronously.
func (h *Handler) forwardAndLog(w http.ResponseWriter, r *http.Request, start time.Time, clientIP string, cacheable bool, cacheKey string) {
	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, h.Upstream.baseURL()+r.URL.RequestURI(), r.Body)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		h.logAccess(clientIP, r, http.StatusBadGateway, start, 0, "miss")
		return
	}
	outReq.Header = r.Header.Clone()

	resp, err := h.Transport.RoundTrip(outReq)
	if err != nil {
		h.Log.WithError(err).WithField("path", r.URL.Path).Warn("proxycore: upstream request failed")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		h.logAccess(clientIP, r, http.StatusBadGateway, start, 0, "miss")
		return
	}
	defer resp.Body.Close()

	directives := cache.ParseControl(resp.Header.Get("Cache-Control"))
	ttl := directives.EffectiveTTL(uint64(h.DefaultTTL.Seconds()))
	willCache := cacheable && ttl != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 && h.Cache != nil

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	if cacheable {
		w.Header().Set("X-Cache-Status", "MISS")
	}
	w.WriteHeader(resp.StatusCode)

	var buf bytes.Buffer
	out := io.Writer(w)
	if willCache {
		out = io.MultiWriter(w, &buf)
	}
	n, _ := io.Copy(out, resp.Body)
	written := int(n)

	if willCache {
		body := append([]byte(nil), buf.Bytes()...)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.Cache.Set(ctx, cacheKey, body, time.Duration(*ttl)*time.Second); err != nil {
				h.Log.WithError(err).WithField("key", cacheKey).Debug("proxycore: async cache store failed")
			}
		}()
	}

	h.logAccess(clientIP, r, resp.StatusCode, start, written, "miss")
}

// writeSynthesized emits a dispatcher-produced response (block/rate-limit)
// without touching the cache or upstream.
func (h *Handler) writeSynthesized(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func (h *Handler) logAccess(clientIP string, r *http.Request, status int, start time.Time, bytesSent int, cacheStatus string) {
	elapsed := time.Since(start)
	if h.Metrics != nil {
		h.Metrics.IncRequest()
		h.Metrics.ObserveLatencyMs(float64(elapsed.Microseconds()) / 1000)
		switch cacheStatus {
		case "hit":
			h.Metrics.IncCacheHit()
		case "miss":
			h.Metrics.IncCacheMiss()
		}
	}
	h.Log.WithFields(logrus.Fields{
		"client_ip":    clientIP,
		"method":       r.Method,
		"path":         r.URL.Path,
		"status":       status,
		"duration_ms":  time.Since(start).Milliseconds(),
		"bytes_sent":   bytesSent,
		"cache_status": cacheStatus,
	}).Info("proxycore: request served")
}

func headersOf(h http.Header) []runtime.Header {
	out := make([]runtime.Header, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			out = append(out, runtime.Header{Name: name, Value: v})
		}
	}
	return out
}
