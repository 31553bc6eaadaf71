// Package controlapi implements the loopback operator HTTP surface (C15):
// challenge issuance/verification, Prometheus + verifiable-metrics query
// endpoints, and authenticated module management. Adapted from the
// teacher's walletserver layered config/middleware/routes/controllers
// pattern, rehomed onto go-chi/chi/v5 (already declared in go.mod;
// walletserver itself used gorilla/mux, which is dropped, see DESIGN.md).
package controlapi

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/FunwayHQ/project-aegis-sub001/internal/challenge"
	"github.com/FunwayHQ/project-aegis-sub001/internal/proxycore"
	"github.com/FunwayHQ/project-aegis-sub001/internal/runtime"
	"github.com/FunwayHQ/project-aegis-sub001/internal/vmetrics"
)

// ModuleManager is the subset of internal/runtime.Registry module
// management exposes.
type ModuleManager interface {
	Load(name string, bytecode []byte, typ runtime.ModuleType, contentAddress string, signature []byte, requiredPubKey ed25519.PublicKey) (*runtime.Descriptor, error)
	Unload(name string) error
	List() []runtime.Descriptor
}

// ModuleStore is the subset of internal/modstore.Store the control API's
// load-from-store endpoint depends on.
type ModuleStore interface {
	Fetch(ctx context.Context, cid string) ([]byte, error)
}

// Handler builds the control API's chi router.
type Handler struct {
	Challenge     *challenge.Manager
	Metrics       *vmetrics.Exporter
	MetricsLog    *vmetrics.Reader
	Modules       ModuleManager
	Store         ModuleStore
	Trusted       *proxycore.TrustedProxies
	AdminToken    string
	Log           *logrus.Entry

	issueLimiters   map[string]*rate.Limiter
	issueLimitersMu sync.Mutex
}

// issueLimiterFor returns this client IP's token bucket for challenge
// issuance, capping it at 5 issuances/sec with a burst of 10 to keep a
// single abusive client from exhausting challenge bookkeeping.
func (h *Handler) issueLimiterFor(clientIP string) *rate.Limiter {
	h.issueLimitersMu.Lock()
	defer h.issueLimitersMu.Unlock()
	if h.issueLimiters == nil {
		h.issueLimiters = make(map[string]*rate.Limiter)
	}
	l, ok := h.issueLimiters[clientIP]
	if !ok {
		l = rate.NewLimiter(rate.Limit(5), 10)
		h.issueLimiters[clientIP] = l
	}
	return l
}

// Router assembles the chi mux for this node's control API.
func (h *Handler) Router() http.Handler {
	if h.Log == nil {
		h.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)

	r.Get("/aegis/challenge/issue", h.issueChallenge)
	r.Get("/aegis/challenge/page", h.challengePage)
	r.Post("/aegis/challenge/verify", h.verifyChallenge)
	r.Post("/aegis/challenge/verify-token", h.verifyToken)
	r.Get("/aegis/challenge/public-key", h.challengePublicKey)
	r.Get("/aegis/challenge/health", h.health)

	r.Get("/metrics", h.prometheusMetrics)
	r.Get("/verifiable-metrics", h.verifiableMetricsAll)
	r.Get("/verifiable-metrics/latest", h.verifiableMetricsLatest)
	r.Get("/verifiable-metrics/range", h.verifiableMetricsRange)
	r.Get("/verifiable-metrics/public-key", h.verifiableMetricsPublicKey)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAdminToken)
		r.Post("/aegis/modules/load", h.loadModule)
		r.Post("/aegis/modules/load_from_store", h.loadModuleFromStore)
		r.Post("/aegis/modules/unload", h.unloadModule)
		r.Get("/aegis/modules", h.listModules)
	})

	return r
}

// clientIP resolves the caller's IP per the trusted-proxy rule.
func (h *Handler) clientIP(r *http.Request) string {
	conn := proxycore.SplitHostPort(r.RemoteAddr)
	if h.Trusted == nil {
		return conn
	}
	return h.Trusted.Resolve(conn, r.Header)
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.Log.WithFields(logrus.Fields{
			"client_ip":   h.clientIP(r),
			"method":      r.Method,
			"path":        r.URL.Path,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("controlapi: request served")
	})
}

func (h *Handler) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.AdminToken == "" || r.Header.Get("Authorization") != "Bearer "+h.AdminToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) prometheusMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(h.Metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
