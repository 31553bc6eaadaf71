package controlapi

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/FunwayHQ/project-aegis-sub001/internal/challenge"
	"github.com/FunwayHQ/project-aegis-sub001/internal/identity"
	"github.com/FunwayHQ/project-aegis-sub001/internal/runtime"
	"github.com/FunwayHQ/project-aegis-sub001/internal/vmetrics"
)

type fakeModuleManager struct {
	loaded map[string]runtime.Descriptor
}

func newFakeModuleManager() *fakeModuleManager {
	return &fakeModuleManager{loaded: make(map[string]runtime.Descriptor)}
}

func (f *fakeModuleManager) Load(name string, bytecode []byte, typ runtime.ModuleType, contentAddress string, signature []byte, requiredPubKey ed25519.PublicKey) (*runtime.Descriptor, error) {
	d := runtime.Descriptor{Name: name, Type: typ, ContentAddress: contentAddress}
	f.loaded[name] = d
	return &d, nil
}

func (f *fakeModuleManager) Unload(name string) error {
	delete(f.loaded, name)
	return nil
}

func (f *fakeModuleManager) List() []runtime.Descriptor {
	out := make([]runtime.Descriptor, 0, len(f.loaded))
	for _, d := range f.loaded {
		out = append(out, d)
	}
	return out
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	id := identity.FromKeypair(pub, priv)

	exp := vmetrics.NewExporter(fakeSnapshotSource{}, nil)
	reader := vmetrics.NewReader(filepath.Join(t.TempDir(), "metrics.log"))

	return &Handler{
		Challenge:  challenge.NewManager(id),
		Metrics:    exp,
		MetricsLog: reader,
		Modules:    newFakeModuleManager(),
		AdminToken: "test-token",
	}
}

type fakeSnapshotSource struct{}

func (fakeSnapshotSource) Snapshot() vmetrics.Counters { return vmetrics.Counters{} }

func TestHealthEndpoint(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/aegis/challenge/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIssueInvisibleChallengeDifficulty(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/aegis/challenge/issue?type=invisible")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var issued map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&issued))
	require.NotEmpty(t, issued["id"])
	require.Equal(t, float64(16), issued["pow_difficulty"])
}

func TestModuleManagementRequiresAdminToken(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/aegis/modules")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLoadModuleWithAdminToken(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	body, err := json.Marshal(map[string]interface{}{
		"name":            "waf-core",
		"bytecode_base64": "AAECAw==",
		"type":            "waf",
		"content_address": "ipfs://example",
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/aegis/modules/load", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer test-token")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestVerifiableMetricsEmptyIsNotFound(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/verifiable-metrics/latest")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPrometheusMetricsEndpoint(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
