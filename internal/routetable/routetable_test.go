package routetable

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExactRouteBeatsRegexAtHigherPriority(t *testing.T) {
	// Boundary case: same path matched by both a regex and a
	// higher-priority exact entry; exact wins.
	table, err := NewTable(File{Routes: []Entry{
		{Name: "regex-catchall", Priority: 1, Enabled: true, Path: `^/api/.*$`, PathPattern: PathRegex},
		{Name: "exact-data", Priority: 10, Enabled: true, Path: "/api/data", PathPattern: PathExact},
	}})
	require.NoError(t, err)

	m, ok := table.Match(http.MethodGet, "/api/data", http.Header{})
	require.True(t, ok)
	require.Equal(t, "exact-data", m.Name)
}

func TestDisabledRouteNeverMatches(t *testing.T) {
	table, err := NewTable(File{Routes: []Entry{
		{Name: "disabled", Priority: 100, Enabled: false, Path: "/x", PathPattern: PathExact},
	}})
	require.NoError(t, err)
	_, ok := table.Match(http.MethodGet, "/x", http.Header{})
	require.False(t, ok)
}

func TestPrefixMatch(t *testing.T) {
	table, err := NewTable(File{Routes: []Entry{
		{Name: "prefix", Priority: 1, Enabled: true, Path: "/static/", PathPattern: PathPrefix},
	}})
	require.NoError(t, err)
	_, ok := table.Match(http.MethodGet, "/static/js/app.js", http.Header{})
	require.True(t, ok)
}

func TestMethodAnyOf(t *testing.T) {
	table, err := NewTable(File{Routes: []Entry{
		{Name: "any", Priority: 1, Enabled: true, Path: "/x", PathPattern: PathExact,
			MethodMatch: MethodAnyOf, Methods: []string{"GET", "HEAD"}},
	}})
	require.NoError(t, err)
	_, ok := table.Match(http.MethodHead, "/x", http.Header{})
	require.True(t, ok)
	_, ok = table.Match(http.MethodPost, "/x", http.Header{})
	require.False(t, ok)
}

func TestHeaderConstraintCaseInsensitiveName(t *testing.T) {
	table, err := NewTable(File{Routes: []Entry{
		{Name: "hdr", Priority: 1, Enabled: true, Path: "/x", PathPattern: PathExact,
			HeaderConstraints: map[string]string{"X-Api-Version": "2"}},
	}})
	require.NoError(t, err)

	h := http.Header{}
	h.Set("x-api-version", "2")
	_, ok := table.Match(http.MethodGet, "/x", h)
	require.True(t, ok)

	h.Set("x-api-version", "1")
	_, ok = table.Match(http.MethodGet, "/x", h)
	require.False(t, ok)
}

func TestTieBreakByDeclarationOrder(t *testing.T) {
	table, err := NewTable(File{Routes: []Entry{
		{Name: "first", Priority: 5, Enabled: true, Path: "/x", PathPattern: PathExact},
		{Name: "second", Priority: 5, Enabled: true, Path: "/x", PathPattern: PathExact},
	}})
	require.NoError(t, err)
	m, ok := table.Match(http.MethodGet, "/x", http.Header{})
	require.True(t, ok)
	require.Equal(t, "first", m.Name)
}

func TestDefaultModulesAppliedWhenNoMatch(t *testing.T) {
	table, err := NewTable(File{
		Routes:         nil,
		DefaultModules: []ModuleRef{{Type: ModuleWAF, ModuleID: "default-waf"}},
	})
	require.NoError(t, err)
	_, ok := table.Match(http.MethodGet, "/anything", http.Header{})
	require.False(t, ok)
	require.Len(t, table.DefaultModules(), 1)
}
