package proxycore

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveUsesHeaderFromTrustedProxy(t *testing.T) {
	tp, err := NewTrustedProxies([]string{"10.0.0.1"}, nil)
	require.NoError(t, err)

	h := http.Header{}
	h.Set("X-Forwarded-For", "203.0.113.1, 198.51.100.2")
	require.Equal(t, "203.0.113.1", tp.Resolve("10.0.0.1", h))
}

func TestResolveIgnoresHeaderFromUntrustedProxy(t *testing.T) {
	tp, err := NewTrustedProxies([]string{"10.0.0.1"}, nil)
	require.NoError(t, err)

	h := http.Header{}
	h.Set("X-Forwarded-For", "203.0.113.1")
	require.Equal(t, "1.2.3.4", tp.Resolve("1.2.3.4", h))
}

func TestResolveCIDRRange(t *testing.T) {
	tp, err := NewTrustedProxies([]string{"192.168.0.0/16"}, nil)
	require.NoError(t, err)

	h := http.Header{}
	h.Set("X-Real-IP", "203.0.113.5")
	require.Equal(t, "203.0.113.5", tp.Resolve("192.168.1.100", h))
}

func TestResolveFallsBackWhenHeaderMissing(t *testing.T) {
	tp, err := NewTrustedProxies([]string{"127.0.0.1"}, nil)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", tp.Resolve("127.0.0.1", http.Header{}))
}

func TestResolveSkipsInvalidIPInHeader(t *testing.T) {
	tp, err := NewTrustedProxies([]string{"127.0.0.1"}, nil)
	require.NoError(t, err)

	h := http.Header{}
	h.Set("X-Forwarded-For", "not-an-ip")
	require.Equal(t, "127.0.0.1", tp.Resolve("127.0.0.1", h))
}

func TestResolveHeaderPrecedence(t *testing.T) {
	tp, err := NewTrustedProxies([]string{"127.0.0.1"}, []string{"X-Forwarded-For", "X-Real-IP"})
	require.NoError(t, err)

	h := http.Header{}
	h.Set("X-Real-IP", "203.0.113.2")
	h.Set("X-Forwarded-For", "203.0.113.1")
	require.Equal(t, "203.0.113.1", tp.Resolve("127.0.0.1", h))
}

func TestSplitHostPort(t *testing.T) {
	require.Equal(t, "1.2.3.4", SplitHostPort("1.2.3.4:5555"))
	require.Equal(t, "garbage", SplitHostPort("garbage"))
}
