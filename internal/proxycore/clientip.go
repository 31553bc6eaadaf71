package proxycore

import (
	"net"
	"net/http"
	"strings"
)

// TrustedProxies holds the configured proxy allowlist, as exact IPs or CIDR
// ranges, and the ordered header precedence used to recover the original
// client IP behind those proxies. Grounded on
// original_source/node/src/ip_extraction.rs, reworked onto net.ParseCIDR
// instead of that file's hand-rolled IPv4-only mask arithmetic.
type TrustedProxies struct {
	Headers []string
	nets    []*net.IPNet
	exact   map[string]struct{}
}

// NewTrustedProxies compiles a CIDR/exact-match allowlist. entries may mix
// bare IPs ("127.0.0.1") and CIDR ranges ("10.0.0.0/8"). headers defaults to
// {X-Forwarded-For, X-Real-IP} when empty.
func NewTrustedProxies(entries []string, headers []string) (*TrustedProxies, error) {
	if len(headers) == 0 {
		headers = []string{"X-Forwarded-For", "X-Real-IP"}
	}
	tp := &TrustedProxies{Headers: headers, exact: make(map[string]struct{})}
	for _, e := range entries {
		if strings.Contains(e, "/") {
			_, ipnet, err := net.ParseCIDR(e)
			if err != nil {
				return nil, err
			}
			tp.nets = append(tp.nets, ipnet)
			continue
		}
		tp.exact[e] = struct{}{}
	}
	return tp, nil
}

func (tp *TrustedProxies) trusts(ip string) bool {
	if _, ok := tp.exact[ip]; ok {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range tp.nets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// Resolve extracts the client IP for req whose direct TCP peer is
// connIP. Headers are only honored when connIP matches the trusted-proxy
// allowlist; otherwise any forwarded headers are ignored as unauthenticated
// client input.
func (tp *TrustedProxies) Resolve(connIP string, header http.Header) string {
	if !tp.trusts(connIP) {
		return connIP
	}
	for _, name := range tp.Headers {
		v := header.Get(name)
		if v == "" {
			continue
		}
		candidate := strings.TrimSpace(strings.Split(v, ",")[0])
		if net.ParseIP(candidate) != nil {
			return candidate
		}
	}
	return connIP
}

// SplitHostPort extracts the bare IP from a "host:port" remote address,
// falling back to the input unchanged if it isn't in that form.
func SplitHostPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
