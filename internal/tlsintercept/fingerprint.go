// Package tlsintercept implements C2: peeking the TLS ClientHello on an
// accepted connection before transparent splicing, computing JA3/JA4, and
// caching the fingerprint keyed by peer address for one-time downstream
// consumption.
package tlsintercept

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Fingerprint holds the parsed ClientHello summary for one connection.
type Fingerprint struct {
	JA3             string
	JA4             string
	TLSVersion      uint16
	CipherCount     int
	ExtensionCount  int
	HasSNI          bool
	HasALPN         bool
	ExpiresAt       time.Time
}

// ClientHello is the subset of a parsed ClientHello needed to compute JA3/JA4.
type ClientHello struct {
	Version          uint16
	Ciphers          []uint16
	Extensions       []uint16
	EllipticCurves   []uint16
	ECPointFormats   []uint8
	SNI              string
	ALPNProtocols    []string
	SignatureAlgos   []uint16
}

// ComputeJA3 builds the canonical JA3 string
// "version,ciphers,extensions,curves,formats" and returns its MD5 hex digest
// along with the raw canonical string.
func ComputeJA3(ch ClientHello) (digest string, canonical string) {
	canonical = fmt.Sprintf("%d,%s,%s,%s,%s",
		ch.Version,
		joinUint16(ch.Ciphers),
		joinUint16(ch.Extensions),
		joinUint16(ch.EllipticCurves),
		joinUint8(ch.ECPointFormats),
	)
	sum := md5.Sum([]byte(canonical))
	return hex.EncodeToString(sum[:]), canonical
}

// ComputeJA4 builds a simplified JA4-style fingerprint: protocol transport
// ('t' for TCP is assumed since this layer only ever sees TCP-terminated
// TLS), version, SNI presence, cipher/extension counts, and first ALPN.
func ComputeJA4(ch ClientHello) string {
	sniFlag := "i"
	if ch.SNI != "" {
		sniFlag = "d"
	}
	alpn := "00"
	if len(ch.ALPNProtocols) > 0 && len(ch.ALPNProtocols[0]) >= 2 {
		alpn = ch.ALPNProtocols[0][:2]
	}
	return fmt.Sprintf("t%s%s%02d%02d%s",
		versionCode(ch.Version), sniFlag, len(ch.Ciphers), len(ch.Extensions), alpn)
}

func versionCode(v uint16) string {
	switch v {
	case 0x0304:
		return "13"
	case 0x0303:
		return "12"
	case 0x0302:
		return "11"
	case 0x0301:
		return "10"
	default:
		return "00"
	}
}

func joinUint16(vals []uint16) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(int(v))
	}
	return strings.Join(parts, "-")
}

func joinUint8(vals []uint8) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(int(v))
	}
	return strings.Join(parts, "-")
}

// FromClientHello builds a Fingerprint with a 30s expiry from now.
func FromClientHello(ch ClientHello, now time.Time) Fingerprint {
	ja3, _ := ComputeJA3(ch)
	return Fingerprint{
		JA3:            ja3,
		JA4:            ComputeJA4(ch),
		TLSVersion:     ch.Version,
		CipherCount:    len(ch.Ciphers),
		ExtensionCount: len(ch.Extensions),
		HasSNI:         ch.SNI != "",
		HasALPN:        len(ch.ALPNProtocols) > 0,
		ExpiresAt:      now.Add(30 * time.Second),
	}
}

// Cache stores fingerprints keyed by peer socket address string, with
// single-consumer take() semantics and periodic sweep of expired entries
// every 100 insertions.
type Cache struct {
	mu      sync.Mutex
	entries map[string]Fingerprint
	inserts int
}

// NewCache constructs an empty fingerprint cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]Fingerprint)}
}

// Store inserts or overwrites the fingerprint for peerAddr.
func (c *Cache) Store(peerAddr string, fp Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[peerAddr] = fp
	c.inserts++
	if c.inserts%100 == 0 {
		c.sweepLocked(time.Now())
	}
}

func (c *Cache) sweepLocked(now time.Time) {
	for addr, fp := range c.entries {
		if now.After(fp.ExpiresAt) {
			delete(c.entries, addr)
		}
	}
}

// Take atomically retrieves and removes the fingerprint for peerAddr.
// Missing or expired entries return (Fingerprint{}, false); this is
// acceptable for a non-TLS connection or a late lookup.
func (c *Cache) Take(peerAddr string) (Fingerprint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fp, ok := c.entries[peerAddr]
	if !ok {
		return Fingerprint{}, false
	}
	delete(c.entries, peerAddr)
	if time.Now().After(fp.ExpiresAt) {
		return Fingerprint{}, false
	}
	return fp, true
}

// Get observes the fingerprint for peerAddr without consuming it.
func (c *Cache) Get(peerAddr string) (Fingerprint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fp, ok := c.entries[peerAddr]
	if !ok || time.Now().After(fp.ExpiresAt) {
		return Fingerprint{}, false
	}
	return fp, true
}

// IsHandshakeRecord reports whether the first peeked byte indicates a TLS
// handshake content type (0x16); otherwise the connection should be spliced
// without fingerprinting.
func IsHandshakeRecord(firstByte byte) bool {
	return firstByte == 0x16
}
