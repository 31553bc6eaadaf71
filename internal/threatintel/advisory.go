// Package threatintel implements the threat-intel gossip subsystem (C13): a
// libp2p pubsub overlay that propagates signed blocklist advisories between
// nodes, grounded on core/network.go (libp2p host + gossipsub
// + mDNS discovery wiring).
package threatintel

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"time"
)

// Topic is the well-known gossipsub topic advisories are published on.
const Topic = "aegis/threat-intel/v1"

// Advisory is a signed claim that an IP should be blocked for a duration.
type Advisory struct {
	SourceNodeID string    `json:"source_node_id"`
	IP           string    `json:"ip"`
	Severity     int       `json:"severity"`
	DurationSecs int       `json:"duration_secs"`
	Reason       string    `json:"reason"`
	Timestamp    time.Time `json:"timestamp"`
	PublicKeyHex string    `json:"public_key"`
	Signature    []byte    `json:"signature"`
}

// canonicalPayload returns the bytes that were signed: every field except
// Signature itself, serialized deterministically.
func (a Advisory) canonicalPayload() ([]byte, error) {
	clone := a
	clone.Signature = nil
	return json.Marshal(clone)
}

// maxFutureSkew and maxAge bound how far an advisory's timestamp may drift
// from now.
const (
	maxFutureSkew = 5 * time.Minute
	maxAge        = time.Hour
)

// Validate applies the inbound-advisory checks: timestamp window, severity
// range, duration range, IP format, and that source_node_id is the sha256
// of the claimed public key.
func (a Advisory) Validate(now time.Time, nodeIDFromPubKey func(string) (string, error)) error {
	if now.Sub(a.Timestamp) > maxAge {
		return fmt.Errorf("threatintel: advisory timestamp too old: %s", a.Timestamp)
	}
	if a.Timestamp.Sub(now) > maxFutureSkew {
		return fmt.Errorf("threatintel: advisory timestamp too far in the future: %s", a.Timestamp)
	}
	if a.Severity < 1 || a.Severity > 10 {
		return fmt.Errorf("threatintel: severity %d out of range [1,10]", a.Severity)
	}
	if a.DurationSecs < 1 || a.DurationSecs > 86400 {
		return fmt.Errorf("threatintel: duration_secs %d out of range [1,86400]", a.DurationSecs)
	}
	if _, err := netip.ParseAddr(a.IP); err != nil {
		return fmt.Errorf("threatintel: invalid ip %q: %w", a.IP, err)
	}
	expectedID, err := nodeIDFromPubKey(a.PublicKeyHex)
	if err != nil {
		return fmt.Errorf("threatintel: derive node id: %w", err)
	}
	if expectedID != a.SourceNodeID {
		return fmt.Errorf("threatintel: source_node_id does not match sha256(public_key)")
	}
	return nil
}
