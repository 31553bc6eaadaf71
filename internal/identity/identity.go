// Package identity manages the node's Ed25519 signing keypair, used to sign
// threat advisories (C13), verifiable metric reports (C14), and challenge
// clearance tokens (C12).
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Identity holds a node's long-lived Ed25519 keypair.
type Identity struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// NodeID is the lowercase hex SHA-256 digest of the public key. Threat
// advisories carry this value as source_node_id.
func (id *Identity) NodeID() string {
	sum := sha256.Sum256(id.Public)
	return hex.EncodeToString(sum[:])
}

// Sign signs payload with the node's private key.
func (id *Identity) Sign(payload []byte) []byte {
	return ed25519.Sign(id.private, payload)
}

// Verify checks a signature against this identity's public key.
func (id *Identity) Verify(payload, sig []byte) bool {
	return ed25519.Verify(id.Public, payload, sig)
}

// PublicKeyHex returns the public key as lowercase hex, the form exposed by
// the /public-key control-API endpoints.
func (id *Identity) PublicKeyHex() string {
	return hex.EncodeToString(id.Public)
}

// FromKeypair wraps an already-generated keypair as an Identity, used by
// tests and by callers that manage key material themselves.
func FromKeypair(pub ed25519.PublicKey, priv ed25519.PrivateKey) *Identity {
	return &Identity{Public: pub, private: priv}
}

// LoadOrCreate reads an Ed25519 seed from path, creating one with
// owner-only permissions if it does not exist. The seed file stores the raw
// 32-byte private seed; the public key is derived from it.
func LoadOrCreate(path string) (*Identity, error) {
	seed, err := os.ReadFile(path)
	if err == nil {
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("identity: seed file %s has wrong length %d", path, len(seed))
		}
		priv := ed25519.NewKeyFromSeed(seed)
		return &Identity{Public: priv.Public().(ed25519.PublicKey), private: priv}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: read seed %s: %w", path, err)
	}

	pub, priv, genErr := ed25519.GenerateKey(rand.Reader)
	if genErr != nil {
		return nil, fmt.Errorf("identity: generate key: %w", genErr)
	}
	if dir := filepath.Dir(path); dir != "." {
		if mkErr := os.MkdirAll(dir, 0o700); mkErr != nil {
			return nil, fmt.Errorf("identity: create dir %s: %w", dir, mkErr)
		}
	}
	if wErr := os.WriteFile(path, priv.Seed(), 0o600); wErr != nil {
		return nil, fmt.Errorf("identity: write seed %s: %w", path, wErr)
	}
	return &Identity{Public: pub, private: priv}, nil
}

// VerifyPublicKey checks sig over payload against an arbitrary hex-encoded
// public key, used when authenticating inbound threat advisories from peers.
func VerifyPublicKey(pubHex string, payload, sig []byte) (bool, error) {
	raw, err := hex.DecodeString(pubHex)
	if err != nil {
		return false, fmt.Errorf("identity: decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return false, fmt.Errorf("identity: public key wrong length %d", len(raw))
	}
	return ed25519.Verify(ed25519.PublicKey(raw), payload, sig), nil
}

// NodeIDFromPublicKeyHex computes the node ID (sha256 hex) for an arbitrary
// hex-encoded public key, used to validate a peer's source_node_id claim.
func NodeIDFromPublicKeyHex(pubHex string) (string, error) {
	raw, err := hex.DecodeString(pubHex)
	if err != nil {
		return "", fmt.Errorf("identity: decode public key: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
