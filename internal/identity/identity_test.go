package identity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOrCreatePersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.seed")

	first, err := LoadOrCreate(path)
	require.NoError(t, err)
	require.NotEmpty(t, first.Public)

	second, err := LoadOrCreate(path)
	require.NoError(t, err)
	require.Equal(t, first.Public, second.Public)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	id, err := LoadOrCreate(filepath.Join(t.TempDir(), "node.seed"))
	require.NoError(t, err)

	payload := []byte("canonical-payload")
	sig := id.Sign(payload)
	require.True(t, id.Verify(payload, sig))
	require.False(t, id.Verify([]byte("tampered"), sig))

	ok, err := VerifyPublicKey(id.PublicKeyHex(), payload, sig)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNodeIDMatchesPublicKeyHex(t *testing.T) {
	id, err := LoadOrCreate(filepath.Join(t.TempDir(), "node.seed"))
	require.NoError(t, err)

	nodeID, err := NodeIDFromPublicKeyHex(id.PublicKeyHex())
	require.NoError(t, err)
	require.Equal(t, id.NodeID(), nodeID)
}
