package runtime

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// minimalWasmModule is the smallest syntactically valid WebAssembly module:
// just the magic number and version header, no imports/exports/code.
var minimalWasmModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func newTestVM(t *testing.T) *VM {
	t.Helper()
	return New(nil, DefaultQuotas(), nil)
}

func TestRegistryLoadUnsignedWhenNoKeyRequired(t *testing.T) {
	vm := newTestVM(t)
	desc, err := vm.Registry().Load("m1", minimalWasmModule, TypeEdgeFunction, "cid1", nil, nil)
	require.NoError(t, err)
	require.False(t, desc.Verified)
	require.NotEmpty(t, desc.ContentHash)
}

func TestRegistryLoadRejectsMissingSignatureWhenKeyRequired(t *testing.T) {
	vm := newTestVM(t)
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, err = vm.Registry().Load("m2", minimalWasmModule, TypeEdgeFunction, "cid2", nil, pub)
	require.ErrorIs(t, err, errSignatureMissing)
}

func TestRegistryLoadVerifiesValidSignature(t *testing.T) {
	vm := newTestVM(t)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sig := ed25519.Sign(priv, minimalWasmModule)

	desc, err := vm.Registry().Load("m3", minimalWasmModule, TypeWAF, "cid3", sig, pub)
	require.NoError(t, err)
	require.True(t, desc.Verified)
}

func TestRegistryLoadRejectsBadSignature(t *testing.T) {
	vm := newTestVM(t)
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, err = vm.Registry().Load("m4", minimalWasmModule, TypeWAF, "cid4", []byte("not-a-signature"), pub)
	require.ErrorIs(t, err, errSignatureInvalid)
}

func TestRegistryUnloadRequiresZeroRefCount(t *testing.T) {
	vm := newTestVM(t)
	_, err := vm.Registry().Load("m5", minimalWasmModule, TypeEdgeFunction, "cid5", nil, nil)
	require.NoError(t, err)

	vm.Registry().acquire("m5")
	err = vm.Registry().Unload("m5")
	require.ErrorIs(t, err, errModuleInUse)

	vm.Registry().release("m5")
	require.NoError(t, vm.Registry().Unload("m5"))
}

func TestRegistryListReturnsSnapshot(t *testing.T) {
	vm := newTestVM(t)
	vm.Registry().Load("a", minimalWasmModule, TypeEdgeFunction, "", nil, nil)
	vm.Registry().Load("b", minimalWasmModule, TypeWAF, "", nil, nil)
	require.Len(t, vm.Registry().List(), 2)
}
