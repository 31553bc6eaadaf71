package runtime

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// ModuleType distinguishes the policy role a loaded module plays.
type ModuleType int

const (
	TypeWAF ModuleType = iota
	TypeEdgeFunction
	TypeRateLimiter
)

// Descriptor is the runtime-owned metadata for a loaded module. The
// runtime exclusively owns every loaded module;
// this struct is shared read-only by reference; unload is permitted only
// when RefCount is zero.
type Descriptor struct {
	Name               string
	Type               ModuleType
	SemanticVersion    string
	ContentAddress     string
	LoadTimestamp      time.Time
	Signature          []byte
	PublicKey          ed25519.PublicKey
	Verified           bool
	ContentHash        string
	LastIntegrityCheck time.Time
	RefCount           int
}

// entry bundles a Descriptor with its compiled module handle.
type entry struct {
	desc *Descriptor
	mod  compiledModule
}

// Registry tracks loaded modules, mirroring the bookkeeping pattern of
// core/vm_sandbox_management.go (global map + mutex, Start/Stop-equivalent
// lifecycle, List/Status queries) generalized from per-contract sandboxes to
// per-name policy modules.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*entry
	vm      *VM
}

func newRegistry(vm *VM) *Registry {
	return &Registry{modules: make(map[string]*entry), vm: vm}
}

// Load verifies (if requested), compiles, and registers a module under name.
// Unsigned modules are only accepted when requiredPubKey is nil, a
// deployment policy decided per-route.
func (r *Registry) Load(name string, bytecode []byte, typ ModuleType, contentAddress string, signature []byte, requiredPubKey ed25519.PublicKey) (*Descriptor, error) {
	verified := false
	if requiredPubKey != nil {
		if len(signature) == 0 {
			return nil, errSignatureMissing
		}
		if !ed25519.Verify(requiredPubKey, bytecode, signature) {
			return nil, errSignatureInvalid
		}
		verified = true
	}

	sum := sha256.Sum256(bytecode)
	mod, err := r.vm.compile(bytecode)
	if err != nil {
		return nil, fmt.Errorf("runtime: compile module %s: %w", name, err)
	}

	desc := &Descriptor{
		Name:               name,
		Type:               typ,
		ContentAddress:     contentAddress,
		LoadTimestamp:      time.Now(),
		Signature:          signature,
		PublicKey:          requiredPubKey,
		Verified:           verified,
		ContentHash:        hex.EncodeToString(sum[:]),
		LastIntegrityCheck: time.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[name] = &entry{desc: desc, mod: mod}
	return desc, nil
}

// Unload releases a module's compiled instance once its reference count is
// zero.
func (r *Registry) Unload(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.modules[name]
	if !ok {
		return errModuleNotFound
	}
	if e.desc.RefCount != 0 {
		return errModuleInUse
	}
	delete(r.modules, name)
	return nil
}

// Get returns the descriptor and compiled module for name.
func (r *Registry) Get(name string) (*Descriptor, compiledModule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.modules[name]
	if !ok {
		return nil, nil, false
	}
	return e.desc, e.mod, true
}

// List returns a snapshot of all loaded module descriptors.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.modules))
	for _, e := range r.modules {
		out = append(out, *e.desc)
	}
	return out
}

// acquire/release implement the refcounting contract: unload is only valid
// when RefCount is zero.
func (r *Registry) acquire(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.modules[name]; ok {
		e.desc.RefCount++
	}
}

func (r *Registry) release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.modules[name]; ok && e.desc.RefCount > 0 {
		e.desc.RefCount--
	}
}
