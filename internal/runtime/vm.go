package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wasmerio/wasmer-go/wasmer"
)

// Quotas bounds a single module invocation: max memory 10 MiB, max fuel
// ~1M units, wall-clock deadline 10ms (all overridable via configuration).
type Quotas struct {
	MaxMemoryBytes  uint64
	MaxFuelUnits    uint64
	WallClockDeadline time.Duration
}

// DefaultQuotas returns the module invocation defaults.
func DefaultQuotas() Quotas {
	return Quotas{
		MaxMemoryBytes:    10 * 1024 * 1024,
		MaxFuelUnits:      1_000_000,
		WallClockDeadline: 10 * time.Millisecond,
	}
}

// HostServices are the external collaborators the host API functions call
// through to: the shared cache (C3). Outbound HTTP host calls use
// http.DefaultClient directly and do not go through HostServices.
type HostServices interface {
	CacheGet(ctx context.Context, key string) ([]byte, bool)
	CacheSet(ctx context.Context, key string, value []byte, ttlSeconds uint32) error
}

// compiledModule holds the validated bytecode for repeated instantiation. A
// fresh wasmer.Store/Module/Instance is created per invocation, matching the
// teacher's core/virtual_machine.go HeavyVM.Execute pattern, so that one
// module's state never leaks across requests.
type compiledModule struct {
	bytecode []byte
}

// VM is the sandboxed module execution engine (C8).
type VM struct {
	engine   *wasmer.Engine
	services HostServices
	quotas   Quotas
	log      *logrus.Entry
	registry *Registry
}

// New constructs a VM and its module Registry.
func New(services HostServices, quotas Quotas, log *logrus.Entry) *VM {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	vm := &VM{
		engine:   wasmer.NewEngine(),
		services: services,
		quotas:   quotas,
		log:      log,
	}
	vm.registry = newRegistry(vm)
	return vm
}

// Registry exposes the module registry for the dispatcher and control API.
func (vm *VM) Registry() *Registry { return vm.registry }

// compile validates that bytecode parses as a wasm module before it is
// registered; the module is re-instantiated fresh on every invocation.
func (vm *VM) compile(bytecode []byte) (compiledModule, error) {
	store := wasmer.NewStore(vm.engine)
	if _, err := wasmer.NewModule(store, bytecode); err != nil {
		return compiledModule{}, err
	}
	return compiledModule{bytecode: bytecode}, nil
}

// WafResult is the outcome of executing a WAF module.
type WafResult struct {
	Blocked bool
	Status  int
	Reason  string
}

// invocationResult captures the outcome of running a module to completion or
// to a trap/deadline.
type invocationResult struct {
	ctx     *ExecutionContext
	err     error
	trapped bool
}

// runModule instantiates mod fresh, wires the host API over execCtx, calls
// entryName, and enforces the wall-clock deadline. Fuel metering is
// approximated by the hostCtx's fuel budget (decremented by the cache_get and
// cache_set host calls; other host calls do not consume it), since wasmer-go
// v1.0 does not expose Wasmtime-style instruction fuel; this bounds a
// module's cache traffic within a single invocation.
func (vm *VM) runModule(mod compiledModule, entryName string, execCtx *ExecutionContext, quotas Quotas) invocationResult {
	done := make(chan invocationResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invocationResult{ctx: execCtx, err: fmt.Errorf("runtime: module panicked: %v", r), trapped: true}
			}
		}()

		store := wasmer.NewStore(vm.engine)
		module, err := wasmer.NewModule(store, mod.bytecode)
		if err != nil {
			done <- invocationResult{err: fmt.Errorf("runtime: recompile: %w", err)}
			return
		}

		hctx := &hostCtx{
			execCtx:      execCtx,
			services:     vm.services,
			log:          vm.log,
			fuelBudget:   quotas.MaxFuelUnits,
			sharedOutBuf: nil,
		}
		imports := registerHostAPI(store, hctx)

		instance, err := wasmer.NewInstance(module, imports)
		if err != nil {
			done <- invocationResult{err: fmt.Errorf("runtime: instantiate: %w", err)}
			return
		}
		defer instance.Close()

		mem, err := instance.Exports.GetMemory("memory")
		if err != nil {
			done <- invocationResult{err: errors.New("runtime: wasm memory export missing")}
			return
		}
		if uint64(len(mem.Data())) > quotas.MaxMemoryBytes {
			done <- invocationResult{err: fmt.Errorf("runtime: module memory %d exceeds quota %d", len(mem.Data()), quotas.MaxMemoryBytes)}
			return
		}
		hctx.mem = mem

		entry, err := instance.Exports.GetFunction(entryName)
		if err != nil {
			done <- invocationResult{err: fmt.Errorf("runtime: entry %q not exported: %w", entryName, err)}
			return
		}

		if _, err := entry(); err != nil {
			done <- invocationResult{ctx: execCtx, err: fmt.Errorf("runtime: module trapped: %w", err), trapped: true}
			return
		}

		done <- invocationResult{ctx: execCtx}
	}()

	select {
	case res := <-done:
		return res
	case <-time.After(quotas.WallClockDeadline):
		return invocationResult{err: fmt.Errorf("runtime: module exceeded wall-clock deadline %s", quotas.WallClockDeadline), trapped: true}
	}
}

// ExecuteWAF runs a loaded WAF module's standardized on_request entry and
// interprets a nonzero ResponseStatus as a block verdict.
func (vm *VM) ExecuteWAF(moduleID string, execCtx *ExecutionContext) (WafResult, error) {
	desc, mod, ok := vm.registry.Get(moduleID)
	if !ok {
		return WafResult{}, errModuleNotFound
	}
	if desc.Type != TypeWAF {
		return WafResult{}, errTypeMismatch
	}

	vm.registry.acquire(moduleID)
	defer vm.registry.release(moduleID)

	res := vm.runModule(mod, entryPointName, execCtx, vm.quotas)
	if res.err != nil {
		return WafResult{}, res.err
	}
	if res.ctx.TerminateEarly {
		return WafResult{Blocked: true, Status: res.ctx.ResponseStatus, Reason: string(res.ctx.ResponseBody)}, nil
	}
	return WafResult{Blocked: false}, nil
}

// ExecuteEdgeFunctionResult is returned by ExecuteEdgeFunction.
type ExecuteEdgeFunctionResult struct {
	UpdatedCtx *ExecutionContext
}

// ExecuteEdgeFunction runs a loaded edge-function module against execCtx.
// entry is accepted for API compatibility, but every module is in fact
// called via the single standardized entry point on_request; a
// non-standard entry name is accepted and logged as deprecated rather than
// rejected.
func (vm *VM) ExecuteEdgeFunction(moduleID, entry string, execCtx *ExecutionContext) (ExecuteEdgeFunctionResult, error) {
	desc, mod, ok := vm.registry.Get(moduleID)
	if !ok {
		return ExecuteEdgeFunctionResult{}, errModuleNotFound
	}
	if desc.Type != TypeEdgeFunction {
		return ExecuteEdgeFunctionResult{}, errTypeMismatch
	}
	if entry != "" && entry != entryPointName {
		vm.log.WithFields(logrus.Fields{"module": moduleID, "entry": entry}).Warn("runtime: non-standard entry name is deprecated")
	}

	vm.registry.acquire(moduleID)
	defer vm.registry.release(moduleID)

	res := vm.runModule(mod, entryPointName, execCtx, vm.quotas)
	if res.err != nil {
		return ExecuteEdgeFunctionResult{}, res.err
	}
	return ExecuteEdgeFunctionResult{UpdatedCtx: res.ctx}, nil
}

// entryPointName is the single standardized wasm export every module type
// calls into.
const entryPointName = "on_request"
