package dispatcher

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/FunwayHQ/project-aegis-sub001/internal/ratelimit"
	"github.com/FunwayHQ/project-aegis-sub001/internal/routetable"
	"github.com/FunwayHQ/project-aegis-sub001/internal/runtime"
)

type fakeRuntime struct {
	wafBlocked  bool
	wafErr      error
	edgeErr     error
	edgeTerminate bool
}

func (f *fakeRuntime) ExecuteWAF(moduleID string, ctx *runtime.ExecutionContext) (runtime.WafResult, error) {
	if f.wafErr != nil {
		return runtime.WafResult{}, f.wafErr
	}
	if f.wafBlocked {
		return runtime.WafResult{Blocked: true, Status: 403, Reason: "sqli detected"}, nil
	}
	return runtime.WafResult{}, nil
}

func (f *fakeRuntime) ExecuteEdgeFunction(moduleID, entry string, ctx *runtime.ExecutionContext) (runtime.ExecuteEdgeFunctionResult, error) {
	if f.edgeErr != nil {
		return runtime.ExecuteEdgeFunctionResult{}, f.edgeErr
	}
	if f.edgeTerminate {
		ctx.Terminate(204)
	}
	return runtime.ExecuteEdgeFunctionResult{UpdatedCtx: ctx}, nil
}

type fakeLimiter struct {
	decision ratelimit.Decision
	err      error
}

func (f *fakeLimiter) Check(key string) (ratelimit.Decision, error) {
	return f.decision, f.err
}

func chainOf(refs ...routetable.ModuleRef) routetable.Entry {
	return routetable.Entry{ModuleChain: refs}
}

func TestDispatchWAFBlocks(t *testing.T) {
	d := New(&fakeRuntime{wafBlocked: true}, nil)
	route := chainOf(routetable.ModuleRef{Type: routetable.ModuleWAF, ModuleID: "waf1"})
	res := d.Dispatch(route, routetable.Settings{MaxModulesPerRequest: 10}, &runtime.ExecutionContext{}, "")
	require.Equal(t, ResultBlocked, res.Kind)
	require.Equal(t, 403, res.Status)
}

func TestDispatchRateLimiterDenies(t *testing.T) {
	d := New(&fakeRuntime{}, &fakeLimiter{decision: ratelimit.Decision{Allowed: false, RetryAfter: 30 * time.Second}})
	route := chainOf(routetable.ModuleRef{Type: routetable.ModuleRateLimiter, ModuleID: "rl1"})
	res := d.Dispatch(route, routetable.Settings{MaxModulesPerRequest: 10}, &runtime.ExecutionContext{}, "client-ip")
	require.Equal(t, ResultRateLimited, res.Kind)
	require.Equal(t, 429, res.Status)
	require.Equal(t, 30*time.Second, res.RetryAfter)
}

func TestDispatchSuccessRunsFullChain(t *testing.T) {
	d := New(&fakeRuntime{}, &fakeLimiter{decision: ratelimit.Decision{Allowed: true}})
	route := chainOf(
		routetable.ModuleRef{Type: routetable.ModuleWAF, ModuleID: "waf1"},
		routetable.ModuleRef{Type: routetable.ModuleRateLimiter, ModuleID: "rl1"},
		routetable.ModuleRef{Type: routetable.ModuleEdgeFunction, ModuleID: "fn1"},
	)
	res := d.Dispatch(route, routetable.Settings{MaxModulesPerRequest: 10}, &runtime.ExecutionContext{}, "ip")
	require.Equal(t, ResultSuccess, res.Kind)
	require.Equal(t, 3, res.ModulesExecuted)
}

func TestDispatchTruncatesAtMaxModulesPerRequest(t *testing.T) {
	d := New(&fakeRuntime{}, nil)
	route := chainOf(
		routetable.ModuleRef{Type: routetable.ModuleEdgeFunction, ModuleID: "fn1"},
		routetable.ModuleRef{Type: routetable.ModuleEdgeFunction, ModuleID: "fn2"},
		routetable.ModuleRef{Type: routetable.ModuleEdgeFunction, ModuleID: "fn3"},
	)
	res := d.Dispatch(route, routetable.Settings{MaxModulesPerRequest: 2}, &runtime.ExecutionContext{}, "")
	require.Equal(t, ResultSuccess, res.Kind)
	require.Equal(t, 2, res.ModulesExecuted)
}

func TestDispatchEdgeFunctionEarlyTermination(t *testing.T) {
	d := New(&fakeRuntime{edgeTerminate: true}, nil)
	route := chainOf(
		routetable.ModuleRef{Type: routetable.ModuleEdgeFunction, ModuleID: "fn1"},
		routetable.ModuleRef{Type: routetable.ModuleEdgeFunction, ModuleID: "fn2"},
	)
	res := d.Dispatch(route, routetable.Settings{MaxModulesPerRequest: 10}, &runtime.ExecutionContext{}, "")
	require.Equal(t, ResultSuccess, res.Kind)
	require.Equal(t, 1, res.ModulesExecuted)
	require.Equal(t, 204, res.FinalCtx.ResponseStatus)
}

func TestDispatchContinueOnErrorSkipsFailedModule(t *testing.T) {
	d := New(&fakeRuntime{wafErr: errors.New("trap")}, nil)
	route := chainOf(
		routetable.ModuleRef{Type: routetable.ModuleWAF, ModuleID: "waf1"},
		routetable.ModuleRef{Type: routetable.ModuleEdgeFunction, ModuleID: "fn1"},
	)
	res := d.Dispatch(route, routetable.Settings{MaxModulesPerRequest: 10, ContinueOnError: true}, &runtime.ExecutionContext{}, "")
	require.Equal(t, ResultSuccess, res.Kind)
	require.Equal(t, 2, res.ModulesExecuted)
}

func TestDispatchFailClosedOnWAFErrorWithoutContinue(t *testing.T) {
	d := New(&fakeRuntime{wafErr: errors.New("trap")}, nil)
	route := chainOf(routetable.ModuleRef{Type: routetable.ModuleWAF, ModuleID: "waf1"})
	res := d.Dispatch(route, routetable.Settings{MaxModulesPerRequest: 10, ContinueOnError: false}, &runtime.ExecutionContext{}, "")
	require.Equal(t, ResultBlocked, res.Kind)
	require.Equal(t, 403, res.Status)
}
