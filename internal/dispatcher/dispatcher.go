// Package dispatcher implements the module chain walker (C10): given a
// matched route and initial execution context, it sequences
// WAF -> rate-limiter -> edge-function modules with early-termination and
// fail-open/fail-closed semantics.
package dispatcher

import (
	"time"

	"github.com/FunwayHQ/project-aegis-sub001/internal/ratelimit"
	"github.com/FunwayHQ/project-aegis-sub001/internal/routetable"
	"github.com/FunwayHQ/project-aegis-sub001/internal/runtime"
)

// ModuleRuntime is the subset of internal/runtime.VM the dispatcher depends
// on, kept as an interface so tests can supply a fake without touching the
// wasmer-go engine.
type ModuleRuntime interface {
	ExecuteWAF(moduleID string, ctx *runtime.ExecutionContext) (runtime.WafResult, error)
	ExecuteEdgeFunction(moduleID, entry string, ctx *runtime.ExecutionContext) (runtime.ExecuteEdgeFunctionResult, error)
}

// RateLimiter is the subset of internal/ratelimit.Limiter the dispatcher
// depends on.
type RateLimiter interface {
	Check(key string) (ratelimit.Decision, error)
}

// Metrics receives pipeline-level block/rate-limit counts; implemented by
// internal/vmetrics.LiveCounters.
type Metrics interface {
	IncWAFBlock()
	IncRateLimited()
}

// ResultKind distinguishes the three PipelineResult shapes Dispatch can
// return.
type ResultKind int

const (
	ResultSuccess ResultKind = iota
	ResultBlocked
	ResultRateLimited
)

// ModuleTiming records one executed module's elapsed time.
type ModuleTiming struct {
	ModuleID      string
	ElapsedMicros int64
}

// PipelineResult is the outcome of Dispatch.
type PipelineResult struct {
	Kind            ResultKind
	Status          int
	Body            string
	RetryAfter      time.Duration
	FinalCtx        *runtime.ExecutionContext
	ModulesExecuted int
	Timings         []ModuleTiming
}

// Dispatcher walks a route's module chain against the runtime and rate
// limiter.
type Dispatcher struct {
	rt ModuleRuntime
	rl RateLimiter

	// Metrics is nil-safe; assign it after New when verifiable metrics are
	// enabled.
	Metrics Metrics
}

// New constructs a Dispatcher.
func New(rt ModuleRuntime, rl RateLimiter) *Dispatcher {
	return &Dispatcher{rt: rt, rl: rl}
}

// rateLimitKey builds the rate-limiter key for a rate_limiter module-ref,
// default to the module ID itself; callers may override per request (e.g.
// module_id+client_ip) by providing keyOverride.
func rateLimitKey(ref routetable.ModuleRef, keyOverride string) string {
	if keyOverride != "" {
		return keyOverride
	}
	return ref.ModuleID
}

// Dispatch executes route.ModuleChain against ctx, truncated to
// maxModulesPerRequest. rateKey is the resource key used for any
// rate_limiter modules in the chain (typically derived from client IP or
// token).
func (d *Dispatcher) Dispatch(route routetable.Entry, settings routetable.Settings, ctx *runtime.ExecutionContext, rateKey string) PipelineResult {
	chain := route.ModuleChain
	limit := settings.MaxModulesPerRequest
	if limit <= 0 || limit > len(chain) {
		limit = len(chain)
	}
	chain = chain[:limit]

	var timings []ModuleTiming
	executed := 0

	for _, mod := range chain {
		start := time.Now()

		switch mod.Type {
		case routetable.ModuleWAF:
			res, err := d.rt.ExecuteWAF(mod.ModuleID, ctx)
			if err != nil {
				if settings.ContinueOnError {
					timings = append(timings, ModuleTiming{mod.ModuleID, 0})
					executed++
					continue
				}
				// Fail-closed: a WAF that could not be evaluated is treated
				// as "would have blocked".
				return PipelineResult{Kind: ResultBlocked, Status: 403, Body: "waf evaluation failed", Timings: timings, ModulesExecuted: executed}
			}
			executed++
			timings = append(timings, ModuleTiming{mod.ModuleID, time.Since(start).Microseconds()})
			if res.Blocked {
				status := res.Status
				if status == 0 {
					status = 403
				}
				if d.Metrics != nil {
					d.Metrics.IncWAFBlock()
				}
				return PipelineResult{Kind: ResultBlocked, Status: status, Body: res.Reason, Timings: timings, ModulesExecuted: executed}
			}

		case routetable.ModuleRateLimiter:
			if d.rl == nil {
				executed++
				timings = append(timings, ModuleTiming{mod.ModuleID, time.Since(start).Microseconds()})
				continue
			}
			dec, err := d.rl.Check(rateLimitKey(mod, rateKey))
			if err != nil {
				if settings.ContinueOnError {
					executed++
					timings = append(timings, ModuleTiming{mod.ModuleID, 0})
					continue
				}
				return PipelineResult{Kind: ResultBlocked, Status: 500, Body: "rate limiter failed", Timings: timings, ModulesExecuted: executed}
			}
			executed++
			timings = append(timings, ModuleTiming{mod.ModuleID, time.Since(start).Microseconds()})
			if !dec.Allowed {
				if d.Metrics != nil {
					d.Metrics.IncRateLimited()
				}
				return PipelineResult{Kind: ResultRateLimited, Status: 429, RetryAfter: dec.RetryAfter, Timings: timings, ModulesExecuted: executed}
			}

		case routetable.ModuleEdgeFunction:
			res, err := d.rt.ExecuteEdgeFunction(mod.ModuleID, "", ctx)
			if err != nil {
				if settings.ContinueOnError {
					executed++
					timings = append(timings, ModuleTiming{mod.ModuleID, 0})
					continue
				}
				return PipelineResult{Kind: ResultBlocked, Status: 500, Body: "edge function failed", Timings: timings, ModulesExecuted: executed}
			}
			ctx = res.UpdatedCtx
			executed++
			timings = append(timings, ModuleTiming{mod.ModuleID, time.Since(start).Microseconds()})
			if ctx.TerminateEarly {
				return PipelineResult{Kind: ResultSuccess, FinalCtx: ctx, Timings: timings, ModulesExecuted: executed}
			}
		}
	}

	return PipelineResult{Kind: ResultSuccess, FinalCtx: ctx, Timings: timings, ModulesExecuted: executed}
}
