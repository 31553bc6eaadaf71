// Package runtime implements the sandboxed module runtime (C8): loading
// signed WebAssembly bytecode, enforcing CPU-fuel/memory/wall-clock quotas,
// and exposing a host API to cache, HTTP, and request/response mutation.
// Grounded on core/virtual_machine.go (wasmer-go engine/store/
// instance wiring, "env"-namespaced host functions over ptr/len memory
// access) and core/vm_sandbox_management.go (lifecycle bookkeeping).
package runtime

import "strings"

// Header is a single request/response header, preserved in declaration order
// with duplicates allowed.
type Header struct {
	Name  string
	Value string
}

// ExecutionContext is the per-request state threaded through a module
// chain. Edge functions mutate it via the host API; the dispatcher and proxy
// core read the final state.
type ExecutionContext struct {
	Method          string
	URI             string
	RequestHeaders  []Header
	RequestBody     []byte
	ResponseStatus  int
	ResponseHeaders []Header
	ResponseBody    []byte
	TerminateEarly  bool
}

// HeaderValue returns the first header value matching name, case-insensitive.
func (c *ExecutionContext) HeaderValue(name string) (string, bool) {
	for _, h := range c.RequestHeaders {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// HeaderNames returns the request header names in declaration order.
func (c *ExecutionContext) HeaderNames() []string {
	names := make([]string, len(c.RequestHeaders))
	for i, h := range c.RequestHeaders {
		names[i] = h.Name
	}
	return names
}

// containsCRLF reports whether a header value contains a raw CR or LF byte.
// The host API must reject such values as a CRLF injection defense.
func containsCRLF(v string) bool {
	return strings.ContainsAny(v, "\r\n")
}

// SetResponseHeader sets (replacing any existing) a response header. Values
// containing CR/LF are rejected.
func (c *ExecutionContext) SetResponseHeader(name, value string) error {
	if containsCRLF(value) {
		return errHeaderInjection
	}
	for i, h := range c.ResponseHeaders {
		if strings.EqualFold(h.Name, name) {
			c.ResponseHeaders[i].Value = value
			return nil
		}
	}
	c.ResponseHeaders = append(c.ResponseHeaders, Header{Name: name, Value: value})
	return nil
}

// AddResponseHeader appends a response header without replacing duplicates.
func (c *ExecutionContext) AddResponseHeader(name, value string) error {
	if containsCRLF(value) {
		return errHeaderInjection
	}
	c.ResponseHeaders = append(c.ResponseHeaders, Header{Name: name, Value: value})
	return nil
}

// RemoveResponseHeader deletes all response headers matching name.
func (c *ExecutionContext) RemoveResponseHeader(name string) {
	out := c.ResponseHeaders[:0]
	for _, h := range c.ResponseHeaders {
		if !strings.EqualFold(h.Name, name) {
			out = append(out, h)
		}
	}
	c.ResponseHeaders = out
}

// Terminate sets terminate_early and the final status, mirroring the
// request_terminate host call.
func (c *ExecutionContext) Terminate(status int) {
	c.TerminateEarly = true
	c.ResponseStatus = status
}
