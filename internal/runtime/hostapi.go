package runtime

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wasmerio/wasmer-go/wasmer"
)

// hostCtx is the per-invocation state closed over by every host function,
// generalizing core/virtual_machine.go's hostCtx (mem, store,
// gas, tx, rec) to the edge-proxy domain (mem, execution context, cache
// services, shared out-buffer, fuel budget).
type hostCtx struct {
	mem          *wasmer.Memory
	execCtx      *ExecutionContext
	services     HostServices
	log          *logrus.Entry
	fuelBudget   uint64
	sharedOutBuf []byte
}

func (h *hostCtx) consumeFuel(n uint64) bool {
	if h.fuelBudget < n {
		return false
	}
	h.fuelBudget -= n
	return true
}

func (h *hostCtx) read(ptr, ln int32) []byte {
	if ptr < 0 || ln < 0 {
		return nil
	}
	data := h.mem.Data()
	end := int(ptr) + int(ln)
	if end > len(data) {
		end = len(data)
	}
	if int(ptr) > len(data) {
		return nil
	}
	out := make([]byte, end-int(ptr))
	copy(out, data[ptr:end])
	return out
}

func (h *hostCtx) write(ptr int32, data []byte) {
	mem := h.mem.Data()
	if int(ptr) >= len(mem) {
		return
	}
	n := copy(mem[ptr:], data)
	_ = n
}

// i32fn is a shorthand for building a wasmer function type of n i32 params
// returning one i32.
func i32fn(store *wasmer.Store, nParams int, fn func(args []wasmer.Value) ([]wasmer.Value, error)) *wasmer.Function {
	params := make([]wasmer.ValueKind, nParams)
	for i := range params {
		params[i] = wasmer.I32
	}
	return wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(params...), wasmer.NewValueTypes(wasmer.I32)),
		fn)
}

func errI32() []wasmer.Value { return []wasmer.Value{wasmer.NewI32(-1)} }
func okI32(v int32) []wasmer.Value { return []wasmer.Value{wasmer.NewI32(v)} }

// registerHostAPI builds the "env"-namespaced import object exposing the
// module-facing host functions. All functions except log (which returns
// nothing) return i32 where negative indicates error.
func registerHostAPI(store *wasmer.Store, h *hostCtx) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()

	logFn := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32, wasmer.I32), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			msg := h.read(args[0].I32(), args[1].I32())
			h.log.WithField("module", "wasm").Info(string(msg))
			return []wasmer.Value{}, nil
		})

	cacheGet := i32fn(store, 2, func(args []wasmer.Value) ([]wasmer.Value, error) {
		if !h.consumeFuel(10) {
			return errI32(), nil
		}
		key := h.read(args[0].I32(), args[1].I32())
		val, ok := h.services.CacheGet(context.Background(), string(key))
		if !ok {
			return errI32(), nil
		}
		h.sharedOutBuf = val
		return okI32(int32(len(val))), nil
	})

	cacheSet := i32fn(store, 5, func(args []wasmer.Value) ([]wasmer.Value, error) {
		if !h.consumeFuel(10) {
			return errI32(), nil
		}
		key := h.read(args[0].I32(), args[1].I32())
		val := h.read(args[2].I32(), args[3].I32())
		ttl := uint32(args[4].I32())
		if err := h.services.CacheSet(context.Background(), string(key), val, ttl); err != nil {
			return errI32(), nil
		}
		return okI32(0), nil
	})

	httpVerb := func(method string) *wasmer.Function {
		return i32fn(store, 2, func(args []wasmer.Value) ([]wasmer.Value, error) {
			url := string(h.read(args[0].I32(), args[1].I32()))
			status, err := doHostHTTP(h, method, url, nil, "")
			if err != nil {
				return errI32(), nil
			}
			return okI32(int32(status)), nil
		})
	}

	httpMutating := func(method string) *wasmer.Function {
		return wasmer.NewFunction(store,
			wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32, wasmer.I32, wasmer.I32, wasmer.I32, wasmer.I32, wasmer.I32), wasmer.NewValueTypes(wasmer.I32)),
			func(args []wasmer.Value) ([]wasmer.Value, error) {
				url := string(h.read(args[0].I32(), args[1].I32()))
				body := h.read(args[2].I32(), args[3].I32())
				contentType := string(h.read(args[4].I32(), args[5].I32()))
				if len(body) > 1024*1024 {
					return errI32(), nil
				}
				if contentType == "" {
					return errI32(), nil
				}
				status, err := doHostHTTP(h, method, url, body, contentType)
				if err != nil {
					return errI32(), nil
				}
				return okI32(int32(status)), nil
			})
	}

	httpDelete := i32fn(store, 2, func(args []wasmer.Value) ([]wasmer.Value, error) {
		url := string(h.read(args[0].I32(), args[1].I32()))
		status, err := doHostHTTP(h, http.MethodDelete, url, nil, "")
		if err != nil {
			return errI32(), nil
		}
		return okI32(int32(status)), nil
	})

	requestGetMethod := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(), wasmer.NewValueTypes(wasmer.I32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			h.sharedOutBuf = []byte(h.execCtx.Method)
			return okI32(int32(len(h.sharedOutBuf))), nil
		})

	requestGetURI := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(), wasmer.NewValueTypes(wasmer.I32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			h.sharedOutBuf = []byte(h.execCtx.URI)
			return okI32(int32(len(h.sharedOutBuf))), nil
		})

	requestGetHeader := i32fn(store, 2, func(args []wasmer.Value) ([]wasmer.Value, error) {
		name := string(h.read(args[0].I32(), args[1].I32()))
		v, ok := h.execCtx.HeaderValue(name)
		if !ok {
			return errI32(), nil
		}
		h.sharedOutBuf = []byte(v)
		return okI32(int32(len(v))), nil
	})

	requestGetHeaderNames := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(), wasmer.NewValueTypes(wasmer.I32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			names := strings.Join(h.execCtx.HeaderNames(), "\n")
			h.sharedOutBuf = []byte(names)
			return okI32(int32(len(h.sharedOutBuf))), nil
		})

	requestGetBody := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(), wasmer.NewValueTypes(wasmer.I32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			h.sharedOutBuf = h.execCtx.RequestBody
			return okI32(int32(len(h.sharedOutBuf))), nil
		})

	responseSetStatus := i32fn(store, 1, func(args []wasmer.Value) ([]wasmer.Value, error) {
		h.execCtx.ResponseStatus = int(args[0].I32())
		return okI32(0), nil
	})

	responseSetHeader := i32fn(store, 4, func(args []wasmer.Value) ([]wasmer.Value, error) {
		name := string(h.read(args[0].I32(), args[1].I32()))
		value := string(h.read(args[2].I32(), args[3].I32()))
		if err := h.execCtx.SetResponseHeader(name, value); err != nil {
			return errI32(), nil
		}
		return okI32(0), nil
	})

	responseAddHeader := i32fn(store, 4, func(args []wasmer.Value) ([]wasmer.Value, error) {
		name := string(h.read(args[0].I32(), args[1].I32()))
		value := string(h.read(args[2].I32(), args[3].I32()))
		if err := h.execCtx.AddResponseHeader(name, value); err != nil {
			return errI32(), nil
		}
		return okI32(0), nil
	})

	responseRemoveHeader := i32fn(store, 2, func(args []wasmer.Value) ([]wasmer.Value, error) {
		name := string(h.read(args[0].I32(), args[1].I32()))
		h.execCtx.RemoveResponseHeader(name)
		return okI32(0), nil
	})

	responseSetBody := i32fn(store, 2, func(args []wasmer.Value) ([]wasmer.Value, error) {
		h.execCtx.ResponseBody = h.read(args[0].I32(), args[1].I32())
		return okI32(0), nil
	})

	requestTerminate := i32fn(store, 1, func(args []wasmer.Value) ([]wasmer.Value, error) {
		h.execCtx.Terminate(int(args[0].I32()))
		return okI32(0), nil
	})

	getSharedBuffer := i32fn(store, 3, func(args []wasmer.Value) ([]wasmer.Value, error) {
		destPtr, maxLen, offset := args[0].I32(), args[1].I32(), args[2].I32()
		if int(offset) > len(h.sharedOutBuf) {
			return errI32(), nil
		}
		chunk := h.sharedOutBuf[offset:]
		if int32(len(chunk)) > maxLen {
			chunk = chunk[:maxLen]
		}
		h.write(destPtr, chunk)
		return okI32(int32(len(chunk))), nil
	})

	imports.Register("env", map[string]wasmer.IntoExtern{
		"log":                      logFn,
		"cache_get":                cacheGet,
		"cache_set":                cacheSet,
		"http_get":                 httpVerb(http.MethodGet),
		"http_post":                httpMutating(http.MethodPost),
		"http_put":                 httpMutating(http.MethodPut),
		"http_delete":              httpDelete,
		"request_get_method":       requestGetMethod,
		"request_get_uri":          requestGetURI,
		"request_get_header":       requestGetHeader,
		"request_get_header_names": requestGetHeaderNames,
		"request_get_body":         requestGetBody,
		"response_set_status":      responseSetStatus,
		"response_set_header":      responseSetHeader,
		"response_add_header":      responseAddHeader,
		"response_remove_header":   responseRemoveHeader,
		"response_set_body":        responseSetBody,
		"request_terminate":        requestTerminate,
		"get_shared_buffer":        getSharedBuffer,
	})

	return imports
}

// doHostHTTP performs the outbound HTTP call on behalf of a module, enforcing
// URL scheme in {http,https}; body size <= 1 MiB and non-empty Content-Type
// for mutating verbs are validated by the caller before this is reached for
// POST/PUT.
func doHostHTTP(h *hostCtx, method, url string, body []byte, contentType string) (int, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return 0, errURLScheme
	}
	if len(body) > 1024*1024 {
		return 0, errBodyTooLarge
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	h.sharedOutBuf = respBody
	return resp.StatusCode, nil
}
