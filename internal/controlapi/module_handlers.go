package controlapi

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/FunwayHQ/project-aegis-sub001/internal/runtime"
)

type loadModuleRequest struct {
	Name           string `json:"name"`
	BytecodeBase64 string `json:"bytecode_base64"`
	Type           string `json:"type"`
	ContentAddress string `json:"content_address"`
	SignatureHex   string `json:"signature_hex"`
	RequiredKeyHex string `json:"required_public_key_hex"`
}

func moduleTypeFromString(s string) (runtime.ModuleType, bool) {
	switch s {
	case "waf":
		return runtime.TypeWAF, true
	case "edge_function":
		return runtime.TypeEdgeFunction, true
	case "rate_limiter":
		return runtime.TypeRateLimiter, true
	default:
		return 0, false
	}
}

func (h *Handler) loadModule(w http.ResponseWriter, r *http.Request) {
	var req loadModuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	typ, ok := moduleTypeFromString(req.Type)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown module type"})
		return
	}

	bytecode, err := base64.StdEncoding.DecodeString(req.BytecodeBase64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid bytecode encoding"})
		return
	}

	var signature []byte
	if req.SignatureHex != "" {
		signature, err = hex.DecodeString(req.SignatureHex)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid signature encoding"})
			return
		}
	}

	var requiredPubKey []byte
	if req.RequiredKeyHex != "" {
		requiredPubKey, err = hex.DecodeString(req.RequiredKeyHex)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid public key encoding"})
			return
		}
	}

	desc, err := h.Modules.Load(req.Name, bytecode, typ, req.ContentAddress, signature, requiredPubKey)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, desc)
}

type loadFromStoreRequest struct {
	Name           string `json:"name"`
	ContentAddress string `json:"content_address"`
	Type           string `json:"type"`
	SignatureHex   string `json:"signature_hex"`
	RequiredKeyHex string `json:"required_public_key_hex"`
}

// loadModuleFromStore resolves bytecode by content address through the
// module store (C7) instead of accepting it inline, then loads it through
// the same signature-verified path as loadModule.
func (h *Handler) loadModuleFromStore(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "module store not configured"})
		return
	}

	var req loadFromStoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	typ, ok := moduleTypeFromString(req.Type)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown module type"})
		return
	}

	var signature []byte
	var err error
	if req.SignatureHex != "" {
		signature, err = hex.DecodeString(req.SignatureHex)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid signature encoding"})
			return
		}
	}

	var requiredPubKey []byte
	if req.RequiredKeyHex != "" {
		requiredPubKey, err = hex.DecodeString(req.RequiredKeyHex)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid public key encoding"})
			return
		}
	}

	bytecode, err := h.Store.Fetch(r.Context(), req.ContentAddress)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	desc, err := h.Modules.Load(req.Name, bytecode, typ, req.ContentAddress, signature, requiredPubKey)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, desc)
}

type unloadModuleRequest struct {
	Name string `json:"name"`
}

func (h *Handler) unloadModule(w http.ResponseWriter, r *http.Request) {
	var req unloadModuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := h.Modules.Unload(req.Name); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unloaded"})
}

func (h *Handler) listModules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"modules": h.Modules.List()})
}
