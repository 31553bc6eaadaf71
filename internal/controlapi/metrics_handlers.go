package controlapi

import (
	"net/http"
	"strconv"
	"time"
)

func (h *Handler) verifiableMetricsAll(w http.ResponseWriter, r *http.Request) {
	reports, gaps, err := h.MetricsLog.All()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reports": reports, "sequence_gaps": gaps})
}

func (h *Handler) verifiableMetricsLatest(w http.ResponseWriter, r *http.Request) {
	report, ok, err := h.MetricsLog.Latest()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no reports recorded yet"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) verifiableMetricsRange(w http.ResponseWriter, r *http.Request) {
	start, err := parseUnixParam(r, "start", time.Now().Add(-24*time.Hour))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid start"})
		return
	}
	end, err := parseUnixParam(r, "end", time.Now())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid end"})
		return
	}
	reports, err := h.MetricsLog.Range(start, end)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reports": reports})
}

func parseUnixParam(r *http.Request, name string, fallback time.Time) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

func (h *Handler) verifiableMetricsPublicKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"algorithm":  "Ed25519",
		"public_key": h.Challenge.PublicKeyHex(),
	})
}
