package controlapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/FunwayHQ/project-aegis-sub001/internal/challenge"
)

func (h *Handler) issueChallenge(w http.ResponseWriter, r *http.Request) {
	clientIP := h.clientIP(r)
	if !h.issueLimiterFor(clientIP).Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "challenge issuance rate exceeded"})
		return
	}

	ctype := challenge.Type(r.URL.Query().Get("type"))
	if ctype == "" {
		ctype = challenge.TypeManaged
	}
	c, err := h.Challenge.IssueChallenge(clientIP, ctype)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":             c.ID,
		"pow_challenge":  c.PowChallenge,
		"pow_difficulty": c.PowDifficulty,
		"type":           c.Type,
		"expires_at":     c.ExpiresAt,
	})
}

func (h *Handler) challengePage(w http.ResponseWriter, r *http.Request) {
	c, err := h.Challenge.IssueChallenge(h.clientIP(r), challenge.TypeManaged)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Aegis-Challenge", c.ID)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, challengePageTemplate, c.ID, c.PowChallenge, c.PowDifficulty)
}

// challengePageTemplate is the minimal HTML shell that solves the PoW
// client-side, matching the AEGIS_CHALLENGE/solvePoW naming
// original_source/node/src/challenge_api.rs's generated page used.
const challengePageTemplate = `<!DOCTYPE html>
<html>
<head><title>Checking your browser</title></head>
<body>
<script>
const AEGIS_CHALLENGE = {id: %q, prefix: %q, difficulty: %d};
async function solvePoW(challenge) {
  const enc = new TextEncoder();
  for (let nonce = 0; ; nonce++) {
    const data = enc.encode(challenge.prefix + nonce);
    const digest = new Uint8Array(await crypto.subtle.digest('SHA-256', data));
    let zeroBits = 0;
    scan: for (const b of digest) {
      if (b === 0) { zeroBits += 8; continue; }
      for (let m = 0x80; m > 0; m >>= 1) {
        if (b & m) break scan;
        zeroBits++;
      }
    }
    if (zeroBits >= challenge.difficulty) return nonce;
  }
}
solvePoW(AEGIS_CHALLENGE);
</script>
</body>
</html>`

type verifySolutionRequest struct {
	ChallengeID string              `json:"challenge_id"`
	PowNonce    uint64              `json:"pow_nonce"`
	Fingerprint challenge.Fingerprint `json:"browser_fingerprint"`
}

func (h *Handler) verifyChallenge(w http.ResponseWriter, r *http.Request) {
	var req verifySolutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "invalid request body"})
		return
	}

	result := h.Challenge.VerifySolution(challenge.Solution{
		ChallengeID: req.ChallengeID,
		PowNonce:    req.PowNonce,
		Fingerprint: req.Fingerprint,
	}, h.clientIP(r))

	if result.Success {
		w.Header().Set("Set-Cookie", challenge.CookieValue(result.Token))
	}
	writeJSON(w, http.StatusOK, result)
}

type verifyTokenRequest struct {
	Token string `json:"token"`
}

func (h *Handler) verifyToken(w http.ResponseWriter, r *http.Request) {
	var req verifyTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	claims, err := h.Challenge.VerifyToken(req.Token, h.clientIP(r))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":          true,
		"score":          claims.Score,
		"expires_at":     claims.ExpiresAt,
		"challenge_type": claims.ChallengeType,
	})
}

func (h *Handler) challengePublicKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"algorithm":  "Ed25519",
		"public_key": h.Challenge.PublicKeyHex(),
	})
}
