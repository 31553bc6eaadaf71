package challenge

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	errTokenMalformed = errors.New("challenge: token malformed")
	errTokenSignature = errors.New("challenge: token signature invalid")
	errTokenExpired   = errors.New("challenge: token expired")
	errTokenIPMismatch = errors.New("challenge: token bound to a different client ip")
)

// mintToken serializes Claims canonically, signs it, and returns a compact
// "base64url(payload).base64url(signature)" token.
func (m *Manager) mintToken(clientIP string, score int, ctype Type) (string, error) {
	claims := Claims{
		ClientIP:      clientIP,
		Score:         score,
		ExpiresAt:     time.Now().Add(TokenTTL),
		ChallengeType: ctype,
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("challenge: marshal claims: %w", err)
	}
	sig := m.id.Sign(payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// VerifyToken checks a token's signature, expiry, and IP binding.
func (m *Manager) VerifyToken(token, clientIP string) (Claims, error) {
	dot := -1
	for i, r := range token {
		if r == '.' {
			dot = i
			break
		}
	}
	if dot < 0 {
		return Claims{}, errTokenMalformed
	}
	payload, err := base64.RawURLEncoding.DecodeString(token[:dot])
	if err != nil {
		return Claims{}, errTokenMalformed
	}
	sig, err := base64.RawURLEncoding.DecodeString(token[dot+1:])
	if err != nil {
		return Claims{}, errTokenMalformed
	}
	if !m.id.Verify(payload, sig) {
		return Claims{}, errTokenSignature
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, errTokenMalformed
	}
	if time.Now().After(claims.ExpiresAt) {
		return Claims{}, errTokenExpired
	}
	if claims.ClientIP != clientIP {
		return Claims{}, errTokenIPMismatch
	}
	return claims, nil
}

// CookieValue formats token as the Set-Cookie header value used by the
// control API, matching challenge_api.rs's
// "name=value; Path=/; Max-Age=900; SameSite=Strict; HttpOnly" shape.
func CookieValue(token string) string {
	return fmt.Sprintf("%s=%s; Path=/; Max-Age=%d; SameSite=Strict; HttpOnly",
		TokenCookieName, token, int(TokenTTL.Seconds()))
}
