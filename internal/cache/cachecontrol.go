package cache

import (
	"strconv"
	"strings"
)

// ControlDirectives represents the parsed Cache-Control header, grounded on
// original_source/node/src/cache.rs's CacheControl.
type ControlDirectives struct {
	NoCache bool
	NoStore bool
	MaxAge  *uint64
	Private bool
	Public  bool
}

// ParseControl parses a Cache-Control header value. Recognized directives
// are case-insensitive, comma-separated, and whitespace-tolerant.
func ParseControl(headerValue string) ControlDirectives {
	var c ControlDirectives
	for _, raw := range strings.Split(headerValue, ",") {
		directive := strings.ToLower(strings.TrimSpace(raw))
		switch {
		case directive == "no-cache":
			c.NoCache = true
		case directive == "no-store":
			c.NoStore = true
		case directive == "private":
			c.Private = true
		case directive == "public":
			c.Public = true
		case strings.HasPrefix(directive, "max-age="):
			if n, err := strconv.ParseUint(strings.TrimPrefix(directive, "max-age="), 10, 64); err == nil {
				c.MaxAge = &n
			}
		}
	}
	return c
}

// ShouldCache reports whether a response governed by these directives may be
// stored in a shared cache.
func (c ControlDirectives) ShouldCache() bool {
	if c.NoStore || c.NoCache {
		return false
	}
	if c.Private {
		return false
	}
	return true
}

// EffectiveTTL returns the TTL in seconds to apply, or nil if the response
// must not be cached at all.
func (c ControlDirectives) EffectiveTTL(defaultTTL uint64) *uint64 {
	if !c.ShouldCache() {
		return nil
	}
	if c.MaxAge != nil {
		v := *c.MaxAge
		return &v
	}
	return &defaultTTL
}
