// Package routetable implements the ordered route matcher (C9), matching
// (method, path, headers) against a request to produce a module chain. The
// declarative table is loaded via YAML, matching the gopkg.in/yaml.v3
// dependency used elsewhere in this module.
package routetable

import (
	"net/http"
	"regexp"
	"sort"
	"strings"
)

// PathPattern selects how Path is matched against a request URI.
type PathPattern string

const (
	PathExact  PathPattern = "exact"
	PathPrefix PathPattern = "prefix"
	PathRegex  PathPattern = "regex"
)

// MethodMatch selects how Methods is matched against the request method.
type MethodMatch string

const (
	MethodSingle MethodMatch = "single"
	MethodAnyOf  MethodMatch = "any_of"
	MethodAll    MethodMatch = "all"
)

// ModuleType mirrors the type tags a module-ref may carry.
type ModuleType string

const (
	ModuleWAF          ModuleType = "waf"
	ModuleEdgeFunction ModuleType = "edge_function"
	ModuleRateLimiter  ModuleType = "rate_limiter"
)

// ModuleRef is one entry in a route's module chain.
type ModuleRef struct {
	Type               ModuleType        `yaml:"type"`
	ModuleID           string            `yaml:"module_id"`
	ContentAddress     string            `yaml:"content_address,omitempty"`
	RequiredPublicKey  string            `yaml:"required_public_key,omitempty"`
	Config             map[string]string `yaml:"config,omitempty"`
}

// Entry is a single route table row.
type Entry struct {
	Name              string            `yaml:"name"`
	Priority          int               `yaml:"priority"`
	Enabled           bool              `yaml:"enabled"`
	Path              string            `yaml:"path"`
	PathPattern       PathPattern       `yaml:"path_pattern"`
	Methods           []string          `yaml:"methods"`
	MethodMatch       MethodMatch       `yaml:"method_match"`
	HeaderConstraints map[string]string `yaml:"header_constraints,omitempty"`
	ModuleChain       []ModuleRef       `yaml:"module_chain"`

	compiledRegex *regexp.Regexp
}

// Settings holds the route table's global policy knobs.
type Settings struct {
	MaxModulesPerRequest int  `yaml:"max_modules_per_request"`
	ContinueOnError      bool `yaml:"continue_on_error"`
}

// File is the declarative configuration shape: routes[], optional
// default_modules applied when no route matches, and global settings.
type File struct {
	Routes         []Entry     `yaml:"routes"`
	DefaultModules []ModuleRef `yaml:"default_modules,omitempty"`
	Settings       Settings    `yaml:"settings"`
}

// Table is the compiled, priority-sorted route table used for matching.
type Table struct {
	entries        []Entry
	defaultModules []ModuleRef
	settings       Settings
}

// NewTable compiles regex patterns and sorts entries by priority descending,
// ties broken by declaration order (stable sort).
func NewTable(f File) (*Table, error) {
	entries := make([]Entry, len(f.Routes))
	copy(entries, f.Routes)
	for i := range entries {
		if entries[i].PathPattern == PathRegex {
			re, err := regexp.Compile(entries[i].Path)
			if err != nil {
				return nil, err
			}
			entries[i].compiledRegex = re
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Priority > entries[j].Priority
	})
	return &Table{entries: entries, defaultModules: f.DefaultModules, settings: f.Settings}, nil
}

// Match finds the first enabled route satisfying path/method/header
// predicates, in priority order. ok is false if nothing matches.
func (t *Table) Match(method, path string, headers http.Header) (Entry, bool) {
	for _, e := range t.entries {
		if !e.Enabled {
			continue
		}
		if !matchPath(e, path) {
			continue
		}
		if !matchMethod(e, method) {
			continue
		}
		if !matchHeaders(e, headers) {
			continue
		}
		return e, true
	}
	return Entry{}, false
}

// DefaultModules returns the chain applied when no route matches.
func (t *Table) DefaultModules() []ModuleRef { return t.defaultModules }

// Settings returns the table's global policy settings.
func (t *Table) Settings() Settings { return t.settings }

func matchPath(e Entry, path string) bool {
	switch e.PathPattern {
	case PathExact, "":
		return path == e.Path
	case PathPrefix:
		return strings.HasPrefix(path, e.Path)
	case PathRegex:
		if e.compiledRegex == nil {
			return false
		}
		return e.compiledRegex.MatchString(path)
	default:
		return false
	}
}

func matchMethod(e Entry, method string) bool {
	switch e.MethodMatch {
	case MethodSingle, "":
		if len(e.Methods) == 0 {
			return true
		}
		return strings.EqualFold(e.Methods[0], method)
	case MethodAnyOf:
		for _, m := range e.Methods {
			if m == "*" || strings.EqualFold(m, method) {
				return true
			}
		}
		return false
	case MethodAll:
		return true
	default:
		return false
	}
}

func matchHeaders(e Entry, headers http.Header) bool {
	for name, want := range e.HeaderConstraints {
		got := headers.Get(name)
		if got != want {
			return false
		}
	}
	return true
}
