// Package allowedqueries implements the Allowed-Queries Checker (C3): a
// declarative JSON allow-list matched against an inbound request before any
// access-checker runs, grounded on spec.md §4.3. The path-glob matching
// uses github.com/gobwas/glob, the same library the rest of this
// generation's Go gateway/proxy corpus (other_examples' gateway manifests)
// reaches for instead of a hand-rolled wildcard matcher.
package allowedqueries

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/gobwas/glob"

	"github.com/ehrgateway/fhir-gateway/internal/gatewayerr"
	"github.com/ehrgateway/fhir-gateway/internal/request"
)

// entryConfig is the on-disk JSON shape of one allow-list entry.
type entryConfig struct {
	Path            string            `json:"path"`
	Methods         []string          `json:"methods,omitempty"`
	RequiredParams  map[string]string `json:"requiredParams,omitempty"`
	ForbiddenParams []string          `json:"forbiddenParams,omitempty"`
	Unauthenticated bool              `json:"unauthenticated,omitempty"`
}

// Entry is a parsed, ready-to-match allow-list entry.
type Entry struct {
	pattern         glob.Glob
	methods         map[string]bool // nil means "any method"
	requiredParams  map[string]string
	forbiddenParams []string
	Unauthenticated bool
}

// Checker holds the parsed allow-list and matches requests against it in
// order; first match wins.
type Checker struct {
	entries []Entry
}

// Load parses path (a JSON array of entryConfig) into a Checker. Any parse
// failure or entry missing its path field is a startup ConfigError per
// spec.md §4.3.
func Load(path string) (*Checker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, gatewayerr.Config(fmt.Sprintf("reading allowed-queries config %q", path), err)
	}
	return Parse(data)
}

// Parse parses raw JSON bytes into a Checker, for use by tests and by Load.
func Parse(data []byte) (*Checker, error) {
	var raw []entryConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, gatewayerr.Config("parsing allowed-queries config", err)
	}

	entries := make([]Entry, 0, len(raw))
	for i, ec := range raw {
		if ec.Path == "" {
			return nil, gatewayerr.Config(fmt.Sprintf("allowed-queries entry %d is missing required field 'path'", i), nil)
		}
		pattern, err := glob.Compile(ec.Path, '/')
		if err != nil {
			return nil, gatewayerr.Config(fmt.Sprintf("allowed-queries entry %d has invalid path pattern %q", i, ec.Path), err)
		}
		var methods map[string]bool
		if len(ec.Methods) > 0 {
			methods = make(map[string]bool, len(ec.Methods))
			for _, m := range ec.Methods {
				methods[strings.ToUpper(m)] = true
			}
		}
		entries = append(entries, Entry{
			pattern:         pattern,
			methods:         methods,
			requiredParams:  ec.RequiredParams,
			forbiddenParams: ec.ForbiddenParams,
			Unauthenticated: ec.Unauthenticated,
		})
	}
	return &Checker{entries: entries}, nil
}

// Match returns the first entry matching v, or nil if none match — the
// pipeline's "not applicable, proceed to C4" outcome.
func (c *Checker) Match(v request.View) *Entry {
	for i := range c.entries {
		if c.entries[i].matches(v) {
			return &c.entries[i]
		}
	}
	return nil
}

func (e *Entry) matches(v request.View) bool {
	if !e.pattern.Match(strings.TrimPrefix(v.Path, "/")) {
		return false
	}
	if e.methods != nil && !e.methods[strings.ToUpper(v.Method)] {
		return false
	}
	for name, want := range e.requiredParams {
		got, ok := v.Query.Get(name)
		if !ok {
			if len(v.Query.Values(name)) == 0 {
				return false
			}
			got = v.Query.Values(name)[0]
		}
		if want != "*" && got != want {
			return false
		}
	}
	for _, forbidden := range e.forbiddenParams {
		if v.Query.Has(forbidden) {
			return false
		}
	}
	return true
}
