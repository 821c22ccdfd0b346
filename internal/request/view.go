// Package request defines RequestView, the read-only projection of an
// inbound HTTP request that C2-C5 operate over, and Mutation, the
// query-parameter/path edits an access-checker may hand back to the
// pipeline. Grounded on the teacher's echo.Context-centric handlers, but
// decoupled from echo so the inspector and access-checker packages need not
// import the HTTP framework.
package request

import (
	"net/textproto"
	"sync"
)

// Query is an ordered multi-map of query-parameter name to its values,
// preserving the order parameters first appeared in per spec.md §3
// ("ordered mapping of query-parameter name -> list of values").
type Query struct {
	names  []string
	values map[string][]string
}

// NewQuery builds a Query from a raw net/url.Values-shaped map, taking
// names in the order given (callers that parsed from the wire should pass
// names in wire order; net/url.Values itself does not preserve order, so
// a caller reading from an http.Request should build names from the raw
// query string, not from url.Values' map iteration).
func NewQuery(names []string, values map[string][]string) Query {
	q := Query{names: append([]string(nil), names...), values: make(map[string][]string, len(values))}
	for _, n := range names {
		q.values[n] = append([]string(nil), values[n]...)
	}
	return q
}

// Names returns the parameter names in their original order.
func (q Query) Names() []string { return append([]string(nil), q.names...) }

// Values returns every value for name, or nil if absent.
func (q Query) Values(name string) []string {
	if q.values == nil {
		return nil
	}
	return q.values[name]
}

// Get returns the single value for name and reports whether name carries
// exactly one value (per C2's "if the request carries exactly one value
// for that name" rule).
func (q Query) Get(name string) (string, bool) {
	v := q.Values(name)
	if len(v) != 1 {
		return "", false
	}
	return v[0], true
}

// Has reports whether name is present at all, regardless of value count.
func (q Query) Has(name string) bool {
	_, ok := q.values[name]
	return ok
}

// with returns a copy of q with name's values replaced (or added, if
// previously absent); without returns a copy with name removed. Both are
// used by View.Apply.
func (q Query) with(name string, values []string) Query {
	names := q.names
	if !q.Has(name) {
		names = append(append([]string(nil), names...), name)
	}
	out := Query{names: names, values: make(map[string][]string, len(q.values)+1)}
	for k, v := range q.values {
		out.values[k] = v
	}
	out.values[name] = values
	return out
}

func (q Query) without(name string) Query {
	out := Query{values: make(map[string][]string, len(q.values))}
	for _, n := range q.names {
		if n == name {
			continue
		}
		out.names = append(out.names, n)
		out.values[n] = q.values[n]
	}
	return out
}

// BodyLoader returns the request body exactly once. Per spec.md §3 the
// body byte sequence is consumed at most once by each collaborator; View
// wraps the underlying loader in a sync.Once-backed cache so repeated
// calls from different collaborators within the same request all observe
// the same bytes without re-reading the wire.
type BodyLoader struct {
	once sync.Once
	load func() ([]byte, error)
	body []byte
	err  error
}

// NewBodyLoader wraps a one-shot byte source.
func NewBodyLoader(load func() ([]byte, error)) *BodyLoader {
	return &BodyLoader{load: load}
}

// Bytes returns the body, reading the underlying source on first call only.
func (b *BodyLoader) Bytes() ([]byte, error) {
	b.once.Do(func() { b.body, b.err = b.load() })
	return b.body, b.err
}

// View is the read-only projection of an inbound HTTP request that C2-C5
// operate over.
type View struct {
	Method       string
	Path         string
	URL          string
	ResourceType string // "" when unknown (e.g. a transaction Bundle POST to "/")
	ResourceID   string // "" when absent
	Query        Query
	Headers      map[string][]string
	Body         *BodyLoader
}

// Header returns the first value of the named header. name is looked up as
// given and then in canonical MIME form, the form net/http stores header
// keys in, so "FHIR-Gateway-Mode" finds a stored "Fhir-Gateway-Mode".
func (v View) Header(name string) string {
	vals := v.Headers[name]
	if len(vals) == 0 {
		vals = v.Headers[textproto.CanonicalMIMEHeaderKey(name)]
	}
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// Mutation is the set of query-parameter additions/removals and path
// rewrites an access-checker's GrantedWithMutation decision carries. The
// request body is never rewritten per spec.md §3.
type Mutation struct {
	// AddParams appends each listed value under its parameter name (e.g.
	// repeated "_tag" entries for the sync-strategy checker); it does not
	// replace any existing values for that name.
	AddParams map[string][]string
	// AddParamOrder fixes the order newly-introduced parameter names are
	// appended in, for deterministic outbound query strings.
	AddParamOrder []string
	// RemoveParams deletes every value for the named parameters.
	RemoveParams []string
	// PathRewrite replaces View.Path when non-empty.
	PathRewrite string
}

// Apply returns a new View with m's edits applied. The receiver is
// unmodified.
func (v View) Apply(m Mutation) View {
	q := v.Query
	for _, name := range m.RemoveParams {
		q = q.without(name)
	}
	for _, name := range m.AddParamOrder {
		existing := q.Values(name)
		q = q.with(name, append(append([]string(nil), existing...), m.AddParams[name]...))
	}
	out := v
	out.Query = q
	if m.PathRewrite != "" {
		out.Path = m.PathRewrite
	}
	return out
}
