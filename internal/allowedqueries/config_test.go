package allowedqueries

import (
	"testing"

	"github.com/ehrgateway/fhir-gateway/internal/gatewayerr"
	"github.com/ehrgateway/fhir-gateway/internal/request"
)

func view(method, path string, query map[string][]string) request.View {
	names := make([]string, 0, len(query))
	for n := range query {
		names = append(names, n)
	}
	return request.View{Method: method, Path: path, Query: request.NewQuery(names, query)}
}

func TestParse_RejectsMissingPath(t *testing.T) {
	_, err := Parse([]byte(`[{"methods": ["GET"]}]`))
	ge, ok := gatewayerr.As(err)
	if !ok || ge.Kind != gatewayerr.KindConfig {
		t.Fatalf("expected ConfigError for missing path, got %v", err)
	}
}

func TestParse_RejectsMalformedJSON(t *testing.T) {
	_, err := Parse([]byte(`not json`))
	ge, ok := gatewayerr.As(err)
	if !ok || ge.Kind != gatewayerr.KindConfig {
		t.Fatalf("expected ConfigError for malformed JSON, got %v", err)
	}
}

func TestMatch_ExactPathAndMethod(t *testing.T) {
	c, err := Parse([]byte(`[{"path": "metadata", "methods": ["GET"], "unauthenticated": true}]`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	e := c.Match(view("GET", "metadata", nil))
	if e == nil || !e.Unauthenticated {
		t.Fatalf("expected match for GET metadata")
	}
	if c.Match(view("POST", "metadata", nil)) != nil {
		t.Fatalf("expected no match for POST metadata")
	}
}

func TestMatch_TrailingWildcard(t *testing.T) {
	c, err := Parse([]byte(`[{"path": "Composition/*"}]`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Match(view("GET", "Composition/123", nil)) == nil {
		t.Fatalf("expected wildcard match for Composition/123")
	}
	if c.Match(view("GET", "Observation/123", nil)) != nil {
		t.Fatalf("expected no match for Observation/123")
	}
}

func TestMatch_RequiredAndForbiddenParams(t *testing.T) {
	c, err := Parse([]byte(`[{
		"path": "Patient",
		"requiredParams": {"active": "true"},
		"forbiddenParams": ["_include"]
	}]`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Match(view("GET", "Patient", map[string][]string{"active": {"true"}})) == nil {
		t.Fatalf("expected match with required param satisfied")
	}
	if c.Match(view("GET", "Patient", map[string][]string{"active": {"false"}})) != nil {
		t.Fatalf("expected no match when required param value differs")
	}
	if c.Match(view("GET", "Patient", map[string][]string{"active": {"true"}, "_include": {"*"}})) != nil {
		t.Fatalf("expected no match when forbidden param present")
	}
}

func TestMatch_WildcardRequiredParamValue(t *testing.T) {
	c, err := Parse([]byte(`[{"path": "Patient", "requiredParams": {"_id": "*"}}]`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Match(view("GET", "Patient", map[string][]string{"_id": {"anything"}})) == nil {
		t.Fatalf("expected wildcard required param to accept any value")
	}
}

func TestMatch_FirstMatchWins(t *testing.T) {
	c, err := Parse([]byte(`[
		{"path": "Patient/*", "unauthenticated": false},
		{"path": "Patient/*", "unauthenticated": true}
	]`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	e := c.Match(view("GET", "Patient/1", nil))
	if e == nil || e.Unauthenticated {
		t.Fatalf("expected first entry to win, got %+v", e)
	}
}

func TestMatch_NoEntryMatches(t *testing.T) {
	c, err := Parse([]byte(`[{"path": "metadata"}]`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Match(view("GET", "Patient/1", nil)) != nil {
		t.Fatalf("expected no match")
	}
}
