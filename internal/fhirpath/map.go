// Package fhirpath implements the subset of FHIR-path navigation this proxy
// needs: given a parsed resource body, follow a small dotted expression table
// (PatientFhirPathMap) down to the Reference elements it points at. It does
// not implement general FHIR-path (functions, filters, polymorphic type
// tests) — only the plain field/array traversal the embedded expression
// table actually uses, grounded on the same compartment-table shape the
// teacher's internal/platform/fhir/compartment_definition.go uses for its
// resource-type -> field-name associations, here expressed as dotted paths
// instead of bare search-parameter names.
package fhirpath

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
)

//go:embed data/patient_paths.json
var patientPathsJSON []byte

// Map is the immutable resourceType -> list-of-expressions table used to
// locate Patient references embedded directly in a resource body (as
// opposed to CompartmentMap, which locates them via search parameters).
type Map struct {
	byResourceType map[string][]string
}

// Load parses the embedded patient_paths.json table. A failure here is
// fatal at startup, mirroring compartment.Load.
func Load() (*Map, error) {
	var raw map[string][]string
	if err := json.Unmarshal(patientPathsJSON, &raw); err != nil {
		return nil, fmt.Errorf("parsing embedded patient fhir-path table: %w", err)
	}
	return &Map{byResourceType: raw}, nil
}

// Expressions returns the dotted expressions for resourceType, or nil if
// the resource type carries no direct Patient reference.
func (m *Map) Expressions(resourceType string) []string {
	return m.byResourceType[resourceType]
}

// Reference is a minimal projection of a FHIR Reference element: just the
// "reference" string this proxy needs to resolve a patient ID.
type Reference struct {
	Value string
}

// Eval walks expr (e.g. "Observation.performer" or
// "CareTeam.participant.member") over resource and returns every Reference
// found at the expression's leaf. expr's leading segment is the resource
// type and is skipped; every other segment is a plain object-field name.
// An array encountered mid-path is traversed element-wise. A leaf object
// shaped like {"reference": "..."} yields one Reference; a leaf array of
// such objects yields one per element.
func Eval(resource map[string]interface{}, expr string) []Reference {
	segments := strings.Split(expr, ".")
	if len(segments) < 2 {
		return nil
	}
	return walk([]interface{}{resource}, segments[1:])
}

func walk(values []interface{}, segments []string) []Reference {
	if len(segments) == 0 {
		var out []Reference
		for _, v := range values {
			out = append(out, leafReferences(v)...)
		}
		return out
	}

	field := segments[0]
	var next []interface{}
	for _, v := range values {
		switch t := v.(type) {
		case map[string]interface{}:
			if child, ok := t[field]; ok {
				next = append(next, flattenArray(child)...)
			}
		case []interface{}:
			for _, elem := range t {
				m, ok := elem.(map[string]interface{})
				if !ok {
					continue
				}
				if child, ok := m[field]; ok {
					next = append(next, flattenArray(child)...)
				}
			}
		}
	}
	return walk(next, segments[1:])
}

func flattenArray(v interface{}) []interface{} {
	if arr, ok := v.([]interface{}); ok {
		return arr
	}
	return []interface{}{v}
}

func leafReferences(v interface{}) []Reference {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	ref, ok := m["reference"].(string)
	if !ok || ref == "" {
		return nil
	}
	return []Reference{{Value: ref}}
}
