// Package inspector implements the Resource Inspector (C2): it parses FHIR
// resource bytes and extracts the set of patient identifiers a resource, a
// transaction Bundle, or a JSON-Patch document touches, driven by a
// CompartmentMap and a PatientFhirPathMap. Grounded on spec.md §4.2; no
// equivalent exists in the teacher repo, which authorizes purely on JWT
// claims without inspecting resource bodies, so this package's algorithms
// follow the specification directly rather than an adapted teacher file.
package inspector

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ehrgateway/fhir-gateway/internal/fhir"
	"github.com/ehrgateway/fhir-gateway/internal/fhirpath"
	"github.com/ehrgateway/fhir-gateway/internal/gatewayerr"
	"github.com/ehrgateway/fhir-gateway/internal/request"
)

// reservedSearchModifiers can bypass patient scoping and must never reach
// the backend unexamined.
var reservedSearchModifiers = map[string]bool{
	"_include":    true,
	"_revinclude": true,
	"_has":        true,
}

// CompartmentLookup is the subset of *compartment.Map this package needs.
type CompartmentLookup interface {
	Params(resourceType string) []string
}

// FhirPathLookup is the subset of *fhirpath.Map this package needs.
type FhirPathLookup interface {
	Expressions(resourceType string) []string
}

// Inspector is the C2 Resource Inspector.
type Inspector struct {
	compartments CompartmentLookup
	paths        FhirPathLookup
}

// New builds an Inspector over the given CompartmentMap and
// PatientFhirPathMap.
func New(compartments CompartmentLookup, paths FhirPathLookup) *Inspector {
	return &Inspector{compartments: compartments, paths: paths}
}

// InspectResourceBody implements the "single resource" algorithm: evaluate
// every PatientFhirPathMap expression for resourceType against body and
// return the union of resolved patient ids.
func (i *Inspector) InspectResourceBody(resourceType string, body []byte) (PatientSet, error) {
	var resource map[string]interface{}
	if err := json.Unmarshal(body, &resource); err != nil {
		return nil, gatewayerr.InvalidRequest(fmt.Sprintf("malformed %s body: %v", resourceType, err), err)
	}
	return i.inspectParsedResource(resourceType, resource), nil
}

func (i *Inspector) inspectParsedResource(resourceType string, resource map[string]interface{}) PatientSet {
	cm := newCompartmentParamsAdapter(i.compartments)
	out := NewPatientSet()
	for _, expr := range i.paths.Expressions(resourceType) {
		field := lastSegment(expr)
		for _, ref := range fhirpath.Eval(resource, expr) {
			parsed := parseReference(ref.Value)
			if isPatientEligible(parsed, resourceType, field, cm) {
				out.Add(PatientID(parsed.ID))
			}
		}
	}
	return out
}

func lastSegment(expr string) string {
	parts := strings.Split(expr, ".")
	return parts[len(parts)-1]
}

// lastPatchSegment returns the last non-numeric segment of a JSON-Patch
// path such as "/performer/0" or "/subject", skipping trailing array
// indices so it lines up with a CompartmentMap field name.
func lastPatchSegment(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] == "" {
			continue
		}
		isIndex := true
		for _, r := range parts[i] {
			if r < '0' || r > '9' {
				isIndex = false
				break
			}
		}
		if !isIndex {
			return parts[i]
		}
	}
	return ""
}

// InspectSearchParams implements the "search parameters" algorithm: reject
// reserved modifiers and chained parameters outright, then union the
// patient ids carried by every CompartmentMap-listed parameter present in
// q with exactly one value.
func (i *Inspector) InspectSearchParams(resourceType string, q request.Query) (PatientSet, error) {
	for _, name := range q.Names() {
		if reservedSearchModifiers[name] {
			return nil, gatewayerr.InvalidRequest(fmt.Sprintf("search modifier %q is not permitted", name), nil)
		}
		if strings.Contains(name, ":") {
			return nil, gatewayerr.InvalidRequest(fmt.Sprintf("chained search parameter %q is not permitted", name), nil)
		}
	}

	out := NewPatientSet()
	for _, param := range i.compartments.Params(resourceType) {
		if !q.Has(param) {
			continue
		}
		value, ok := q.Get(param)
		if !ok {
			return nil, gatewayerr.InvalidRequest(fmt.Sprintf("search parameter %q must be supplied exactly once", param), nil)
		}
		for _, candidate := range strings.Split(value, ",") {
			parsed := parseReference(candidate)
			cm := newCompartmentParamsAdapter(i.compartments)
			if isPatientEligible(parsed, resourceType, param, cm) {
				out.Add(PatientID(parsed.ID))
			}
		}
	}
	return out, nil
}

// InspectJSONPatch implements the JSON-Patch algorithm for a standalone
// PATCH request body (outside a Bundle): only add/replace operations are
// examined; any remove/move targeting a patient-compartment path fails.
func (i *Inspector) InspectJSONPatch(resourceType string, body []byte) (PatientSet, error) {
	ops, err := fhir.ParsePatch(body)
	if err != nil {
		return nil, gatewayerr.InvalidRequest(err.Error(), err)
	}

	out := NewPatientSet()
	cm := newCompartmentParamsAdapter(i.compartments)
	for _, op := range ops {
		switch op.Op {
		case fhir.PatchOpAdd, fhir.PatchOpReplace:
			var refHolder struct {
				Reference string `json:"reference"`
			}
			if len(op.Value) == 0 || json.Unmarshal(op.Value, &refHolder) != nil || refHolder.Reference == "" {
				continue
			}
			parsed := parseReference(refHolder.Reference)
			field := lastPatchSegment(op.Path)
			if isPatientEligible(parsed, resourceType, field, cm) {
				out.Add(PatientID(parsed.ID))
			}
		case fhir.PatchOpRemove, fhir.PatchOpMove:
			if cm.isCompartmentParam(resourceType, lastPatchSegment(op.Path)) {
				return nil, gatewayerr.InvalidRequest(fmt.Sprintf("patch operation %q on compartment path %q is not permitted", op.Op, op.Path), nil)
			}
		}
	}
	return out, nil
}
