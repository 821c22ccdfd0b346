package inspector

import "strings"

// parsedReference is a FHIR Reference.reference string split into its
// resource type (empty if the reference is a bare id or a contained/
// absolute URL the gateway doesn't recognize) and logical id, with any
// "/_history/{vid}" version suffix stripped.
type parsedReference struct {
	ResourceType string
	ID           string
}

// parseReference accepts the common reference shapes this gateway
// encounters: "Patient/123", "123" (bare id), an absolute URL ending in
// one of those, or either with a trailing "/_history/{vid}".
func parseReference(ref string) parsedReference {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return parsedReference{}
	}
	if i := strings.Index(ref, "/_history/"); i >= 0 {
		ref = ref[:i]
	}
	segments := strings.Split(strings.Trim(ref, "/"), "/")
	switch len(segments) {
	case 1:
		return parsedReference{ID: segments[0]}
	default:
		return parsedReference{ResourceType: segments[len(segments)-2], ID: segments[len(segments)-1]}
	}
}

// isPatientEligible decides whether a reference counts as a Patient
// reference per spec.md §4.2: an explicit "Patient" type always counts; any
// other explicit type never counts; an untyped (bare-id) reference counts
// only when the field it was found under is itself patient-compartment
// restricted for owningResourceType.
func isPatientEligible(ref parsedReference, owningResourceType, fieldName string, cm compartmentParamsAdapter) bool {
	if ref.ID == "" {
		return false
	}
	switch ref.ResourceType {
	case "Patient":
		return true
	case "":
		return cm.isCompartmentParam(owningResourceType, fieldName)
	default:
		return false
	}
}

// compartmentParams is the subset of *compartment.Map's behavior this
// package needs, kept as an interface so tests can supply a stub table
// without constructing the embedded-JSON-backed Map.
type compartmentParams interface {
	Params(resourceType string) []string
}

type compartmentParamsAdapter struct{ compartmentParams }

func (a compartmentParamsAdapter) isCompartmentParam(resourceType, param string) bool {
	for _, p := range a.Params(resourceType) {
		if p == param {
			return true
		}
	}
	return false
}

func newCompartmentParamsAdapter(cm compartmentParams) compartmentParamsAdapter {
	return compartmentParamsAdapter{cm}
}
