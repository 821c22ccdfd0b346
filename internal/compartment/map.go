// Package compartment loads the FHIR R4 Patient CompartmentDefinition into
// an immutable CompartmentMap, grounded on the teacher's
// internal/platform/fhir/compartment_definition.go (PatientCompartmentDef),
// trimmed to the Patient compartment only — the other compartment codes
// (Encounter, Practitioner, RelatedPerson, Device) the teacher carries have
// no role in this proxy's patient-scoping decisions.
package compartment

import (
	_ "embed"
	"encoding/json"
	"fmt"
)

//go:embed data/CompartmentDefinition-patient.json
var patientCompartmentJSON []byte

type compartmentDefinition struct {
	ResourceType string               `json:"resourceType"`
	Code         string               `json:"code"`
	Resource     []compartmentEntry   `json:"resource"`
}

type compartmentEntry struct {
	Code  string   `json:"code"`
	Param []string `json:"param"`
}

// Map is the immutable mapping from FHIR resource type to the ordered list
// of search-parameter names that carry a Patient reference, per spec.md §3.
// It is loaded once at process start and never mutated; concurrent reads
// need no synchronization.
type Map struct {
	byResourceType map[string][]string
}

// Load parses the embedded CompartmentDefinition-patient.json into a Map.
// A parse failure here is fatal per spec.md §6 ("A failure to load either
// static resource on startup is fatal") and should be wrapped by the caller
// as a ConfigError.
func Load() (*Map, error) {
	var def compartmentDefinition
	if err := json.Unmarshal(patientCompartmentJSON, &def); err != nil {
		return nil, fmt.Errorf("parsing embedded patient compartment definition: %w", err)
	}
	if def.ResourceType != "CompartmentDefinition" {
		return nil, fmt.Errorf("embedded patient compartment definition has unexpected resourceType %q", def.ResourceType)
	}

	m := &Map{byResourceType: make(map[string][]string, len(def.Resource))}
	for _, r := range def.Resource {
		m.byResourceType[r.Code] = append([]string(nil), r.Param...)
	}
	return m, nil
}

// Params returns the ordered list of search-parameter names that link
// resourceType into the Patient compartment, or nil if resourceType is not
// a member (e.g. Questionnaire, StructureMap).
func (m *Map) Params(resourceType string) []string {
	return m.byResourceType[resourceType]
}

// IsMember reports whether resourceType carries any Patient-compartment
// search parameter.
func (m *Map) IsMember(resourceType string) bool {
	return len(m.byResourceType[resourceType]) > 0
}
