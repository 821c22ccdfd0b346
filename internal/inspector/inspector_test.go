package inspector

import (
	"testing"

	"github.com/ehrgateway/fhir-gateway/internal/gatewayerr"
	"github.com/ehrgateway/fhir-gateway/internal/request"
)

type stubCompartments map[string][]string

func (s stubCompartments) Params(resourceType string) []string { return s[resourceType] }

type stubPaths map[string][]string

func (s stubPaths) Expressions(resourceType string) []string { return s[resourceType] }

func testInspector() *Inspector {
	return New(
		stubCompartments{"Observation": {"subject", "performer"}},
		stubPaths{"Observation": {"Observation.subject", "Observation.performer"}},
	)
}

func TestInspectResourceBody_UnionsAcrossExpressions(t *testing.T) {
	ins := testInspector()
	body := []byte(`{
		"resourceType": "Observation",
		"subject": {"reference": "Patient/P1"},
		"performer": [{"reference": "Practitioner/1"}, {"reference": "Patient/P2"}]
	}`)
	set, err := ins.InspectResourceBody("Observation", body)
	if err != nil {
		t.Fatalf("InspectResourceBody: %v", err)
	}
	if !set.Contains("P1") || !set.Contains("P2") || len(set) != 2 {
		t.Fatalf("expected {P1,P2}, got %v", set.Slice())
	}
}

func TestInspectResourceBody_RejectsNonPatientTypedReference(t *testing.T) {
	ins := testInspector()
	body := []byte(`{"resourceType": "Observation", "subject": {"reference": "Group/G1"}}`)
	set, err := ins.InspectResourceBody("Observation", body)
	if err != nil {
		t.Fatalf("InspectResourceBody: %v", err)
	}
	if len(set) != 0 {
		t.Fatalf("expected empty set for Group-typed reference, got %v", set.Slice())
	}
}

func TestInspectSearchParams_SingleValue(t *testing.T) {
	ins := testInspector()
	q := request.NewQuery([]string{"subject"}, map[string][]string{"subject": {"Patient/P1"}})
	set, err := ins.InspectSearchParams("Observation", q)
	if err != nil {
		t.Fatalf("InspectSearchParams: %v", err)
	}
	if !set.IsSingleton("P1") {
		t.Fatalf("expected singleton {P1}, got %v", set.Slice())
	}
}

func TestInspectSearchParams_CommaListYieldsMultipleMembers(t *testing.T) {
	ins := testInspector()
	q := request.NewQuery([]string{"subject"}, map[string][]string{"subject": {"P1,P2"}})
	set, err := ins.InspectSearchParams("Observation", q)
	if err != nil {
		t.Fatalf("InspectSearchParams: %v", err)
	}
	if len(set) != 2 {
		t.Fatalf("expected 2 members, got %v", set.Slice())
	}
}

func TestInspectSearchParams_RejectsIncludeModifier(t *testing.T) {
	ins := testInspector()
	q := request.NewQuery([]string{"_include"}, map[string][]string{"_include": {"*"}})
	_, err := ins.InspectSearchParams("Observation", q)
	ge, ok := gatewayerr.As(err)
	if !ok || ge.Kind != gatewayerr.KindInvalidRequest {
		t.Fatalf("expected InvalidRequest for _include, got %v", err)
	}
}

func TestInspectSearchParams_RejectsChainedParameter(t *testing.T) {
	ins := testInspector()
	q := request.NewQuery([]string{"subject:Patient.name"}, map[string][]string{"subject:Patient.name": {"foo"}})
	_, err := ins.InspectSearchParams("Observation", q)
	ge, ok := gatewayerr.As(err)
	if !ok || ge.Kind != gatewayerr.KindInvalidRequest {
		t.Fatalf("expected InvalidRequest for chained parameter, got %v", err)
	}
}

func TestInspectBundle_MixedTransactionSets(t *testing.T) {
	ins := testInspector()
	bundle := []byte(`{
		"resourceType": "Bundle",
		"type": "transaction",
		"entry": [
			{"request": {"method": "PUT", "url": "Patient/P1"}, "resource": {"resourceType": "Patient", "id": "P1"}},
			{"request": {"method": "POST", "url": "Observation"}, "resource": {"resourceType": "Observation", "subject": {"reference": "Patient/P1"}}},
			{"request": {"method": "POST", "url": "Observation"}, "resource": {"resourceType": "Observation", "subject": {"reference": "Patient/P2"}}}
		]
	}`)
	bp, err := ins.InspectBundle(bundle)
	if err != nil {
		t.Fatalf("InspectBundle: %v", err)
	}
	if bp.CreatesNewPatient {
		t.Error("expected CreatesNewPatient=false")
	}
	if !bp.UpdatedPatientIDs.IsSingleton("P1") {
		t.Fatalf("expected updated set {P1}, got %v", bp.UpdatedPatientIDs.Slice())
	}
	if len(bp.ReferencedPatientSets) != 2 {
		t.Fatalf("expected 2 referenced sets, got %d", len(bp.ReferencedPatientSets))
	}
	if !bp.ReferencedPatientSets[1].IsSingleton("P2") {
		t.Fatalf("expected second referenced set {P2}, got %v", bp.ReferencedPatientSets[1].Slice())
	}
}

func TestInspectBundle_GETDirectReadRecordsPatient(t *testing.T) {
	ins := testInspector()
	bundle := []byte(`{
		"resourceType": "Bundle",
		"type": "transaction",
		"entry": [{"request": {"method": "GET", "url": "Patient/P1"}}]
	}`)
	bp, err := ins.InspectBundle(bundle)
	if err != nil {
		t.Fatalf("InspectBundle: %v", err)
	}
	if len(bp.ReferencedPatientSets) != 1 || !bp.ReferencedPatientSets[0].IsSingleton("P1") {
		t.Fatalf("expected referenced set {P1}, got %v", bp.ReferencedPatientSets)
	}
}

func TestInspectBundle_GETSearchRecordsCompartmentScopedPatient(t *testing.T) {
	ins := testInspector()
	bundle := []byte(`{
		"resourceType": "Bundle",
		"type": "transaction",
		"entry": [{"request": {"method": "GET", "url": "Observation?subject=Patient/P2"}}]
	}`)
	bp, err := ins.InspectBundle(bundle)
	if err != nil {
		t.Fatalf("InspectBundle: %v", err)
	}
	if len(bp.ReferencedPatientSets) != 1 || !bp.ReferencedPatientSets[0].IsSingleton("P2") {
		t.Fatalf("expected referenced set {P2}, got %v", bp.ReferencedPatientSets)
	}
}

func TestInspectBundle_GETWithNoCompartmentScopeRecordsEmptySet(t *testing.T) {
	ins := testInspector()
	bundle := []byte(`{
		"resourceType": "Bundle",
		"type": "transaction",
		"entry": [{"request": {"method": "GET", "url": "Observation?status=final"}}]
	}`)
	bp, err := ins.InspectBundle(bundle)
	if err != nil {
		t.Fatalf("InspectBundle: %v", err)
	}
	if len(bp.ReferencedPatientSets) != 1 || len(bp.ReferencedPatientSets[0]) != 0 {
		t.Fatalf("expected one empty referenced set, got %v", bp.ReferencedPatientSets)
	}
}

func TestInspectBundle_RejectsNonTransactionType(t *testing.T) {
	ins := testInspector()
	bundle := []byte(`{"resourceType": "Bundle", "type": "batch", "entry": []}`)
	_, err := ins.InspectBundle(bundle)
	ge, ok := gatewayerr.As(err)
	if !ok || ge.Kind != gatewayerr.KindInvalidRequest {
		t.Fatalf("expected InvalidRequest for non-transaction bundle, got %v", err)
	}
}

func TestInspectBundle_PostPatientSetsCreatesNewPatient(t *testing.T) {
	ins := testInspector()
	bundle := []byte(`{
		"resourceType": "Bundle",
		"type": "transaction",
		"entry": [{"request": {"method": "POST", "url": "Patient"}, "resource": {"resourceType": "Patient"}}]
	}`)
	bp, err := ins.InspectBundle(bundle)
	if err != nil {
		t.Fatalf("InspectBundle: %v", err)
	}
	if !bp.CreatesNewPatient {
		t.Error("expected CreatesNewPatient=true")
	}
}

func TestInspectJSONPatch_CollectsAddAndReplace(t *testing.T) {
	ins := testInspector()
	patch := []byte(`[
		{"op": "add", "path": "/subject", "value": {"reference": "Patient/P1"}},
		{"op": "replace", "path": "/performer/0", "value": {"reference": "Patient/P2"}}
	]`)
	set, err := ins.InspectJSONPatch("Observation", patch)
	if err != nil {
		t.Fatalf("InspectJSONPatch: %v", err)
	}
	if len(set) != 2 || !set.Contains("P1") || !set.Contains("P2") {
		t.Fatalf("expected {P1,P2}, got %v", set.Slice())
	}
}

func TestInspectJSONPatch_RejectsRemoveOnCompartmentPath(t *testing.T) {
	ins := testInspector()
	patch := []byte(`[{"op": "remove", "path": "/subject"}]`)
	_, err := ins.InspectJSONPatch("Observation", patch)
	ge, ok := gatewayerr.As(err)
	if !ok || ge.Kind != gatewayerr.KindInvalidRequest {
		t.Fatalf("expected InvalidRequest for remove on compartment path, got %v", err)
	}
}
