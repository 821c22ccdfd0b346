package accesschecker

import (
	"context"

	"github.com/ehrgateway/fhir-gateway/internal/inspector"
	"github.com/ehrgateway/fhir-gateway/internal/request"
	"github.com/ehrgateway/fhir-gateway/internal/token"
)

// PatientCompartmentChecker implements spec.md §4.4.1: the caller may only
// touch the single patient named by the token's patient_id claim. When the
// token also carries a scope claim, ScopeGrants additionally gates every
// operation (§4.4.1's "If the token also carries a scope claim... the
// SMART-scope sub-checker additionally gates each operation by permission").
type PatientCompartmentChecker struct{}

func (PatientCompartmentChecker) Check(ctx context.Context, v request.View, dt token.DecodedToken, insp *inspector.Inspector, client BackendClient) (Decision, error) {
	claim := dt.StringClaim("patient_id")
	if claim == "" {
		return deny("token is missing required patient_id claim"), nil
	}
	me := inspector.PatientID(claim)

	decision, err := checkPatientCompartment(v, me, insp)
	if err != nil {
		return Decision{}, err
	}
	if decision.Kind == Denied || !HasScopeClaim(dt) {
		return decision, nil
	}

	resourceType := v.ResourceType
	if isBundleTransactionPOST(v) {
		resourceType = "Bundle"
	}
	if !ScopeGrants(dt, resourceType, operationFor(v)) {
		return deny("SMART scope does not cover this operation"), nil
	}
	return decision, nil
}

func checkPatientCompartment(v request.View, me inspector.PatientID, insp *inspector.Inspector) (Decision, error) {
	if isBundleTransactionPOST(v) {
		return checkPatientCompartmentBundle(v, me, insp)
	}

	switch v.Method {
	case "GET":
		set, err := patientSearchSet(v, insp)
		if err != nil {
			return Decision{}, err
		}
		if !set.IsSingleton(me) {
			return deny("requested patient does not match token's patient_id"), nil
		}
		return grant(nil), nil

	case "POST":
		if v.ResourceType == "Patient" {
			return deny("patient-compartment checker does not permit minting new patients"), nil
		}
		body, err := v.Body.Bytes()
		if err != nil {
			return Decision{}, err
		}
		set, err := insp.InspectResourceBody(v.ResourceType, body)
		if err != nil {
			return Decision{}, err
		}
		if !set.Contains(me) {
			return deny("created resource does not reference token's patient_id"), nil
		}
		return grant(nil), nil

	case "PUT":
		if v.ResourceType == "Patient" {
			if v.ResourceID == "" {
				return deny("PUT Patient requires an id"), nil
			}
			if inspector.PatientID(v.ResourceID) != me {
				return deny("PUT target patient does not match token's patient_id"), nil
			}
			return grant(nil), nil
		}
		body, err := v.Body.Bytes()
		if err != nil {
			return Decision{}, err
		}
		bodySet, err := insp.InspectResourceBody(v.ResourceType, body)
		if err != nil {
			return Decision{}, err
		}
		if !bodySet.Contains(me) {
			return deny("updated resource body does not reference token's patient_id"), nil
		}
		querySet, err := insp.InspectSearchParams(v.ResourceType, v.Query)
		if err != nil {
			return Decision{}, err
		}
		if len(querySet) > 0 && !querySet.Contains(me) {
			return deny("updated resource query scoping does not reference token's patient_id"), nil
		}
		return grant(nil), nil

	case "PATCH":
		body, err := v.Body.Bytes()
		if err != nil {
			return Decision{}, err
		}
		set, err := insp.InspectJSONPatch(v.ResourceType, body)
		if err != nil {
			return Decision{}, err
		}
		if !set.Contains(me) {
			return deny("patch does not reference token's patient_id"), nil
		}
		return grant(nil), nil

	case "DELETE":
		if v.ResourceType == "Patient" {
			return deny("patient-compartment checker does not permit deleting patients"), nil
		}
		set, err := insp.InspectSearchParams(v.ResourceType, v.Query)
		if err != nil {
			return Decision{}, err
		}
		if !set.Contains(me) {
			return deny("delete target does not reference token's patient_id"), nil
		}
		return grant(nil), nil

	default:
		return deny("unsupported method " + v.Method), nil
	}
}

func checkPatientCompartmentBundle(v request.View, me inspector.PatientID, insp *inspector.Inspector) (Decision, error) {
	body, err := v.Body.Bytes()
	if err != nil {
		return Decision{}, err
	}
	bp, err := insp.InspectBundle(body)
	if err != nil {
		return Decision{}, err
	}
	if bp.CreatesNewPatient {
		return deny("bundle transaction mints a new patient"), nil
	}
	for _, id := range bp.UpdatedPatientIDs.Slice() {
		if id != me {
			return deny("bundle transaction updates a patient other than token's patient_id"), nil
		}
	}
	for _, set := range bp.ReferencedPatientSets {
		if !set.Contains(me) {
			return deny("bundle transaction entry does not reference token's patient_id"), nil
		}
	}
	return grant(nil), nil
}

// patientSearchSet resolves the patient set for a GET, following either the
// direct Patient/{id} form or a compartment-scoped search.
func patientSearchSet(v request.View, insp *inspector.Inspector) (inspector.PatientSet, error) {
	if v.ResourceType == "Patient" && v.ResourceID != "" {
		return inspector.NewPatientSet(inspector.PatientID(v.ResourceID)), nil
	}
	return insp.InspectSearchParams(v.ResourceType, v.Query)
}
