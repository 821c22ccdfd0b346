package accesschecker

import (
	"context"
	"fmt"
	"strings"

	"github.com/ehrgateway/fhir-gateway/internal/fhir"
	"github.com/ehrgateway/fhir-gateway/internal/gatewayerr"
	"github.com/ehrgateway/fhir-gateway/internal/inspector"
	"github.com/ehrgateway/fhir-gateway/internal/request"
	"github.com/ehrgateway/fhir-gateway/internal/token"
)

// AccessListChecker implements spec.md §4.4.2: the caller may access any
// patient enumerated on a backend List resource named by the token's
// patient_list claim.
type AccessListChecker struct{}

func (AccessListChecker) Check(ctx context.Context, v request.View, dt token.DecodedToken, insp *inspector.Inspector, client BackendClient) (Decision, error) {
	listID := dt.StringClaim("patient_list")
	if listID == "" {
		return deny("token is missing required patient_list claim"), nil
	}

	if v.Method == "GET" && v.ResourceType == "List" && v.ResourceID == listID {
		return grant(nil), nil
	}

	isNewPatientPUT := v.Method == "PUT" && v.ResourceType == "Patient" && v.ResourceID != ""

	set, err := resolveRequestPatientSet(v, insp)
	if err != nil {
		return Decision{}, err
	}

	if isNewPatientPUT {
		// A new patient may not yet be on the list; membership is
		// established by the post-processor after a successful create.
		return grant(listAppender{listID: listID, patientID: v.ResourceID}), nil
	}

	if len(set) == 0 {
		return deny("request carries no patient reference to check against the access list"), nil
	}

	ok, err := isListMember(ctx, client, listID, set)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return deny("patient(s) not present on access list " + listID), nil
	}
	return grant(nil), nil
}

// resolveRequestPatientSet extracts the patient set the request touches,
// the same way the patient-compartment checker does, but without requiring
// a single claim to compare against — the access-list checker only needs
// the union of referenced patients.
func resolveRequestPatientSet(v request.View, insp *inspector.Inspector) (inspector.PatientSet, error) {
	if isBundleTransactionPOST(v) {
		body, err := v.Body.Bytes()
		if err != nil {
			return nil, err
		}
		bp, err := insp.InspectBundle(body)
		if err != nil {
			return nil, err
		}
		out := bp.UpdatedPatientIDs
		for _, s := range bp.ReferencedPatientSets {
			out = out.Union(s)
		}
		return out, nil
	}

	switch v.Method {
	case "GET", "DELETE":
		if v.ResourceType == "Patient" && v.ResourceID != "" {
			return inspector.NewPatientSet(inspector.PatientID(v.ResourceID)), nil
		}
		return insp.InspectSearchParams(v.ResourceType, v.Query)
	case "POST", "PUT":
		if v.ResourceType == "Patient" {
			if v.ResourceID != "" {
				return inspector.NewPatientSet(inspector.PatientID(v.ResourceID)), nil
			}
			return inspector.NewPatientSet(), nil
		}
		body, err := v.Body.Bytes()
		if err != nil {
			return nil, err
		}
		return insp.InspectResourceBody(v.ResourceType, body)
	case "PATCH":
		body, err := v.Body.Bytes()
		if err != nil {
			return nil, err
		}
		return insp.InspectJSONPatch(v.ResourceType, body)
	default:
		return inspector.NewPatientSet(), nil
	}
}

// isListMember issues `List?_id={listID}&item=Patient/{p1},Patient/{p2}&_elements=id`
// and grants iff the returned Bundle's total equals 1, per spec.md §4.4.2.
func isListMember(ctx context.Context, client BackendClient, listID string, patients inspector.PatientSet) (bool, error) {
	ids := patients.Slice()
	items := make([]string, 0, len(ids))
	for _, id := range ids {
		items = append(items, "Patient/"+string(id))
	}
	query := map[string][]string{
		"_id":       {listID},
		"item":      {strings.Join(items, ",")},
		"_elements": {"id"},
	}
	status, body, err := client.Do(ctx, "GET", "/List", query, nil)
	if err != nil {
		return false, err
	}
	if status/100 != 2 {
		return false, gatewayerr.Backend(fmt.Sprintf("access-list lookup returned status %d", status), nil, false)
	}
	bundle, err := fhir.ParseBundle(body)
	if err != nil {
		return false, gatewayerr.Backend("parsing access-list lookup response", err, false)
	}
	return bundle.Total != nil && *bundle.Total == 1, nil
}

// listAppender is the patient-list appender post-processor of spec.md §4.7:
// on a successful new-Patient create it PATCHes the List to add the new id.
// Failures are logged by the caller (the pipeline) and never alter the
// already-successful client-visible response.
type listAppender struct {
	listID    string
	patientID string
}

// Process runs after a successful new-Patient PUT: it patches the access
// list named by listID to add the new patient. l.patientID is always the
// path id of the PUT that produced this post-processor (AccessListChecker
// only ever constructs a listAppender for isNewPatientPUT, which requires
// v.ResourceID != ""), so there is no response body to parse a new id out of.
func (l listAppender) Process(ctx context.Context, v request.View, status int, headers map[string][]string, body []byte) ([]byte, error) {
	if status/100 != 2 {
		return nil, nil
	}

	patch, err := fhir.AddPatch("/entry/-", map[string]interface{}{
		"item": map[string]interface{}{"reference": "Patient/" + l.patientID},
	})
	if err != nil {
		return nil, err
	}

	client, ok := ctx.Value(backendClientContextKey{}).(BackendClient)
	if !ok || client == nil {
		return nil, fmt.Errorf("list appender: no backend client in context")
	}
	respStatus, _, err := client.Do(ctx, "PATCH", "/List/"+l.listID, nil, patch)
	if err != nil {
		return nil, err
	}
	if respStatus/100 != 2 {
		return nil, fmt.Errorf("list appender: PATCH List/%s returned status %d", l.listID, respStatus)
	}
	return nil, nil
}

// backendClientContextKey is how the pipeline threads its BackendClient
// into post-processor Process calls without widening the PostProcessor
// interface just for this one checker's need.
type backendClientContextKey struct{}

// WithBackendClient returns a context carrying client for post-processors
// that need to issue follow-up backend calls (the list appender).
func WithBackendClient(ctx context.Context, client BackendClient) context.Context {
	return context.WithValue(ctx, backendClientContextKey{}, client)
}

func lastPathSegment(path string) string {
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
