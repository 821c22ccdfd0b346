package inspector

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ehrgateway/fhir-gateway/internal/fhir"
	"github.com/ehrgateway/fhir-gateway/internal/gatewayerr"
	"github.com/ehrgateway/fhir-gateway/internal/request"
)

// BundlePatients is the result of inspecting a transaction Bundle, per
// spec.md §3.
type BundlePatients struct {
	UpdatedPatientIDs    PatientSet
	CreatesNewPatient    bool
	ReferencedPatientSets []PatientSet
}

// InspectBundle implements the Bundle algorithm of spec.md §4.2. data must
// decode to a Bundle of type "transaction"; any other type fails.
func (i *Inspector) InspectBundle(data []byte) (BundlePatients, error) {
	b, err := fhir.ParseBundle(data)
	if err != nil {
		return BundlePatients{}, gatewayerr.InvalidRequest("malformed Bundle: "+err.Error(), err)
	}
	if b.Type != fhir.BundleTypeTransaction {
		return BundlePatients{}, gatewayerr.InvalidRequest(fmt.Sprintf("Bundle type %q is not supported; only %q is", b.Type, fhir.BundleTypeTransaction), nil)
	}

	out := BundlePatients{UpdatedPatientIDs: NewPatientSet()}
	for idx, entry := range b.Entry {
		if entry.Request == nil {
			return out, gatewayerr.InvalidRequest(fmt.Sprintf("bundle entry %d is missing request", idx), nil)
		}
		method := strings.ToUpper(entry.Request.Method)
		resourceType, resourceID := splitBundleEntryURL(entry.Request.URL)

		switch method {
		case "GET":
			set, err := i.inspectBundleGetEntry(resourceType, resourceID, entry.Request.URL)
			if err != nil {
				return out, err
			}
			out.ReferencedPatientSets = append(out.ReferencedPatientSets, set)

		case "POST":
			if resourceType == "Patient" {
				out.CreatesNewPatient = true
				continue
			}
			set, err := i.inspectBundleEntryBody(resourceType, entry, idx)
			if err != nil {
				return out, err
			}
			out.ReferencedPatientSets = append(out.ReferencedPatientSets, set)

		case "PUT":
			if resourceType == "Patient" {
				if resourceID == "" {
					return out, gatewayerr.InvalidRequest(fmt.Sprintf("bundle entry %d: PUT Patient requires an id", idx), nil)
				}
				out.UpdatedPatientIDs.Add(PatientID(resourceID))
				continue
			}
			set, err := i.inspectBundleEntryBody(resourceType, entry, idx)
			if err != nil {
				return out, err
			}
			out.ReferencedPatientSets = append(out.ReferencedPatientSets, set)

		case "PATCH":
			if resourceType != "Binary" {
				return out, gatewayerr.InvalidRequest(fmt.Sprintf("bundle entry %d: PATCH is only permitted on Binary resources, got %q", idx, resourceType), nil)
			}

		case "DELETE":
			// A DELETE entry's target is not resolved and nothing is
			// recorded for it in BundlePatients, so no patient check
			// covers it.
			continue

		default:
			return out, gatewayerr.InvalidRequest(fmt.Sprintf("bundle entry %d: unsupported method %q", idx, method), nil)
		}
	}
	return out, nil
}

// inspectBundleGetEntry resolves the patient set a Bundle GET entry reads,
// per spec.md §4.2: a direct "Patient/{id}" read resolves to {id} itself; a
// search resolves via the same compartment-scoped search-parameter
// algorithm InspectSearchParams applies to a standalone GET. An empty
// result (no compartment-scoped parameter present) is still recorded, so
// that a transaction-wide check correctly denies a GET entry that carries
// no provable patient reference — matching how a standalone GET request
// against the same target would be scoped.
func (i *Inspector) inspectBundleGetEntry(resourceType, resourceID, rawURL string) (PatientSet, error) {
	if resourceType == "Patient" && resourceID != "" {
		return NewPatientSet(PatientID(resourceID)), nil
	}
	return i.InspectSearchParams(resourceType, bundleEntryQuery(rawURL))
}

// bundleEntryQuery parses the query string of a Bundle entry's request.url
// into a request.Query, preserving first-seen parameter order the same way
// the pipeline's own query parser does for top-level requests.
func bundleEntryQuery(rawURL string) request.Query {
	u, err := url.Parse(rawURL)
	if err != nil {
		return request.NewQuery(nil, nil)
	}
	var names []string
	values := make(map[string][]string)
	seen := make(map[string]bool)
	for _, pair := range strings.Split(u.RawQuery, "&") {
		if pair == "" {
			continue
		}
		var key, val string
		if idx := strings.IndexByte(pair, '='); idx >= 0 {
			key, val = pair[:idx], pair[idx+1:]
		} else {
			key = pair
		}
		key, err := url.QueryUnescape(key)
		if err != nil {
			continue
		}
		val, err = url.QueryUnescape(val)
		if err != nil {
			continue
		}
		if !seen[key] {
			seen[key] = true
			names = append(names, key)
		}
		values[key] = append(values[key], val)
	}
	return request.NewQuery(names, values)
}

func (i *Inspector) inspectBundleEntryBody(resourceType string, entry fhir.BundleEntry, idx int) (PatientSet, error) {
	if len(entry.Resource) == 0 {
		return nil, gatewayerr.InvalidRequest(fmt.Sprintf("bundle entry %d: %s requires an inline resource", idx, resourceType), nil)
	}
	set, err := i.InspectResourceBody(resourceType, entry.Resource)
	if err != nil {
		return nil, err
	}
	if len(set) == 0 {
		return nil, gatewayerr.InvalidRequest(fmt.Sprintf("bundle entry %d: %s resource carries no patient reference", idx, resourceType), nil)
	}
	return set, nil
}

// splitBundleEntryURL extracts the resource type and, if present, the
// logical id from a Bundle entry's request.url, which may be a bare
// relative path ("Patient/123") or a search ("Observation?subject=Patient/1").
// An absolute URL is split the same way, so the first segment of its path
// (not the segment after the server base) is taken as the resource type.
func splitBundleEntryURL(raw string) (resourceType, id string) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", ""
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	switch len(segments) {
	case 0:
		return "", ""
	case 1:
		return segments[0], ""
	default:
		return segments[0], segments[1]
	}
}
