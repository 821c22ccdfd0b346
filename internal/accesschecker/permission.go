package accesschecker

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/ehrgateway/fhir-gateway/internal/fhir"
	"github.com/ehrgateway/fhir-gateway/internal/inspector"
	"github.com/ehrgateway/fhir-gateway/internal/request"
	"github.com/ehrgateway/fhir-gateway/internal/token"
)

// PermissionMode selects which of the three divergent PermissionAccessChecker
// behaviors found in the source pack to run, per spec.md §9's "Known
// ambiguities in source": one variant returns permission-based decisions for
// every method, one always denies writes, one only ever handles GET. This
// gateway codifies all three as an explicit, configured choice rather than
// guessing which one is authoritative.
type PermissionMode string

const (
	// PermissionModeFull is the most complete variant: every method is
	// checked against the required M_{RESOURCE} (or MANAGE_{RESOURCE})
	// role, including POST/PUT/PATCH/DELETE and Bundle transactions. This
	// is spec.md §4.4.4's default behavior.
	PermissionModeFull PermissionMode = "full"
	// PermissionModeReadOnly mirrors the pack's GET-only variant: writes
	// of any kind are denied regardless of role, reads are role-checked
	// normally.
	PermissionModeReadOnly PermissionMode = "read_only"
	// PermissionModeDenyWrites mirrors the pack's always-deny-writes
	// variant: identical to ReadOnly today, kept as a distinct named mode
	// since the two source copies diverged for reasons the spec does not
	// record and a future behavior change may need to tell them apart.
	PermissionModeDenyWrites PermissionMode = "deny_writes"
)

// PermissionChecker implements spec.md §4.4.4's role/permission checker.
type PermissionChecker struct {
	Mode PermissionMode
}

// NewPermissionChecker builds a PermissionChecker in the given mode,
// defaulting to PermissionModeFull when mode is empty.
func NewPermissionChecker(mode PermissionMode) PermissionChecker {
	if mode == "" {
		mode = PermissionModeFull
	}
	return PermissionChecker{Mode: mode}
}

func (p PermissionChecker) Check(ctx context.Context, v request.View, dt token.DecodedToken, insp *inspector.Inspector, client BackendClient) (Decision, error) {
	roles := dt.NestedStringSliceClaim("realm_access.roles")
	if len(roles) == 0 {
		return deny("token carries no realm_access.roles claim"), nil
	}
	roleSet := make(map[string]bool, len(roles))
	for _, r := range roles {
		roleSet[strings.ToUpper(r)] = true
	}

	if isBundleTransactionPOST(v) {
		return p.checkBundle(v, roleSet, insp)
	}

	writeMethod := v.Method == "POST" || v.Method == "PUT" || v.Method == "PATCH" || v.Method == "DELETE"
	if writeMethod && (p.Mode == PermissionModeReadOnly || p.Mode == PermissionModeDenyWrites) {
		return deny("this access checker is configured read-only"), nil
	}

	if !hasRoleFor(roleSet, v.Method, v.ResourceType) {
		return deny("missing role " + requiredRoleName(v.Method, v.ResourceType)), nil
	}

	if v.Method == "PUT" && v.ResourceID != "" {
		body, err := v.Body.Bytes()
		if err != nil {
			return Decision{}, err
		}
		var ident struct {
			ResourceType string `json:"resourceType"`
			ID           string `json:"id"`
		}
		if json.Unmarshal(body, &ident) == nil && ident.ResourceType == v.ResourceType && ident.ID != "" && ident.ID != v.ResourceID {
			return deny("PUT body id does not match the path's resource id"), nil
		}
		set, err := insp.InspectResourceBody(v.ResourceType, body)
		if err != nil {
			return Decision{}, err
		}
		if len(set) > 0 && !set.Contains(inspector.PatientID(v.ResourceID)) {
			return deny("PUT body does not reference the path's resource id"), nil
		}
	}

	return grant(nil), nil
}

func (p PermissionChecker) checkBundle(v request.View, roleSet map[string]bool, insp *inspector.Inspector) (Decision, error) {
	if p.Mode == PermissionModeReadOnly || p.Mode == PermissionModeDenyWrites {
		return deny("this access checker is configured read-only"), nil
	}
	body, err := v.Body.Bytes()
	if err != nil {
		return Decision{}, err
	}
	b, err := fhir.ParseBundle(body)
	if err != nil {
		return Decision{}, err
	}
	if b.Type != fhir.BundleTypeTransaction {
		return deny("only transaction bundles are supported"), nil
	}
	for idx, entry := range b.Entry {
		if entry.Request == nil {
			return deny("bundle entry missing request"), nil
		}
		resourceType, _ := bundleEntryResourceType(entry)
		if !hasRoleFor(roleSet, entry.Request.Method, resourceType) {
			return deny("bundle entry " + strconv.Itoa(idx) + ": missing role " + requiredRoleName(entry.Request.Method, resourceType)), nil
		}
	}
	return grant(nil), nil
}

func bundleEntryResourceType(entry fhir.BundleEntry) (string, string) {
	segments := strings.Split(strings.Trim(entry.Request.URL, "/"), "/")
	if len(segments) == 0 {
		return "", ""
	}
	if len(segments) == 1 {
		return segments[0], ""
	}
	return segments[0], segments[1]
}

func hasRoleFor(roleSet map[string]bool, method, resourceType string) bool {
	r := strings.ToUpper(resourceType)
	return roleSet[strings.ToUpper(method)+"_"+r] || roleSet["MANAGE_"+r]
}

func requiredRoleName(method, resourceType string) string {
	return strings.ToUpper(method) + "_" + strings.ToUpper(resourceType)
}
