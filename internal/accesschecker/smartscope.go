package accesschecker

import (
	"context"
	"strings"

	"github.com/ehrgateway/fhir-gateway/internal/inspector"
	"github.com/ehrgateway/fhir-gateway/internal/request"
	"github.com/ehrgateway/fhir-gateway/internal/token"
)

// smartScope is a single parsed SMART-on-FHIR scope token, grounded on the
// teacher's auth.SMARTScope (internal/platform/auth/smart.go) but widened
// from its read/write-only v1 operations to also accept the v2
// c/r/u/d/s letter permissions spec.md §4.4.3 requires.
type smartScope struct {
	principal string // "patient" or "user"
	resource  string // resource type or "*"
	perms     map[string]bool
}

var v1PermAliases = map[string][]string{
	"read":  {"r", "s"},
	"write": {"c", "u", "d"},
	"*":     {"c", "r", "u", "d", "s"},
}

// parseSMARTScopeToken parses "{principal}/{resourceType|*}.{perm}" where
// perm is either a v1 token (read/write/*) or a v2 letter combination
// (e.g. "cruds", "rs"). Malformed tokens return ok=false and must be
// ignored, never granting, per spec.md §4.4.3.
func parseSMARTScopeToken(s string) (smartScope, bool) {
	slash := strings.Index(s, "/")
	if slash < 0 {
		return smartScope{}, false
	}
	principal := s[:slash]
	if principal != "patient" && principal != "user" {
		return smartScope{}, false
	}
	rest := s[slash+1:]
	dot := strings.LastIndex(rest, ".")
	if dot < 0 {
		return smartScope{}, false
	}
	resource := rest[:dot]
	permToken := rest[dot+1:]
	if resource == "" || permToken == "" {
		return smartScope{}, false
	}

	perms := make(map[string]bool)
	if aliases, ok := v1PermAliases[permToken]; ok {
		for _, p := range aliases {
			perms[p] = true
		}
	} else {
		for _, r := range permToken {
			switch r {
			case 'c', 'r', 'u', 'd', 's':
				perms[string(r)] = true
			default:
				return smartScope{}, false
			}
		}
	}
	return smartScope{principal: principal, resource: resource, perms: perms}, true
}

// requiredPerm maps an Operation to the single-letter v2 permission a
// scope must carry to cover it.
func requiredPerm(op Operation) string {
	switch op {
	case OpCreate:
		return "c"
	case OpRead:
		return "r"
	case OpUpdate:
		return "u"
	case OpDelete:
		return "d"
	case OpSearch:
		return "s"
	default:
		return "r"
	}
}

// tokenPrincipal derives the SMART launch-context principal ("patient" or
// "user") a decoded token represents. Neither spec.md nor DecodedToken
// carries an explicit "principal" claim; a patient-context launch is
// conventionally identified by the presence of the same patient_id claim
// the patient-compartment checker keys on, with its absence meaning a
// user-context launch.
func tokenPrincipal(dt token.DecodedToken) string {
	if dt.StringClaim("patient_id") != "" {
		return "patient"
	}
	return "user"
}

// ScopeGrants reports whether dt's scope claim contains a SMART scope
// covering op against resourceType, whose principal matches dt's own
// launch-context principal, per spec.md §4.4.3 ("a scope matches iff its
// principal equals the token principal"). Used both by the standalone
// SMARTScopeChecker and as the additional gate the patient-compartment
// checker applies when a scope claim is present.
func ScopeGrants(dt token.DecodedToken, resourceType string, op Operation) bool {
	raw := dt.StringClaim("scope")
	if raw == "" {
		return false
	}
	principal := tokenPrincipal(dt)
	need := requiredPerm(op)
	for _, tok := range strings.Fields(raw) {
		scope, ok := parseSMARTScopeToken(tok)
		if !ok {
			continue
		}
		if scope.principal != principal {
			continue
		}
		if scope.resource != "*" && scope.resource != resourceType {
			continue
		}
		if scope.perms[need] {
			return true
		}
	}
	return false
}

// HasScopeClaim reports whether dt carries a non-empty scope claim at all,
// used by the patient-compartment checker to decide whether the SMART
// sub-gate applies.
func HasScopeClaim(dt token.DecodedToken) bool {
	return dt.StringClaim("scope") != ""
}

// SMARTScopeChecker is a standalone C4 variant that relies purely on SMART
// scopes. No ACCESS_CHECKER value selects it; it is used only when
// constructed directly.
type SMARTScopeChecker struct{}

func (SMARTScopeChecker) Check(_ context.Context, v request.View, dt token.DecodedToken, _ *inspector.Inspector, _ BackendClient) (Decision, error) {
	resourceType := v.ResourceType
	if isBundleTransactionPOST(v) {
		resourceType = "Bundle"
	}
	op := operationFor(v)
	if !ScopeGrants(dt, resourceType, op) {
		return deny("no SMART scope covers " + string(op) + " on " + resourceType), nil
	}
	return grant(nil), nil
}
