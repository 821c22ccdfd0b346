// Package accesschecker implements the Access-Checker Family (C4): a
// pluggable variant selected at startup decides, for each request, whether
// it may proceed, per spec.md §4.4. The interface replaces the inheritance
// hierarchy spec.md §9 describes ("the multiple AccessChecker subclasses
// map to a single interface implemented by a tagged variant") — grounded on
// the teacher's JWT-claim-driven auth middlewares
// (internal/platform/auth/*.go), generalized to operate on a parsed
// RequestView/Inspector/BackendClient rather than echo.Context directly.
package accesschecker

import (
	"context"

	"github.com/ehrgateway/fhir-gateway/internal/inspector"
	"github.com/ehrgateway/fhir-gateway/internal/request"
	"github.com/ehrgateway/fhir-gateway/internal/token"
)

// Operation is the FHIR-level operation a request performs, independent of
// HTTP method naming (e.g. a POST with _search in the path is a SEARCH).
type Operation string

const (
	OpCreate Operation = "create"
	OpRead   Operation = "read"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpSearch Operation = "search"
)

// BackendClient is the subset of the C5 client the access-checker family
// needs to make ad hoc lookups (access-list membership search, sync-strategy
// Composition/Binary/Practitioner fetches). Declared here, at the point of
// use, rather than depending on the backend package's full Client.
type BackendClient interface {
	Do(ctx context.Context, method, path string, query map[string][]string, body []byte) (status int, respBody []byte, err error)
}

// PostProcessor runs after a successful (2xx) upstream response, per
// spec.md §4.7. It may replace the response body; returning (nil, nil)
// leaves the streamed response untouched.
type PostProcessor interface {
	Process(ctx context.Context, v request.View, status int, headers map[string][]string, body []byte) (replacement []byte, err error)
}

// DecisionKind discriminates the AccessDecision sum type of spec.md §3.
type DecisionKind int

const (
	Granted DecisionKind = iota
	Denied
	GrantedWithMutation
)

// Decision is the sum-typed result of an access-checker's Check call.
type Decision struct {
	Kind     DecisionKind
	Reason   string            // meaningful iff Kind == Denied
	Mutation request.Mutation  // meaningful iff Kind == GrantedWithMutation
	Post     PostProcessor     // optional, valid when Kind != Denied
}

// grant builds a plain Granted decision, optionally with a post-processor.
func grant(post PostProcessor) Decision { return Decision{Kind: Granted, Post: post} }

// deny builds a Denied decision with reason.
func deny(reason string) Decision { return Decision{Kind: Denied, Reason: reason} }

// grantWithMutation builds a GrantedWithMutation decision.
func grantWithMutation(m request.Mutation, post PostProcessor) Decision {
	return Decision{Kind: GrantedWithMutation, Mutation: m, Post: post}
}

// Checker is the single interface every access-checker variant implements.
type Checker interface {
	Check(ctx context.Context, v request.View, dt token.DecodedToken, insp *inspector.Inspector, client BackendClient) (Decision, error)
}

// isBundleTransactionPOST reports whether v is the "POST / with a
// transaction Bundle" request mode of spec.md §3/§6.
func isBundleTransactionPOST(v request.View) bool {
	return v.Method == "POST" && v.ResourceType == "" && (v.Path == "/" || v.Path == "")
}

// operationFor derives the FHIR-level Operation for a non-Bundle request,
// per the method/path conventions the teacher's smart_scope_middleware.go
// and permission-style checkers use.
func operationFor(v request.View) Operation {
	switch v.Method {
	case "GET", "HEAD":
		if v.ResourceID == "" {
			return OpSearch
		}
		return OpRead
	case "POST":
		if v.ResourceID == "_search" {
			return OpSearch
		}
		return OpCreate
	case "PUT":
		return OpUpdate
	case "PATCH":
		return OpUpdate
	case "DELETE":
		return OpDelete
	default:
		return OpRead
	}
}
