// Package gatewayerr defines the proxy's sum-typed error kinds and their
// mapping to HTTP status and FHIR OperationOutcome, mirroring the way the
// teacher's internal/platform/fhir package builds OperationOutcome responses.
package gatewayerr

import (
	"fmt"
	"net/http"

	"github.com/ehrgateway/fhir-gateway/internal/fhir"
)

// Kind identifies which of the five error kinds from spec §7 an Error carries.
type Kind string

const (
	// KindAuth covers C1 failures: missing/invalid token, bad algorithm,
	// bad issuer, bad signature. Maps to 401.
	KindAuth Kind = "auth"
	// KindInvalidRequest covers C2 failures: malformed Bundle, unsafe
	// search modifier, missing patient reference. Maps to 400.
	KindInvalidRequest Kind = "invalid_request"
	// KindDenied covers C4 access-checker refusals. Maps to 403.
	KindDenied Kind = "denied"
	// KindBackend covers C5 network failures and backend 5xx. Maps to
	// 502 (connection-level) or 504 (timeout).
	KindBackend Kind = "backend"
	// KindConfig covers misconfiguration. At startup the process refuses
	// to start; met while serving a request (e.g. by the sync-strategy
	// checker) it maps to 500.
	KindConfig Kind = "config"
)

// Error is the proxy's single error type; every fallible boundary named in
// spec.md §9 (verify, check, inspect, forward, postProcess) returns one of
// these instead of panicking or returning ad-hoc errors.
type Error struct {
	Kind       Kind
	Message    string
	IssueCode  string // FHIR OperationOutcome issue type code
	Underlying error
	Timeout    bool // only meaningful for KindBackend: 504 vs 502
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Underlying)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Underlying }

// Auth builds a KindAuth error.
func Auth(message string, cause error) *Error {
	return &Error{Kind: KindAuth, Message: message, IssueCode: fhir.IssueTypeSecurity, Underlying: cause}
}

// InvalidRequest builds a KindInvalidRequest error.
func InvalidRequest(message string, cause error) *Error {
	return &Error{Kind: KindInvalidRequest, Message: message, IssueCode: fhir.IssueTypeInvalid, Underlying: cause}
}

// Denied builds a KindDenied error; reason is surfaced verbatim in the
// OperationOutcome per spec.md §4.4 "reason is surfaced as an OperationOutcome".
func Denied(reason string) *Error {
	return &Error{Kind: KindDenied, Message: reason, IssueCode: fhir.IssueTypeSecurity}
}

// Backend builds a KindBackend error. timeout distinguishes a 504
// (deadline exceeded) from a 502 (any other network failure).
func Backend(message string, cause error, timeout bool) *Error {
	code := fhir.IssueTypeTimeout
	if !timeout {
		code = fhir.IssueTypeProcessing
	}
	return &Error{Kind: KindBackend, Message: message, IssueCode: code, Underlying: cause, Timeout: timeout}
}

// Config builds a KindConfig error. Fatal at startup; the pipeline answers
// one returned while serving a request with a 500 OperationOutcome.
func Config(message string, cause error) *Error {
	return &Error{Kind: KindConfig, Message: message, IssueCode: fhir.IssueTypeException, Underlying: cause}
}

// HTTPStatus maps a Kind to the response status per spec.md §7.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindAuth:
		return http.StatusUnauthorized
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindDenied:
		return http.StatusForbidden
	case KindBackend:
		if e.Timeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Outcome builds the OperationOutcome body for this error.
func (e *Error) Outcome() *fhir.OperationOutcome {
	severity := fhir.IssueSeverityError
	return fhir.NewOperationOutcome(severity, e.IssueCode, e.Message)
}

// As reports whether err is a *Error and, if so, returns it. It is a thin
// convenience wrapper so call sites don't need errors.As boilerplate at every
// pipeline stage.
func As(err error) (*Error, bool) {
	ge, ok := err.(*Error)
	return ge, ok
}
