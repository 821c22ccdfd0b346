// Package pipeline implements the Request Pipeline (C6): it strings
// together C1 (token verification), C3 (allow-list shortcut), C4 (access
// decision), C5 (backend forwarding + URL rewriting), and C7
// (post-processing) into the single terminal handler spec.md §4.6
// describes, matching the teacher's runServer composition order (recovery
// → request id → logger → CORS → timeout → rate limit, all registered as
// ordinary echo.Echo middleware ahead of this handler in cmd/fhir-gateway).
package pipeline

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehrgateway/fhir-gateway/internal/accesschecker"
	"github.com/ehrgateway/fhir-gateway/internal/allowedqueries"
	"github.com/ehrgateway/fhir-gateway/internal/backend"
	"github.com/ehrgateway/fhir-gateway/internal/fhir"
	"github.com/ehrgateway/fhir-gateway/internal/gatewayerr"
	"github.com/ehrgateway/fhir-gateway/internal/inspector"
	"github.com/ehrgateway/fhir-gateway/internal/postprocess"
	"github.com/ehrgateway/fhir-gateway/internal/request"
	"github.com/ehrgateway/fhir-gateway/internal/token"
)

// Pipeline wires the C1/C3/C4/C5/C7 collaborators behind a single terminal
// Echo handler. Every field is process-wide, read-only-after-init state
// per spec.md §5's shared-state rules.
type Pipeline struct {
	Verifier       *token.Verifier
	AllowedQueries *allowedqueries.Checker // nil when ALLOWED_QUERIES_CONFIG is unset
	AccessChecker  accesschecker.Checker   // nil only in RUN_MODE=DEV (no checker configured)
	Inspector      *inspector.Inspector
	Backend        backend.Client
	ProxyBaseURL   string
	BackendBaseURL string
	Logger         zerolog.Logger

	listEntries postprocess.ListEntriesExpander
}

// New builds a Pipeline from its collaborators.
func New(verifier *token.Verifier, allowed *allowedqueries.Checker, checker accesschecker.Checker, insp *inspector.Inspector, be backend.Client, proxyBaseURL, backendBaseURL string, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		Verifier:       verifier,
		AllowedQueries: allowed,
		AccessChecker:  checker,
		Inspector:      insp,
		Backend:        be,
		ProxyBaseURL:   proxyBaseURL,
		BackendBaseURL: backendBaseURL,
		Logger:         logger,
	}
}

// ServeFHIR is the terminal handler for the FHIR REST surface: C3 → C1
// (conditionally) → C4 → forward → C7, per spec.md §4.6.
func (p *Pipeline) ServeFHIR(c echo.Context) error {
	ctx := c.Request().Context()
	v := buildView(c)

	var allowEntry *allowedqueries.Entry
	if p.AllowedQueries != nil {
		allowEntry = p.AllowedQueries.Match(v)
	}

	var dt token.DecodedToken
	authHeader := v.Header("Authorization")
	skipC1 := allowEntry != nil && allowEntry.Unauthenticated && authHeader == ""
	if !skipC1 {
		var err error
		dt, err = p.Verifier.Verify(ctx, authHeader)
		if err != nil {
			return p.writeError(c, err)
		}
	}

	// An allow-list match short-circuits C4 entirely: the request proceeds
	// straight to the backend, per spec.md §2 "C3... short-circuits
	// authorization". C4 needs a DecodedToken to evaluate claims, which an
	// unauthenticated allow-listed request (e.g. .well-known discovery
	// reached through this handler) may not carry.
	if allowEntry == nil {
		if p.AccessChecker == nil {
			// RUN_MODE=DEV with no checker configured: permissive.
			return p.forwardAndRespond(c, v, nil)
		}
		decision, err := p.AccessChecker.Check(ctx, v, dt, p.Inspector, p.Backend)
		if err != nil {
			return p.writeError(c, err)
		}
		switch decision.Kind {
		case accesschecker.Denied:
			return p.writeError(c, gatewayerr.Denied(decision.Reason))
		case accesschecker.GrantedWithMutation:
			v = v.Apply(decision.Mutation)
		}
		return p.forwardAndRespond(c, v, decision.Post)
	}

	return p.forwardAndRespond(c, v, nil)
}

// forwardAndRespond dispatches v to the backend and writes the
// (URL-rewritten) response back to the client. Per spec.md §4.5/§8's
// bounded, byte-wise, no-full-buffering requirement, the common case
// (a 2xx response that needs neither the list-entries expander nor a
// post-processor) streams resp.Body straight through the rewriter without
// ever materializing the full body in memory. Only the two paths that
// genuinely need the whole body — the list-entries expander and
// access-checker post-processors, both of which may rewrite the response
// outright — read it fully first.
func (p *Pipeline) forwardAndRespond(c echo.Context, v request.View, post accesschecker.PostProcessor) error {
	resp, err := p.Backend.Forward(c.Request().Context(), v)
	if err != nil {
		return p.writeError(c, err)
	}
	defer resp.Body.Close()

	needsWholeBody := resp.Status/100 == 2 &&
		(v.Header(postprocess.ModeHeader) == postprocess.ModeListEntries || post != nil)
	if !needsWholeBody {
		return p.streamResponse(c, resp.Status, resp.Headers, resp.Body)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return p.writeError(c, gatewayerr.Backend("reading backend response", err, false))
	}

	if v.Header(postprocess.ModeHeader) == postprocess.ModeListEntries {
		expanded, expandErr := p.listEntries.Expand(c.Request().Context(), p.Backend, body)
		if expandErr != nil {
			p.Logger.Error().Err(expandErr).Msg("list-entries expander failed")
		} else if expanded != nil {
			body = expanded
		}
	}
	if post != nil {
		ctx := accesschecker.WithBackendClient(c.Request().Context(), p.Backend)
		if replacement, postErr := post.Process(ctx, v, resp.Status, resp.Headers, body); postErr != nil {
			p.Logger.Error().Err(postErr).Msg("post-processor failed")
		} else if replacement != nil {
			body = replacement
		}
	}

	return p.writeResponse(c, resp.Status, resp.Headers, body)
}

// writeResponse rewrites every backend-base-URL occurrence in a fully
// materialized body to the proxy base URL. Used only by the paths that
// already had to buffer the whole response (post-processing, list-entries
// expansion, and the Metadata handler below).
func (p *Pipeline) writeResponse(c echo.Context, status int, headers map[string][]string, body []byte) error {
	return p.streamResponse(c, status, headers, bytes.NewReader(body))
}

// streamResponse copies body through a URLRewriter straight to the client,
// gzip-encoding the output when the client advertises Accept-Encoding:
// gzip, per spec.md §6/§8. It never buffers more of body than the
// rewriter's own bounded look-back window requires.
func (p *Pipeline) streamResponse(c echo.Context, status int, headers map[string][]string, body io.Reader) error {
	for name, values := range headers {
		for _, v := range values {
			c.Response().Header().Add(name, v)
		}
	}

	gzipOut := strings.Contains(c.Request().Header.Get("Accept-Encoding"), "gzip")
	if gzipOut {
		c.Response().Header().Set("Content-Encoding", "gzip")
	}
	c.Response().WriteHeader(status)

	var out io.Writer = c.Response()
	var gz *gzip.Writer
	if gzipOut {
		gz = gzip.NewWriter(c.Response())
		out = gz
	}

	rewriter := backend.NewURLRewriter(out, p.BackendBaseURL, p.ProxyBaseURL)
	if _, err := io.Copy(rewriter, body); err != nil {
		return err
	}
	if err := rewriter.Flush(); err != nil {
		return err
	}
	if gz != nil {
		return gz.Close()
	}
	return nil
}

// writeError maps a gatewayerr.Error (or any other error) to an
// OperationOutcome response, per spec.md §7.
func (p *Pipeline) writeError(c echo.Context, err error) error {
	ge, ok := gatewayerr.As(err)
	if !ok {
		ge = gatewayerr.Backend(fmt.Sprintf("unexpected error: %v", err), err, false)
	}
	return c.JSON(ge.HTTPStatus(), ge.Outcome())
}

// WellKnownSMARTConfiguration serves the static SMART-on-FHIR discovery
// document without authentication, per spec.md §6, grounded on the
// teacher's handleSMARTConfiguration.
func (p *Pipeline) WellKnownSMARTConfiguration(issuer string) echo.HandlerFunc {
	return func(c echo.Context) error {
		doc := map[string]interface{}{
			"issuer":                            issuer,
			"authorization_endpoint":            issuer + "/protocol/openid-connect/auth",
			"token_endpoint":                    issuer + "/protocol/openid-connect/token",
			"jwks_uri":                          issuer + "/protocol/openid-connect/certs",
			"grant_types_supported":             []string{"authorization_code"},
			"code_challenge_methods_supported":  []string{"S256"},
			"capabilities": []string{
				"launch-ehr", "launch-standalone", "client-public",
				"client-confidential-symmetric", "sso-openid-connect",
				"context-ehr-patient", "context-standalone-patient",
			},
		}
		return c.JSON(http.StatusOK, doc)
	}
}

// Metadata proxies GET /metadata to the backend and injects the SMART
// OAuth security service element into the returned CapabilityStatement,
// per spec.md §6.
func (p *Pipeline) Metadata(issuer string) echo.HandlerFunc {
	return func(c echo.Context) error {
		status, body, err := p.Backend.Do(c.Request().Context(), http.MethodGet, "/metadata", nil, nil)
		if err != nil {
			return p.writeError(c, err)
		}
		if status/100 == 2 {
			injected, injectErr := fhir.InjectOAuthSecurity(body,
				issuer+"/protocol/openid-connect/auth",
				issuer+"/protocol/openid-connect/token")
			if injectErr == nil {
				body = injected
			}
		}
		return p.writeResponse(c, status, nil, body)
	}
}
