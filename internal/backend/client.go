// Package backend implements the Backend HTTP Client (C5): it builds,
// authorizes, and dispatches outbound requests to the trusted FHIR backend
// and streams responses back through a URL rewriter. Grounded on the
// paviniweerasinghe-fhirDemo example's internal/beclient.Client — same
// (status, body, error) return shape and incoming-header copy-through
// idiom — generalized from its patient-specific methods to a generic
// FHIR-path forwarder plus a small ad hoc Do() used by access-checkers
// that need to query the backend directly (access-list, sync-strategy).
package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ehrgateway/fhir-gateway/internal/gatewayerr"
	"github.com/ehrgateway/fhir-gateway/internal/request"
)

// outboundHeaderWhitelist are the only request headers copied from the
// inbound RequestView onto the outbound backend request.
var outboundHeaderWhitelist = []string{"Content-Type"}

// inboundHeaderWhitelist are the only response headers propagated back to
// the client; everything else is dropped per spec.md §4.5.
var inboundHeaderWhitelist = []string{"Last-Modified", "Date", "Etag"}

// Response is a backend HTTP response: status propagated unchanged, a
// whitelisted header subset, and a body stream the caller must Close.
type Response struct {
	Status  int
	Headers map[string][]string
	Body    io.ReadCloser
}

// Client is the C5 contract the request pipeline and access-checkers
// depend on.
type Client interface {
	// Forward dispatches v to the backend and returns a streamed Response.
	// The caller owns Response.Body and must close it.
	Forward(ctx context.Context, v request.View) (*Response, error)
	// Do issues a small ad hoc backend request (used by access-checkers
	// that need to look something up, not stream a client response) and
	// buffers the body.
	Do(ctx context.Context, method, path string, query map[string][]string, body []byte) (status int, respBody []byte, err error)
}

// HTTPClient is the concrete net/http-backed Client.
type HTTPClient struct {
	BaseURL string
	Auth    AuthDecorator
	http    *http.Client
}

// NewHTTPClient builds an HTTPClient against baseURL, authorizing outbound
// requests with auth and bounding every round trip by timeout (spec.md §5's
// default 30s per-backend-call timeout).
func NewHTTPClient(baseURL string, auth AuthDecorator, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Auth:    auth,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Forward(ctx context.Context, v request.View) (*Response, error) {
	var body io.Reader
	if v.Body != nil {
		b, err := v.Body.Bytes()
		if err != nil {
			return nil, gatewayerr.InvalidRequest("reading request body", err)
		}
		if len(b) > 0 {
			body = bytes.NewReader(b)
		}
	}

	target := c.BaseURL + normalizePath(v.Path)
	if qs := encodeQuery(v.Query); qs != "" {
		target += "?" + qs
	}

	req, err := http.NewRequestWithContext(ctx, v.Method, target, body)
	if err != nil {
		return nil, gatewayerr.Backend("building backend request", err, false)
	}
	copyWhitelistedHeaders(req.Header, v.Headers, outboundHeaderWhitelist)
	if err := c.Auth.Authorize(ctx, req); err != nil {
		return nil, gatewayerr.Backend("authorizing backend request", err, false)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, gatewayerr.Backend("dispatching backend request", err, isTimeout(err))
	}

	return &Response{
		Status:  resp.StatusCode,
		Headers: filterWhitelistedHeaders(resp.Header, inboundHeaderWhitelist),
		Body:    resp.Body,
	}, nil
}

func (c *HTTPClient) Do(ctx context.Context, method, path string, query map[string][]string, body []byte) (int, []byte, error) {
	target := c.BaseURL + normalizePath(path)
	if qs := encodeFlatQuery(query); qs != "" {
		target += "?" + qs
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, gatewayerr.Backend("building backend request", err, false)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.Auth.Authorize(ctx, req); err != nil {
		return 0, nil, gatewayerr.Backend("authorizing backend request", err, false)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, gatewayerr.Backend("dispatching backend request", err, isTimeout(err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return resp.StatusCode, nil, gatewayerr.Backend("reading backend response", err, false)
	}
	return resp.StatusCode, respBody, nil
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

func encodeQuery(q request.Query) string {
	values := url.Values{}
	for _, name := range q.Names() {
		for _, v := range q.Values(name) {
			values.Add(name, v)
		}
	}
	return values.Encode()
}

func encodeFlatQuery(q map[string][]string) string {
	values := url.Values{}
	for name, vs := range q {
		for _, v := range vs {
			values.Add(name, v)
		}
	}
	return values.Encode()
}

func copyWhitelistedHeaders(dst http.Header, src map[string][]string, whitelist []string) {
	for _, name := range whitelist {
		for k, vs := range src {
			if strings.EqualFold(k, name) {
				for _, v := range vs {
					dst.Add(name, v)
				}
			}
		}
	}
}

func filterWhitelistedHeaders(src http.Header, whitelist []string) map[string][]string {
	out := make(map[string][]string, len(whitelist))
	for _, name := range whitelist {
		if v := src.Values(name); len(v) > 0 {
			out[name] = v
		}
	}
	return out
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok {
		return te.Timeout()
	}
	return strings.Contains(err.Error(), "context deadline exceeded") ||
		strings.Contains(fmt.Sprint(err), "Client.Timeout exceeded")
}
