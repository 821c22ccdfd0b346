package pipeline

import (
	"bytes"
	"io"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehrgateway/fhir-gateway/internal/request"
)

// buildView projects an echo.Context into a request.View, the
// framework-independent shape C2-C5 operate over. Path parsing follows the
// plain FHIR REST convention: "/{resourceType}" (search), "/{resourceType}/
// {id}" (read/update/delete/patch), and "/" (transaction Bundle POST, per
// spec.md §4.2).
func buildView(c echo.Context) request.View {
	req := c.Request()
	path := req.URL.Path

	resourceType, resourceID := splitResourcePath(path)

	names, values := parseOrderedQuery(req.URL.RawQuery)

	headers := make(map[string][]string, len(req.Header))
	for k, v := range req.Header {
		headers[k] = append([]string(nil), v...)
	}

	return request.View{
		Method:       req.Method,
		Path:         path,
		URL:          req.URL.String(),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Query:        request.NewQuery(names, values),
		Headers:      headers,
		Body: request.NewBodyLoader(func() ([]byte, error) {
			return readAndRestoreBody(c)
		}),
	}
}

// splitResourcePath parses "/Patient", "/Patient/123", and "/" into a
// (resourceType, resourceID) pair. A bare "/" yields ("", "").
func splitResourcePath(path string) (resourceType, resourceID string) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "", ""
	}
	segments := strings.Split(trimmed, "/")
	resourceType = segments[0]
	if len(segments) > 1 {
		resourceID = segments[1]
	}
	return resourceType, resourceID
}

// readAndRestoreBody reads the request body exactly once off the wire and
// replaces it with a fresh reader over the same bytes so a later stage that
// bypasses the BodyLoader cache (none currently do, but c.Request().Body is
// otherwise left exhausted) still sees the original content.
func readAndRestoreBody(c echo.Context) ([]byte, error) {
	req := c.Request()
	if req.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// parseOrderedQuery parses a raw query string preserving first-seen
// parameter order, since net/url.Values (a map) does not, and spec.md §3
// requires RequestView.Query to be an ordered mapping.
func parseOrderedQuery(raw string) (names []string, values map[string][]string) {
	values = make(map[string][]string)
	seen := make(map[string]bool)
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		var key, val string
		if i := strings.IndexByte(pair, '='); i >= 0 {
			key, val = pair[:i], pair[i+1:]
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
	return names, values
}
