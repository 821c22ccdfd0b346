package backend

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2/google"
)

// cloudHealthcareScope is the OAuth scope a GCP-backed FHIR store requires,
// grounded on the teacher pack's cloud-healthcare tool
// (other_examples' genai-toolbox cloudhealthcarefhirfetchpage, which calls
// google.DefaultClient(ctx, healthcare.CloudHealthcareScope)); the literal
// scope string is inlined here rather than importing the full
// google.golang.org/api/healthcare client just for one constant.
const cloudHealthcareScope = "https://www.googleapis.com/auth/cloud-platform"

// AuthDecorator sets (or omits) the backend Authorization header per
// spec.md §4.5's three variants: static, none (generic), and a refreshed
// cloud-platform bearer token.
type AuthDecorator interface {
	Authorize(ctx context.Context, req *http.Request) error
}

// StaticAuthDecorator attaches a fixed Authorization header value,
// configured once at startup.
type StaticAuthDecorator struct {
	Header string
}

func (d StaticAuthDecorator) Authorize(_ context.Context, req *http.Request) error {
	if d.Header != "" {
		req.Header.Set("Authorization", d.Header)
	}
	return nil
}

// NoAuthDecorator attaches nothing, for a generic backend that trusts the
// network path between proxy and backend.
type NoAuthDecorator struct{}

func (NoAuthDecorator) Authorize(context.Context, *http.Request) error { return nil }

// GCPAuthDecorator refreshes a cloud-platform bearer token per outbound
// request via the ambient application-default credentials, for a managed
// GCP Cloud Healthcare FHIR store backend.
type GCPAuthDecorator struct {
	tokenSource func(ctx context.Context) (string, error)
}

// NewGCPAuthDecorator builds a GCPAuthDecorator using application-default
// credentials resolved at call time (so credential rotation/refresh is
// handled by the oauth2 library, not cached by this proxy).
func NewGCPAuthDecorator() *GCPAuthDecorator {
	return &GCPAuthDecorator{
		tokenSource: func(ctx context.Context) (string, error) {
			creds, err := google.FindDefaultCredentials(ctx, cloudHealthcareScope)
			if err != nil {
				return "", fmt.Errorf("resolving GCP application-default credentials: %w", err)
			}
			tok, err := creds.TokenSource.Token()
			if err != nil {
				return "", fmt.Errorf("refreshing GCP bearer token: %w", err)
			}
			return tok.AccessToken, nil
		},
	}
}

func (d *GCPAuthDecorator) Authorize(ctx context.Context, req *http.Request) error {
	token, err := d.tokenSource(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
