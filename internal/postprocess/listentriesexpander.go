// Package postprocess implements the Access-Decision Post-Processors (C7):
// side effects that run after a successful backend response, per spec.md
// §4.7. The patient-list appender lives alongside the access-list checker
// that produces it (internal/accesschecker/accesslist.go, grounded on the
// same List-resource handling); this package holds the list-entries
// expander, which the C6 pipeline invokes directly off the
// `FHIR-Gateway-Mode` request header rather than off an AccessDecision.
package postprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ehrgateway/fhir-gateway/internal/fhir"
)

// ModeHeader is the request header spec.md §4.7/§6 names for activating the
// list-entries expander.
const ModeHeader = "FHIR-Gateway-Mode"

// ModeListEntries is the ModeHeader value that triggers expansion.
const ModeListEntries = "list-entries"

// BackendClient is the subset of the C5 client the expander needs: a single
// buffered round trip to submit the batch Bundle it builds.
type BackendClient interface {
	Do(ctx context.Context, method, path string, query map[string][]string, body []byte) (status int, respBody []byte, err error)
}

// ListEntriesExpander implements spec.md §4.7's list-entries expander: given
// a List resource response, it fans out every `Group/{gid}` entry.item
// reference into a GET within a transaction-batch Bundle, submits it, and
// returns the batch response as the client-visible body. Entry order is
// preserved.
type ListEntriesExpander struct{}

type listResource struct {
	ResourceType string `json:"resourceType"`
	Entry        []struct {
		Item struct {
			Reference string `json:"reference"`
		} `json:"item"`
	} `json:"entry"`
}

// Expand reads listBody as a FHIR List, builds a batch Bundle of `GET
// Group/{gid}` entries for every item reference of that form, submits it via
// client, and returns the raw batch-response body. Returns (nil, nil) when
// listBody is not a List or carries no Group references, leaving the
// original response untouched.
func (ListEntriesExpander) Expand(ctx context.Context, client BackendClient, listBody []byte) ([]byte, error) {
	var list listResource
	if err := json.Unmarshal(listBody, &list); err != nil {
		return nil, fmt.Errorf("list-entries expander: parsing List response: %w", err)
	}
	if list.ResourceType != "List" {
		return nil, nil
	}

	var entries []fhir.BundleEntry
	for _, e := range list.Entry {
		ref := e.Item.Reference
		if !strings.HasPrefix(ref, "Group/") {
			continue
		}
		entries = append(entries, fhir.BundleEntry{
			FullURL: "urn:uuid:" + uuid.NewString(),
			Request: &fhir.BundleRequest{Method: "GET", URL: ref},
		})
	}
	if len(entries) == 0 {
		return nil, nil
	}

	batch, err := json.Marshal(fhir.NewBatchBundle(entries))
	if err != nil {
		return nil, fmt.Errorf("list-entries expander: marshaling batch bundle: %w", err)
	}

	status, respBody, err := client.Do(ctx, "POST", "/", nil, batch)
	if err != nil {
		return nil, err
	}
	if status/100 != 2 {
		return nil, fmt.Errorf("list-entries expander: batch submission returned status %d", status)
	}
	return respBody, nil
}
