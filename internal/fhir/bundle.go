package fhir

import "encoding/json"

// Bundle represents a FHIR Bundle resource. The gateway parses client
// transaction bundles and the searchset bundles its own C4 lookups get back
// from the backend, and builds batch bundles; searchset responses to client
// requests pass through C5 untouched and are not parsed here.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleType values the gateway recognizes.
const (
	BundleTypeTransaction         = "transaction"
	BundleTypeTransactionResponse = "transaction-response"
	BundleTypeBatch               = "batch"
	BundleTypeBatchResponse       = "batch-response"
)

// BundleEntry is one entry within a Bundle.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

// BundleRequest is the `.request` element of a transaction/batch entry,
// naming the HTTP method and relative URL of the sub-request.
type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// BundleResponse is the `.response` element of a transaction-response/
// batch-response entry.
type BundleResponse struct {
	Status   string          `json:"status"`
	Location string          `json:"location,omitempty"`
	Outcome  json.RawMessage `json:"outcome,omitempty"`
}

// NewBatchBundle builds a batch Bundle request body from a list of entries,
// used by the C7 list-entries expander to fan a List's Group references out
// into individual GETs.
func NewBatchBundle(entries []BundleEntry) *Bundle {
	return &Bundle{
		ResourceType: "Bundle",
		Type:         BundleTypeBatch,
		Entry:        entries,
	}
}

// ParseBundle decodes a Bundle from raw JSON bytes.
func ParseBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}
