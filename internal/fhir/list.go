package fhir

import "encoding/json"

// List represents a FHIR List resource — used by the access-list checker
// (the patient_list claim names one of these) and the list-entries
// post-processor, which expands its Group-reference entries.
type List struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id,omitempty"`
	Entry        []ListEntry `json:"entry,omitempty"`
}

// ListEntry is a single `.entry` of a List resource.
type ListEntry struct {
	Item Reference `json:"item"`
}

// ParseList decodes a List resource from raw JSON bytes.
func ParseList(data []byte) (*List, error) {
	var l List
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, err
	}
	return &l, nil
}
