package fhir

import (
	"encoding/json"
	"fmt"
)

// PatchOp values the gateway examines. remove/move/copy/test are accepted
// syntactically (ParsePatch does not reject them) but the inspector only
// extracts patient references from add/replace per spec.md §4.2.
const (
	PatchOpAdd     = "add"
	PatchOpReplace = "replace"
	PatchOpRemove  = "remove"
	PatchOpMove    = "move"
)

// PatchOperation is a single RFC 6902 JSON Patch operation.
type PatchOperation struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
	From  string          `json:"from,omitempty"`
}

// ParsePatch decodes a JSON Patch document (an array of operations).
func ParsePatch(data []byte) ([]PatchOperation, error) {
	var ops []PatchOperation
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("invalid JSON Patch document: %w", err)
	}
	for i, op := range ops {
		if op.Op == "" {
			return nil, fmt.Errorf("patch operation %d: missing 'op' field", i)
		}
		if op.Path == "" {
			return nil, fmt.Errorf("patch operation %d: missing 'path' field", i)
		}
	}
	return ops, nil
}

// AddPatch builds a single-operation "add" JSON Patch document, used by the
// patient-list appender to append an entry to a List's /entry array.
func AddPatch(path string, value interface{}) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	ops := []PatchOperation{{Op: PatchOpAdd, Path: path, Value: raw}}
	return json.Marshal(ops)
}
