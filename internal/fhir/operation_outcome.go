package fhir

// OperationOutcome issue severity levels per FHIR R4.
const (
	IssueSeverityFatal   = "fatal"
	IssueSeverityError   = "error"
	IssueSeverityWarning = "warning"
)

// OperationOutcome issue type codes the gateway emits. This is a subset of
// the full FHIR value set, limited to the codes spec.md §7 actually maps
// error kinds to.
const (
	IssueTypeInvalid    = "invalid"
	IssueTypeSecurity   = "security"
	IssueTypeProcessing = "processing"
	IssueTypeTimeout    = "timeout"
	IssueTypeException  = "exception"
	IssueTypeNotFound   = "not-found"
)

// OperationOutcome represents a FHIR OperationOutcome resource.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// OperationOutcomeIssue is a single issue within an OperationOutcome.
type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

// NewOperationOutcome builds a single-issue OperationOutcome.
func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{Severity: severity, Code: code, Diagnostics: diagnostics},
		},
	}
}
