package fhir

import "encoding/json"

// OperationOutcome severity levels.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes used by this service.
const (
	IssueTypeProcessing   = "processing"
	IssueTypeNotFound     = "not-found"
	IssueTypeNotSupported = "not-supported"
	IssueTypeInformation  = "informational"
)

// Bundle represents a FHIR Bundle resource (search results container).
// Total is always emitted: a searchset with no matches still reports 0.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        int           `json:"total"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

func (Bundle) ResourceKind() string { return TypeBundle }

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"` // match, include, outcome
}

// OperationOutcome describes why a request produced no substantive result.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

func (OperationOutcome) ResourceKind() string { return TypeOperationOutcome }

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
}

// NewOperationOutcome builds a single-issue outcome.
func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: TypeOperationOutcome,
		Issue: []OperationOutcomeIssue{
			{Severity: severity, Code: code, Diagnostics: diagnostics},
		},
	}
}

// Resources decodes every entry. A malformed entry fails the whole bundle.
func (b Bundle) Resources() ([]Resource, error) {
	out := make([]Resource, 0, len(b.Entry))
	for i, entry := range b.Entry {
		res, err := DecodeResource(entry.Resource)
		if err != nil {
			return nil, &DecodeError{Entry: i, Err: err}
		}
		out = append(out, res)
	}
	return out, nil
}

// Outcomes returns the OperationOutcome entries of the bundle.
func (b Bundle) Outcomes() ([]OperationOutcome, error) {
	resources, err := b.Resources()
	if err != nil {
		return nil, err
	}
	var out []OperationOutcome
	for _, res := range resources {
		if oo, ok := res.(*OperationOutcome); ok {
			out = append(out, *oo)
		}
	}
	return out, nil
}

// NewEntry wraps a resource as a bundle entry.
func NewEntry(res Resource, mode string) (BundleEntry, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return BundleEntry{}, err
	}
	entry := BundleEntry{Resource: raw}
	if mode != "" {
		entry.Search = &BundleSearch{Mode: mode}
	}
	return entry, nil
}
