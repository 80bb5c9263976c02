package appointment

import (
	"encoding/json"

	"github.com/wolfman30/clinic-scribe/internal/fhir"
)

// Issue codes reported by the scheduling service when the search operation
// is not implemented for the organization.
const (
	fallbackDetailsSystem = "urn:oid:1.2.840.114350.1.13.0.1.7.2.657369"

	noTemplatesCode = "59100"
	noTemplatesText = "Not enough providers with templates."
	noResultsCode   = "4101"
	noResultsText   = "Resource request returns no results."
)

// FallbackBundle is the synthetic empty searchset returned in place of a 501.
// It is built from constants, so every call yields the same bytes.
func FallbackBundle() fhir.Bundle {
	outcome := fhir.OperationOutcome{
		ResourceType: fhir.TypeOperationOutcome,
		Issue: []fhir.OperationOutcomeIssue{
			fallbackIssue(noTemplatesCode, noTemplatesText),
			fallbackIssue(noResultsCode, noResultsText),
		},
	}
	raw, err := json.Marshal(outcome)
	if err != nil {
		// Constant input; marshalling cannot fail.
		panic(err)
	}
	return fhir.Bundle{
		ResourceType: fhir.TypeBundle,
		Type:         "searchset",
		Total:        0,
		Entry: []fhir.BundleEntry{{
			Resource: raw,
			Search:   &fhir.BundleSearch{Mode: "outcome"},
		}},
	}
}

func fallbackIssue(code, text string) fhir.OperationOutcomeIssue {
	return fhir.OperationOutcomeIssue{
		Severity: fhir.IssueSeverityWarning,
		Code:     fhir.IssueTypeProcessing,
		Details: &fhir.CodeableConcept{
			Coding: []fhir.Coding{{System: fallbackDetailsSystem, Code: code, Display: text}},
			Text:   text,
		},
		Diagnostics: text,
	}
}
