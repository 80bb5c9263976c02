// Package selection enforces the practitioner-before-patient ordering that
// gates a session start. It performs no I/O.
package selection

import (
	"fmt"
	"strings"
)

// Reason names one missing precondition.
type Reason string

const (
	ReasonMissingPractitioner Reason = "missing_practitioner"
	ReasonMissingPatient      Reason = "missing_patient"
	ReasonMissingIdentifier   Reason = "missing_identifier"
)

// Message is the human-readable form of the reason.
func (r Reason) Message() string {
	switch r {
	case ReasonMissingPractitioner:
		return "select a practitioner first"
	case ReasonMissingPatient:
		return "select a patient"
	case ReasonMissingIdentifier:
		return "patient has no identifier"
	default:
		return string(r)
	}
}

// ValidationError reports every unmet precondition at once. It never
// accompanies a state change.
type ValidationError struct {
	Reasons []Reason
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Reasons))
	for _, r := range e.Reasons {
		msgs = append(msgs, r.Message())
	}
	return fmt.Sprintf("selection: %s", strings.Join(msgs, "; "))
}

// Has reports whether r is among the reasons.
func (e *ValidationError) Has(r Reason) bool {
	for _, got := range e.Reasons {
		if got == r {
			return true
		}
	}
	return false
}

// ReselectPolicy decides what happens to the chosen patient when the
// practitioner is replaced.
type ReselectPolicy int

const (
	// KeepPatient leaves an existing patient selection in place.
	KeepPatient ReselectPolicy = iota
	// ClearPatient drops the patient whenever the practitioner changes.
	ClearPatient
)

func (p ReselectPolicy) String() string {
	if p == ClearPatient {
		return "clear_patient"
	}
	return "keep_patient"
}

// Practitioner is a resolved practitioner record.
type Practitioner struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name"`
	Gender       string `json:"gender,omitempty"`
	ResourceKind string `json:"resource_kind"`
}

// Patient is a resolved patient record.
type Patient struct {
	MRN         string   `json:"mrn,omitempty"`
	ExternalID  string   `json:"external_id,omitempty"`
	GivenNames  []string `json:"given_names,omitempty"`
	FamilyName  string   `json:"family_name,omitempty"`
	DisplayName string   `json:"display_name"`
}

// ID is the identifier used to start a session: the external id, else the MRN.
func (p Patient) ID() string {
	if p.ExternalID != "" {
		return p.ExternalID
	}
	return p.MRN
}

// Gate is the working selection. Values are replaced wholesale, never
// mutated, so a copy taken at any point stays valid.
type Gate struct {
	Practitioner *Practitioner `json:"practitioner,omitempty"`
	Patient      *Patient      `json:"patient,omitempty"`
}

// SelectPractitioner is always allowed.
func (g Gate) SelectPractitioner(p Practitioner, policy ReselectPolicy) Gate {
	next := Gate{Practitioner: &p, Patient: g.Patient}
	if policy == ClearPatient && g.Practitioner != nil && g.Practitioner.ID != p.ID {
		next.Patient = nil
	}
	return next
}

// SelectPatient replaces the patient, or rejects the selection when no
// practitioner has been chosen yet. A rejected selection returns g unchanged.
func (g Gate) SelectPatient(p Patient) (Gate, error) {
	var reasons []Reason
	if g.Practitioner == nil {
		reasons = append(reasons, ReasonMissingPractitioner)
	}
	if strings.TrimSpace(p.ID()) == "" {
		reasons = append(reasons, ReasonMissingIdentifier)
	}
	if len(reasons) > 0 {
		return g, &ValidationError{Reasons: reasons}
	}
	return Gate{Practitioner: g.Practitioner, Patient: &p}, nil
}

// CanStart is true iff both a practitioner and a patient are present.
func (g Gate) CanStart() bool {
	return g.Practitioner != nil && g.Patient != nil
}

// MissingReasons lists what blocks a start. Both reasons may be reported.
func (g Gate) MissingReasons() []Reason {
	var reasons []Reason
	if g.Practitioner == nil {
		reasons = append(reasons, ReasonMissingPractitioner)
	}
	if g.Patient == nil {
		reasons = append(reasons, ReasonMissingPatient)
	}
	return reasons
}

// Validate returns a *ValidationError when the gate cannot start.
func (g Gate) Validate() error {
	if reasons := g.MissingReasons(); len(reasons) > 0 {
		return &ValidationError{Reasons: reasons}
	}
	return nil
}
