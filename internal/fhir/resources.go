package fhir

import "encoding/json"

// Resource type names handled by this package.
const (
	TypeBundle            = "Bundle"
	TypeOperationOutcome  = "OperationOutcome"
	TypePatient           = "Patient"
	TypePractitioner      = "Practitioner"
	TypeEncounter         = "Encounter"
	TypeDocumentReference = "DocumentReference"
	TypeAppointment       = "Appointment"
	TypeParameters        = "Parameters"
)

// Resource is the tagged variant every decoded resource satisfies.
type Resource interface {
	ResourceKind() string
}

// Patient represents a FHIR Patient resource
type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Name         []HumanName  `json:"name,omitempty"`
	Gender       string       `json:"gender,omitempty"`
	BirthDate    string       `json:"birthDate,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
}

func (Patient) ResourceKind() string { return TypePatient }

// MRN returns the medical record number: the identifier typed "MR", else the
// identifier in mrnSystem, else "".
func (p Patient) MRN(mrnSystem string) string {
	for _, id := range p.Identifier {
		if id.Type != nil && id.Type.HasCode("MR") {
			return id.Value
		}
	}
	if mrnSystem == "" {
		return ""
	}
	for _, id := range p.Identifier {
		if id.System == mrnSystem {
			return id.Value
		}
	}
	return ""
}

// Practitioner represents a FHIR Practitioner resource
type Practitioner struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Name         []HumanName  `json:"name,omitempty"`
	Gender       string       `json:"gender,omitempty"`
	Active       *bool        `json:"active,omitempty"`
}

func (Practitioner) ResourceKind() string { return TypePractitioner }

type Encounter struct {
	ResourceType string            `json:"resourceType"`
	ID           string            `json:"id,omitempty"`
	Status       string            `json:"status,omitempty"`
	Type         []CodeableConcept `json:"type,omitempty"`
	Subject      *Reference        `json:"subject,omitempty"`
	Period       *Period           `json:"period,omitempty"`
}

func (Encounter) ResourceKind() string { return TypeEncounter }

type DocumentReference struct {
	ResourceType string            `json:"resourceType"`
	ID           string            `json:"id,omitempty"`
	Status       string            `json:"status"`
	DocStatus    string            `json:"docStatus,omitempty"`
	Type         *CodeableConcept  `json:"type,omitempty"`
	Subject      *Reference        `json:"subject,omitempty"`
	Date         string            `json:"date,omitempty"`
	Description  string            `json:"description,omitempty"`
	Content      []DocumentContent `json:"content"`
	Context      *DocumentContext  `json:"context,omitempty"`
}

func (DocumentReference) ResourceKind() string { return TypeDocumentReference }

type DocumentContent struct {
	Attachment Attachment `json:"attachment"`
}

type DocumentContext struct {
	Encounter []Reference `json:"encounter,omitempty"`
}

// Appointment represents a FHIR Appointment resource
type Appointment struct {
	ResourceType    string                   `json:"resourceType"`
	ID              string                   `json:"id,omitempty"`
	Status          string                   `json:"status"`
	ServiceType     []CodeableConcept        `json:"serviceType,omitempty"`
	Start           string                   `json:"start,omitempty"`
	End             string                   `json:"end,omitempty"`
	MinutesDuration int                      `json:"minutesDuration,omitempty"`
	Participant     []AppointmentParticipant `json:"participant,omitempty"`
}

func (Appointment) ResourceKind() string { return TypeAppointment }

type AppointmentParticipant struct {
	Actor  Reference `json:"actor"`
	Status string    `json:"status,omitempty"`
}

// Other carries any resource type this package does not model. It is still a
// well-formed resource: it had a resourceType and valid JSON.
type Other struct {
	Type string
	Raw  json.RawMessage
}

func (o Other) ResourceKind() string { return o.Type }

// Parameters is the body of a FHIR operation invocation.
type Parameters struct {
	ResourceType string      `json:"resourceType"`
	Parameter    []Parameter `json:"parameter"`
}

func (Parameters) ResourceKind() string { return TypeParameters }

// Parameter carries exactly one value[x] or resource.
type Parameter struct {
	Name                 string           `json:"name"`
	ValueDateTime        string           `json:"valueDateTime,omitempty"`
	ValueString          string           `json:"valueString,omitempty"`
	ValueCodeableConcept *CodeableConcept `json:"valueCodeableConcept,omitempty"`
	ValueReference       *Reference       `json:"valueReference,omitempty"`
	Resource             json.RawMessage  `json:"resource,omitempty"`
}

// Lookup returns the first parameter named name.
func (p Parameters) Lookup(name string) (Parameter, bool) {
	for _, param := range p.Parameter {
		if param.Name == name {
			return param, true
		}
	}
	return Parameter{}, false
}
