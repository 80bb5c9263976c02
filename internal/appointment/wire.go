package appointment

import (
	"encoding/json"
	"fmt"

	"github.com/wolfman30/clinic-scribe/internal/fhir"
)

// Parameter names of the scheduling search operation, in wire order.
const (
	ParamPatient     = "patient"
	ParamStartTime   = "startTime"
	ParamEndTime     = "endTime"
	ParamServiceType = "serviceType"
	ParamIndications = "indications"
	ParamLocation    = "location-reference"
)

// Parameters renders the query as the FHIR Parameters body. Every parameter
// is always present.
func (q Query) Parameters() (fhir.Parameters, error) {
	patient := fhir.Patient{ResourceType: fhir.TypePatient}
	for _, id := range q.PatientIdentifiers {
		patient.Identifier = append(patient.Identifier, fhir.Identifier{
			Use:    "usual",
			System: id.System,
			Value:  id.Value,
		})
	}
	if q.NameHint.Family != "" || len(q.NameHint.Given) > 0 {
		patient.Name = []fhir.HumanName{{
			Use:    "usual",
			Family: q.NameHint.Family,
			Given:  q.NameHint.Given,
		}}
	}
	rawPatient, err := json.Marshal(patient)
	if err != nil {
		return fhir.Parameters{}, fmt.Errorf("appointment: encode patient: %w", err)
	}

	return fhir.Parameters{
		ResourceType: fhir.TypeParameters,
		Parameter: []fhir.Parameter{
			{Name: ParamPatient, Resource: rawPatient},
			{Name: ParamStartTime, ValueDateTime: q.StartUTC.UTC().Format(WireLayout)},
			{Name: ParamEndTime, ValueDateTime: q.EndUTC.UTC().Format(WireLayout)},
			{Name: ParamServiceType, ValueCodeableConcept: &fhir.CodeableConcept{
				Coding: []fhir.Coding{q.ServiceType},
			}},
			{Name: ParamIndications, ValueCodeableConcept: &fhir.CodeableConcept{
				Coding: []fhir.Coding{{
					System:  q.Indication.System,
					Code:    q.Indication.Code,
					Display: q.Indication.Display,
				}},
				Text: q.Indication.Text,
			}},
			{Name: ParamLocation, ValueReference: &fhir.Reference{Reference: q.LocationRef}},
		},
	}, nil
}
