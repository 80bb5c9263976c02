package session

import (
	"github.com/wolfman30/clinic-scribe/internal/fhir"
	"github.com/wolfman30/clinic-scribe/internal/selection"
)

// PractitionerFromFHIR maps a Practitioner resource to a selection.
func PractitionerFromFHIR(p fhir.Practitioner) selection.Practitioner {
	return selection.Practitioner{
		ID:           p.ID,
		DisplayName:  preferredName(p.Name).Display(),
		Gender:       p.Gender,
		ResourceKind: p.ResourceKind(),
	}
}

// PatientFromFHIR maps a Patient resource to a selection.
func PatientFromFHIR(p fhir.Patient, mrnSystem string) selection.Patient {
	name := preferredName(p.Name)
	display := name.Display()
	if display == "" {
		display = p.ID
	}
	return selection.Patient{
		MRN:         p.MRN(mrnSystem),
		ExternalID:  p.ID,
		GivenNames:  append([]string(nil), name.Given...),
		FamilyName:  name.Family,
		DisplayName: display,
	}
}

// preferredName picks the official name, then usual, then the first one.
func preferredName(names []fhir.HumanName) fhir.HumanName {
	for _, use := range []string{"official", "usual"} {
		for _, n := range names {
			if n.Use == use {
				return n
			}
		}
	}
	if len(names) > 0 {
		return names[0]
	}
	return fhir.HumanName{}
}
