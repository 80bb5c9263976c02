package appointment

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-scribe/internal/fhir"
)

var testDefaults = Defaults{
	PatientIDSystem: "urn:oid:1.2.840.114350.1.13.0.1.7.5.737384.0",
	MRNSystem:       "urn:oid:1.2.840.114350.1.13.0.1.7.5.737384.14",
	ServiceType: fhir.Coding{
		System:  "urn:oid:1.2.840.114350.1.13.861.1.7.3.808267.11",
		Code:    "40111223",
		Display: "Office Visit",
	},
	Indication: Indication{
		System:  "urn:oid:2.16.840.1.113883.6.96",
		Code:    "46866001",
		Display: "Fracture of lower limb (disorder)",
		Text:    "Fracture of lower limb",
	},
	LocationRef: "https://fhir.example/api/FHIR/R4/Location/e4W4rmGe9QzuGm2Dy4NBqVc0KDe6yGld6HW95UuN-Qd03",
}

func sampleForm() Form {
	return Form{
		PatientID:       "erXuFYUfucBZaryVksYEcMg3",
		MRN:             "203713",
		FamilyName:      "Lin",
		GivenNames:      []string{"Derrick"},
		Date:            "2017-10-06",
		StartTime:       "21:00:00",
		DurationMinutes: 30,
	}
}

func TestBuildSimpleWindow(t *testing.T) {
	q, err := Build(sampleForm(), testDefaults, RolloverAdvanceDate)
	require.NoError(t, err)

	assert.Equal(t, "2017-10-06T21:00:00Z", q.StartUTC.Format(WireLayout))
	assert.Equal(t, "2017-10-06T21:30:00Z", q.EndUTC.Format(WireLayout))
	assert.Equal(t, testDefaults.LocationRef, q.LocationRef)
	require.Len(t, q.PatientIdentifiers, 2)
	assert.Equal(t, "203713", q.PatientIdentifiers[1].Value)
}

func TestBuildMidnightRollover(t *testing.T) {
	form := sampleForm()
	form.StartTime = "23:45:00"

	advanced, err := Build(form, testDefaults, RolloverAdvanceDate)
	require.NoError(t, err)
	assert.Equal(t, "2017-10-07T00:15:00Z", advanced.EndUTC.Format(WireLayout))

	legacy, err := Build(form, testDefaults, RolloverLegacySameDay)
	require.NoError(t, err)
	assert.Equal(t, "2017-10-06T00:15:00Z", legacy.EndUTC.Format(WireLayout))

	// Both policies agree when no wrap happens.
	form.StartTime = "21:00:00"
	a, _ := Build(form, testDefaults, RolloverAdvanceDate)
	l, _ := Build(form, testDefaults, RolloverLegacySameDay)
	assert.Equal(t, a.EndUTC, l.EndUTC)
}

func TestBuildAcceptsShortSlot(t *testing.T) {
	form := sampleForm()
	form.StartTime = "09:15"
	q, err := Build(form, testDefaults, RolloverAdvanceDate)
	require.NoError(t, err)
	assert.Equal(t, 9, q.StartUTC.Hour())
	assert.Equal(t, 15, q.StartUTC.Minute())
}

func TestBuildValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Form, *Defaults)
	}{
		{"bad date", func(f *Form, _ *Defaults) { f.Date = "10/06/2017" }},
		{"off-grid slot", func(f *Form, _ *Defaults) { f.StartTime = "21:10:00" }},
		{"garbage slot", func(f *Form, _ *Defaults) { f.StartTime = "late" }},
		{"unsupported duration", func(f *Form, _ *Defaults) { f.DurationMinutes = 25 }},
		{"missing mrn", func(f *Form, _ *Defaults) { f.MRN = "" }},
		{"missing patient id", func(f *Form, _ *Defaults) { f.PatientID = " " }},
		{"missing location", func(_ *Form, d *Defaults) { d.LocationRef = "" }},
		{"missing service type", func(_ *Form, d *Defaults) { d.ServiceType = fhir.Coding{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form, defaults := sampleForm(), testDefaults
			tt.mutate(&form, &defaults)
			_, err := Build(form, defaults, RolloverAdvanceDate)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidForm))
		})
	}
}

func TestBuildFormLocationOverridesDefault(t *testing.T) {
	form := sampleForm()
	form.LocationRef = "Location/123"
	q, err := Build(form, testDefaults, RolloverAdvanceDate)
	require.NoError(t, err)
	assert.Equal(t, "Location/123", q.LocationRef)
}

func TestBuildKeepsLocationAsEntered(t *testing.T) {
	form := sampleForm()
	form.LocationRef = " Location/123 "
	q, err := Build(form, testDefaults, RolloverAdvanceDate)
	require.NoError(t, err)
	assert.Equal(t, " Location/123 ", q.LocationRef)

	form.LocationRef = "   "
	q, err = Build(form, testDefaults, RolloverAdvanceDate)
	require.NoError(t, err)
	assert.Equal(t, testDefaults.LocationRef, q.LocationRef)
}

func TestSlots(t *testing.T) {
	slots := Slots()
	require.Len(t, slots, 96)
	assert.Equal(t, "00:00:00", slots[0])
	assert.Equal(t, "00:15:00", slots[1])
	assert.Equal(t, "23:45:00", slots[len(slots)-1])
	for _, s := range slots {
		_, err := slotOffset(s)
		assert.NoError(t, err, s)
	}
}

func TestParseRolloverPolicy(t *testing.T) {
	p, err := ParseRolloverPolicy("")
	require.NoError(t, err)
	assert.Equal(t, RolloverAdvanceDate, p)

	p, err = ParseRolloverPolicy("LEGACY")
	require.NoError(t, err)
	assert.Equal(t, RolloverLegacySameDay, p)

	_, err = ParseRolloverPolicy("sideways")
	assert.Error(t, err)
}

func TestQueryParameters(t *testing.T) {
	q, err := Build(sampleForm(), testDefaults, RolloverAdvanceDate)
	require.NoError(t, err)

	params, err := q.Parameters()
	require.NoError(t, err)
	assert.Equal(t, "Parameters", params.ResourceType)

	names := make([]string, 0, len(params.Parameter))
	for _, p := range params.Parameter {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"patient", "startTime", "endTime", "serviceType", "indications", "location-reference"}, names)

	start, _ := params.Lookup(ParamStartTime)
	assert.Equal(t, "2017-10-06T21:00:00Z", start.ValueDateTime)
	end, _ := params.Lookup(ParamEndTime)
	assert.Equal(t, "2017-10-06T21:30:00Z", end.ValueDateTime)

	svc, _ := params.Lookup(ParamServiceType)
	assert.Equal(t, "40111223", svc.ValueCodeableConcept.Coding[0].Code)

	ind, _ := params.Lookup(ParamIndications)
	assert.Equal(t, "urn:oid:2.16.840.1.113883.6.96", ind.ValueCodeableConcept.Coding[0].System)
	assert.Equal(t, "Fracture of lower limb", ind.ValueCodeableConcept.Text)

	loc, _ := params.Lookup(ParamLocation)
	assert.Equal(t, testDefaults.LocationRef, loc.ValueReference.Reference)

	pat, _ := params.Lookup(ParamPatient)
	patient, err := fhir.DecodeAs[fhir.Patient](pat.Resource)
	require.NoError(t, err)
	require.Len(t, patient.Identifier, 2)
	assert.Equal(t, "erXuFYUfucBZaryVksYEcMg3", patient.Identifier[0].Value)
	assert.Equal(t, "Lin", patient.Name[0].Family)

	raw, err := json.Marshal(params)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"name":"location-reference","valueReference":{"reference":"`)
}

func TestEndTimeLegacyAcrossLongDuration(t *testing.T) {
	start := time.Date(2020, 2, 28, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2020, 2, 28, 1, 0, 0, 0, time.UTC), endTime(start, 120*time.Minute, RolloverLegacySameDay))
	assert.Equal(t, time.Date(2020, 2, 29, 1, 0, 0, 0, time.UTC), endTime(start, 120*time.Minute, RolloverAdvanceDate))
}
