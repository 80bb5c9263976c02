// Package appointment builds appointment search requests for the external
// scheduling service and classifies its responses.
package appointment

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/clinic-scribe/internal/fhir"
)

// ErrInvalidForm wraps every Build validation failure.
var ErrInvalidForm = errors.New("appointment: invalid search form")

// RolloverPolicy decides how an end time that crosses midnight is dated.
type RolloverPolicy int

const (
	// RolloverAdvanceDate adds the duration to the full instant, so the end
	// date advances past midnight.
	RolloverAdvanceDate RolloverPolicy = iota
	// RolloverLegacySameDay wraps the time of day modulo 24h and keeps the
	// start date, matching the earlier client.
	RolloverLegacySameDay
)

func (p RolloverPolicy) String() string {
	if p == RolloverLegacySameDay {
		return "legacy"
	}
	return "advance"
}

// ParseRolloverPolicy accepts "advance" or "legacy".
func ParseRolloverPolicy(s string) (RolloverPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "advance":
		return RolloverAdvanceDate, nil
	case "legacy", "same-day", "same_day":
		return RolloverLegacySameDay, nil
	default:
		return 0, fmt.Errorf("appointment: unknown rollover policy %q", s)
	}
}

type Identifier struct {
	System string `json:"system"`
	Value  string `json:"value"`
}

type Name struct {
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

type Indication struct {
	System  string `json:"system"`
	Code    string `json:"code"`
	Display string `json:"display"`
	Text    string `json:"text"`
}

// Query is a fully built search request. It is not modified after Build.
type Query struct {
	PatientIdentifiers []Identifier `json:"patient_identifiers"`
	NameHint           Name         `json:"name_hint"`
	StartUTC           time.Time    `json:"start_utc"`
	EndUTC             time.Time    `json:"end_utc"`
	ServiceType        fhir.Coding  `json:"service_type"`
	Indication         Indication   `json:"indication"`
	LocationRef        string       `json:"location_ref"`
}

// Form holds the fields a clinician enters.
type Form struct {
	PatientID       string   `json:"patient_id"`
	MRN             string   `json:"mrn"`
	FamilyName      string   `json:"family_name"`
	GivenNames      []string `json:"given_names"`
	Date            string   `json:"date"`       // 2006-01-02
	StartTime       string   `json:"start_time"` // one of Slots()
	DurationMinutes int      `json:"duration_minutes"`
	LocationRef     string   `json:"location_ref,omitempty"`
}

// Defaults are the fixed codings sent with every query.
type Defaults struct {
	PatientIDSystem string
	MRNSystem       string
	ServiceType     fhir.Coding
	Indication      Indication
	LocationRef     string
}

// Build validates form and produces a Query. StartUTC is the form's date and
// slot read as UTC.
func Build(form Form, defaults Defaults, policy RolloverPolicy) (Query, error) {
	date, err := time.Parse(dateLayout, strings.TrimSpace(form.Date))
	if err != nil {
		return Query{}, fmt.Errorf("%w: date %q: expected YYYY-MM-DD", ErrInvalidForm, form.Date)
	}
	offset, err := slotOffset(strings.TrimSpace(form.StartTime))
	if err != nil {
		return Query{}, fmt.Errorf("%w: %v", ErrInvalidForm, err)
	}
	if !validDuration(form.DurationMinutes) {
		return Query{}, fmt.Errorf("%w: duration %d not one of %v", ErrInvalidForm, form.DurationMinutes, Durations)
	}

	patientID := strings.TrimSpace(form.PatientID)
	mrn := strings.TrimSpace(form.MRN)
	if patientID == "" || mrn == "" {
		return Query{}, fmt.Errorf("%w: patient id and MRN are both required", ErrInvalidForm)
	}

	// The location reference is sent as entered; blank falls back to the
	// configured default.
	location := form.LocationRef
	if strings.TrimSpace(location) == "" {
		location = defaults.LocationRef
	}
	if strings.TrimSpace(location) == "" {
		return Query{}, fmt.Errorf("%w: location reference is required", ErrInvalidForm)
	}
	if defaults.ServiceType.Code == "" || defaults.Indication.System == "" {
		return Query{}, fmt.Errorf("%w: service type and indication codings must be configured", ErrInvalidForm)
	}

	start := date.Add(offset)
	duration := time.Duration(form.DurationMinutes) * time.Minute

	return Query{
		PatientIdentifiers: []Identifier{
			{System: defaults.PatientIDSystem, Value: patientID},
			{System: defaults.MRNSystem, Value: mrn},
		},
		NameHint:    Name{Family: strings.TrimSpace(form.FamilyName), Given: form.GivenNames},
		StartUTC:    start,
		EndUTC:      endTime(start, duration, policy),
		ServiceType: defaults.ServiceType,
		Indication:  defaults.Indication,
		LocationRef: location,
	}, nil
}

func endTime(start time.Time, d time.Duration, policy RolloverPolicy) time.Time {
	if policy != RolloverLegacySameDay {
		return start.Add(d)
	}
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	tod := (start.Sub(day) + d) % (24 * time.Hour)
	return day.Add(tod)
}
