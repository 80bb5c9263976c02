// Package session drives the clinician session lifecycle: authenticate,
// select a practitioner and patient, start a recording session, and file its
// summary. Machine is the pure transition function; Service runs it against
// the external collaborators.
package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/clinic-scribe/internal/selection"
)

// Phase is a lifecycle state.
type Phase string

const (
	PhaseUnauthenticated Phase = "unauthenticated"
	PhaseSelecting       Phase = "selecting"
	PhaseStarting        Phase = "starting"
	PhaseActive          Phase = "active"
	PhaseSummarizing     Phase = "summarizing"
	PhaseDone            Phase = "done"
)

var (
	ErrNotAuthenticated  = errors.New("session: not authenticated")
	ErrStartInFlight     = errors.New("session: a start attempt is already in flight")
	ErrStaleResult       = errors.New("session: stale result discarded")
	ErrInvalidTransition = errors.New("session: invalid transition")
	ErrEmptySummary      = errors.New("session: summary is empty")
	ErrLogoutFailed      = errors.New("session: logout failed")
)

// StartError reports a failed start-session call. The machine stays in
// Starting and a new attempt may be made.
type StartError struct {
	Attempt int64
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("session: start attempt %d failed: %v", e.Attempt, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// Handle identifies an active session. It is a value and is never modified
// after creation.
type Handle struct {
	SessionID               string `json:"session_id"`
	PatientID               string `json:"patient_id"`
	PractitionerID          string `json:"practitioner_id"`
	PatientDisplayName      string `json:"patient_display_name"`
	PractitionerDisplayName string `json:"practitioner_display_name"`
}

// PatientRef is the record reference of the session's patient.
func (h Handle) PatientRef() string {
	return "Patient/" + h.PatientID
}

// Selected is the practitioner/patient pair frozen for one start attempt.
type Selected struct {
	Practitioner selection.Practitioner
	Patient      selection.Patient
}

// State is the full lifecycle state. Transition never mutates a State; it
// returns a new one.
type State struct {
	Phase    Phase
	Epoch    int64
	Gate     selection.Gate
	Attempt  int64
	InFlight bool
	Pending  *Selected
	Handle   *Handle
	Summary  string

	StartErr   error
	AttachErr  error
	DocumentID string
}

// AttachTarget says where a summary should be filed. An empty EncounterID
// means the patient's latest encounter.
type AttachTarget struct {
	PatientRef  string
	EncounterID string
}

// Event is an input to the machine.
type Event interface {
	EventName() string
}

type (
	CredentialLoaded     struct{}
	PractitionerSelected struct{ Practitioner selection.Practitioner }
	PatientSelected      struct{ Patient selection.Patient }
	StartRequested       struct{}
	StartSucceeded       struct {
		Epoch     int64
		Attempt   int64
		SessionID string
	}
	StartFailed struct {
		Epoch   int64
		Attempt int64
		Err     error
	}
	SummaryReady struct {
		Summary string
		Target  *AttachTarget
	}
	SummaryFiled struct {
		Epoch      int64
		DocumentID string
		Err        error
	}
	LoggedOut struct{}
)

func (CredentialLoaded) EventName() string     { return "credential_loaded" }
func (PractitionerSelected) EventName() string { return "practitioner_selected" }
func (PatientSelected) EventName() string      { return "patient_selected" }
func (StartRequested) EventName() string       { return "start_requested" }
func (StartSucceeded) EventName() string       { return "start_succeeded" }
func (StartFailed) EventName() string          { return "start_failed" }
func (SummaryReady) EventName() string         { return "summary_ready" }
func (SummaryFiled) EventName() string         { return "summary_filed" }
func (LoggedOut) EventName() string            { return "logged_out" }

// Command is a side effect requested by a transition.
type Command interface {
	CommandName() string
}

// StartSessionCmd asks the runner to call start-session with the frozen pair.
type StartSessionCmd struct {
	Epoch        int64
	Attempt      int64
	Practitioner selection.Practitioner
	Patient      selection.Patient
}

// AttachSummaryCmd asks the runner to file Text against the patient record.
type AttachSummaryCmd struct {
	Epoch       int64
	PatientRef  string
	EncounterID string
	Text        string
}

func (StartSessionCmd) CommandName() string  { return "start_session" }
func (AttachSummaryCmd) CommandName() string { return "attach_summary" }

// Machine holds the policies the transition function consults.
type Machine struct {
	Reselect selection.ReselectPolicy
}

// Transition applies ev to s. On error the returned state is s unchanged and
// no commands are emitted.
func (m Machine) Transition(s State, ev Event) (State, []Command, error) {
	switch e := ev.(type) {
	case CredentialLoaded:
		if s.Phase != PhaseUnauthenticated {
			return s, nil, invalid(s, ev)
		}
		next := s
		next.Phase = PhaseSelecting
		return next, nil, nil

	case PractitionerSelected:
		if s.Phase == PhaseUnauthenticated {
			return s, nil, ErrNotAuthenticated
		}
		if strings.TrimSpace(e.Practitioner.ID) == "" {
			return s, nil, &selection.ValidationError{Reasons: []selection.Reason{selection.ReasonMissingPractitioner}}
		}
		next := s
		next.Gate = s.Gate.SelectPractitioner(e.Practitioner, m.Reselect)
		return next, nil, nil

	case PatientSelected:
		if s.Phase == PhaseUnauthenticated {
			return s, nil, ErrNotAuthenticated
		}
		gate, err := s.Gate.SelectPatient(e.Patient)
		if err != nil {
			return s, nil, err
		}
		next := s
		next.Gate = gate
		return next, nil, nil

	case StartRequested:
		return m.requestStart(s, ev)

	case StartSucceeded:
		if err := checkAttempt(s, e.Epoch, e.Attempt); err != nil {
			return s, nil, err
		}
		next := s
		next.Phase = PhaseActive
		next.InFlight = false
		next.StartErr = nil
		next.Handle = &Handle{
			SessionID:               e.SessionID,
			PatientID:               s.Pending.Patient.ID(),
			PractitionerID:          s.Pending.Practitioner.ID,
			PatientDisplayName:      s.Pending.Patient.DisplayName,
			PractitionerDisplayName: s.Pending.Practitioner.DisplayName,
		}
		next.Pending = nil
		return next, nil, nil

	case StartFailed:
		if err := checkAttempt(s, e.Epoch, e.Attempt); err != nil {
			return s, nil, err
		}
		next := s
		next.InFlight = false
		next.Pending = nil
		next.StartErr = &StartError{Attempt: e.Attempt, Err: e.Err}
		return next, nil, nil

	case SummaryReady:
		if s.Phase != PhaseActive {
			return s, nil, invalid(s, ev)
		}
		if strings.TrimSpace(e.Summary) == "" {
			return s, nil, ErrEmptySummary
		}
		next := s
		next.Phase = PhaseSummarizing
		next.Summary = e.Summary
		if e.Target == nil {
			return next, nil, nil
		}
		return next, []Command{AttachSummaryCmd{
			Epoch:       s.Epoch,
			PatientRef:  e.Target.PatientRef,
			EncounterID: e.Target.EncounterID,
			Text:        e.Summary,
		}}, nil

	case SummaryFiled:
		if e.Epoch != s.Epoch {
			return s, nil, ErrStaleResult
		}
		if s.Phase != PhaseSummarizing {
			return s, nil, invalid(s, ev)
		}
		next := s
		next.Phase = PhaseDone
		next.AttachErr = e.Err
		next.DocumentID = e.DocumentID
		return next, nil, nil

	case LoggedOut:
		return State{Phase: PhaseUnauthenticated, Epoch: s.Epoch + 1}, nil, nil

	default:
		return s, nil, fmt.Errorf("%w: unknown event %T", ErrInvalidTransition, ev)
	}
}

func (m Machine) requestStart(s State, ev Event) (State, []Command, error) {
	switch {
	case s.Phase == PhaseUnauthenticated:
		return s, nil, ErrNotAuthenticated
	case s.InFlight:
		return s, nil, ErrStartInFlight
	case s.Phase != PhaseSelecting && s.Phase != PhaseStarting:
		return s, nil, invalid(s, ev)
	}
	if err := s.Gate.Validate(); err != nil {
		return s, nil, err
	}

	pending := &Selected{Practitioner: *s.Gate.Practitioner, Patient: *s.Gate.Patient}
	next := s
	next.Phase = PhaseStarting
	next.Attempt = s.Attempt + 1
	next.InFlight = true
	next.Pending = pending
	next.StartErr = nil
	return next, []Command{StartSessionCmd{
		Epoch:        s.Epoch,
		Attempt:      next.Attempt,
		Practitioner: pending.Practitioner,
		Patient:      pending.Patient,
	}}, nil
}

// checkAttempt accepts a start result only for the attempt currently in
// flight in the current epoch.
func checkAttempt(s State, epoch, attempt int64) error {
	if epoch != s.Epoch || attempt != s.Attempt || !s.InFlight || s.Phase != PhaseStarting || s.Pending == nil {
		return ErrStaleResult
	}
	return nil
}

func invalid(s State, ev Event) error {
	return fmt.Errorf("%w: %s in phase %s", ErrInvalidTransition, ev.EventName(), s.Phase)
}
