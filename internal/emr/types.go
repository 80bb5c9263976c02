// Package emr defines the contracts the orchestration core consumes from the
// health-record system. Implementations live in sub-packages.
package emr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/clinic-scribe/internal/fhir"
)

// ErrNotFound is wrapped by lookups that resolve nothing.
var ErrNotFound = errors.New("emr: not found")

// TokenExchanger trades an authorization code for an access token.
type TokenExchanger interface {
	ExchangeCode(ctx context.Context, code string) (*TokenGrant, error)
}

// PractitionerDirectory resolves practitioners by id.
type PractitionerDirectory interface {
	LookupPractitioner(ctx context.Context, token, id string) (*fhir.Practitioner, error)
}

// PatientDirectory lists patients visible to the token.
type PatientDirectory interface {
	ListPatients(ctx context.Context, token string) ([]fhir.Patient, error)
}

// EncounterLister lists a patient's encounters.
type EncounterLister interface {
	ListEncounters(ctx context.Context, token, patientRef string) ([]fhir.Encounter, error)
}

// DocumentWriter files a document against a patient encounter.
type DocumentWriter interface {
	CreateDocumentReference(ctx context.Context, token string, doc fhir.DocumentReference) (*fhir.DocumentReference, error)
}

// SessionStarter opens a recording session for a patient and practitioner.
type SessionStarter interface {
	StartSession(ctx context.Context, patientID, practitionerID string) (string, error)
}

// Records is the full health-record surface used by the service.
type Records interface {
	TokenExchanger
	PractitionerDirectory
	PatientDirectory
	EncounterLister
	DocumentWriter
}

// TokenGrant is the result of a successful authorization-code exchange.
type TokenGrant struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
	Scope       string
	// PatientRef is the launch patient context, when the server supplies one.
	PatientRef string
	// FHIRUserRef identifies the signed-in user, e.g. "Practitioner/123".
	FHIRUserRef string
}

// APIError is a non-success response from the health-record API.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("emr: %s: API error (status %d): %s", e.Op, e.StatusCode, e.Body)
}

// Is maps 404 responses onto ErrNotFound.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == 404
}
