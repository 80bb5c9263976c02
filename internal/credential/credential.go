// Package credential persists the health-record API credential behind a
// pluggable storage backend.
package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfman30/clinic-scribe/internal/fhir"
	"github.com/wolfman30/clinic-scribe/pkg/logging"
)

// Persisted keys. They are written together and cleared together.
const (
	KeyAuthToken       = "auth_token"
	KeyPatientRef      = "patient_ref"
	KeyFHIRUserRef     = "fhir_user_ref"
	KeyPractitionerRef = "practitioner_ref"
)

// Keys lists every key owned by the credential namespace.
var Keys = []string{KeyAuthToken, KeyPatientRef, KeyFHIRUserRef, KeyPractitionerRef}

// ErrTokenRequired is returned by Submit for a blank token.
var ErrTokenRequired = errors.New("credential: token required")

// Credential is the authenticated context for the health-record API.
type Credential struct {
	Token           string `json:"-"`
	PatientRef      string `json:"patient_ref,omitempty"`
	FHIRUserRef     string `json:"fhir_user_ref,omitempty"`
	PractitionerRef string `json:"practitioner_ref,omitempty"`
}

// PractitionerID returns the practitioner id carried by the credential, from
// PractitionerRef or, failing that, a Practitioner fhirUser.
func (c Credential) PractitionerID() string {
	if id := fhir.LocalID(c.PractitionerRef, fhir.TypePractitioner); id != "" {
		return id
	}
	if kind, id, ok := fhir.ParseReference(c.FHIRUserRef); ok && kind == fhir.TypePractitioner {
		return id
	}
	return ""
}

// Backend is the storage port. Save and Delete are all-or-nothing.
type Backend interface {
	Load(ctx context.Context, keys []string) (map[string]string, error)
	Save(ctx context.Context, values map[string]string) error
	Delete(ctx context.Context, keys []string) error
}

// Store owns the Credential lifecycle: Initialize, Submit, Clear.
type Store struct {
	backend Backend
	logger  *logging.Logger
	now     func() time.Time
}

// NewStore creates a credential store over backend.
func NewStore(backend Backend, logger *logging.Logger) *Store {
	if backend == nil {
		panic("credential: backend required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{
		backend: backend,
		logger:  logger.Component("credential"),
		now:     time.Now,
	}
}

// Initialize reads the persisted credential. A missing, blank or expired
// token, or an unreadable backend, yields (nil, nil): that is the normal
// unauthenticated state, not an error.
func (s *Store) Initialize(ctx context.Context) (*Credential, error) {
	values, err := s.backend.Load(ctx, Keys)
	if err != nil {
		s.logger.Warn("credential backend unreadable, starting unauthenticated", "error", err)
		return nil, nil
	}
	token := values[KeyAuthToken]
	if strings.TrimSpace(token) == "" {
		return nil, nil
	}
	if tokenExpired(token, s.now()) {
		s.logger.Info("persisted token expired, starting unauthenticated")
		return nil, nil
	}
	return &Credential{
		Token:           token,
		PatientRef:      values[KeyPatientRef],
		FHIRUserRef:     values[KeyFHIRUserRef],
		PractitionerRef: values[KeyPractitionerRef],
	}, nil
}

// Submit persists every credential field in one write.
func (s *Store) Submit(ctx context.Context, cred Credential) error {
	// The token is stored byte for byte; only an all-blank token is refused.
	token := cred.Token
	if strings.TrimSpace(token) == "" {
		return ErrTokenRequired
	}
	values := map[string]string{
		KeyAuthToken:       token,
		KeyPatientRef:      cred.PatientRef,
		KeyFHIRUserRef:     cred.FHIRUserRef,
		KeyPractitionerRef: cred.PractitionerRef,
	}
	if err := s.backend.Save(ctx, values); err != nil {
		return fmt.Errorf("credential: save: %w", err)
	}
	s.logger.Info("credential stored", "has_patient", cred.PatientRef != "", "has_fhir_user", cred.FHIRUserRef != "")
	return nil
}

// Clear removes every key of the credential namespace in one delete.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.backend.Delete(ctx, Keys); err != nil {
		return fmt.Errorf("credential: clear: %w", err)
	}
	s.logger.Info("credential cleared")
	return nil
}

// tokenExpired reports whether token is a JWT whose exp claim has passed.
// Opaque tokens never expire locally.
func tokenExpired(token string, now time.Time) bool {
	if strings.Count(token, ".") != 2 {
		return false
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	return claims.ExpiresAt != nil && !claims.ExpiresAt.After(now)
}
