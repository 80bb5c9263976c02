package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-scribe/internal/emr"
	"github.com/wolfman30/clinic-scribe/internal/selection"
	"github.com/wolfman30/clinic-scribe/internal/session"
	"github.com/wolfman30/clinic-scribe/pkg/logging"
)

type stubSession struct {
	snap        session.Snapshot
	loginErr    error
	primeErr    error
	patients    []selection.Patient
	selectErr   error
	startErr    error
	handle      session.Handle
	completeErr error
	logoutErr   error

	lastCode     string
	lastPatient  selection.Patient
	lastComplete session.CompleteOptions
	lastSummary  string
	loggedOut    bool
}

func (s *stubSession) Login(_ context.Context, code string) (session.Snapshot, error) {
	s.lastCode = code
	if s.loginErr != nil {
		return session.Snapshot{Phase: session.PhaseUnauthenticated}, s.loginErr
	}
	s.snap.Phase = session.PhaseSelecting
	return s.snap, nil
}

func (s *stubSession) Prime(context.Context) ([]selection.Patient, error) {
	return s.patients, s.primeErr
}

func (s *stubSession) Logout(context.Context) error {
	if s.logoutErr != nil {
		return s.logoutErr
	}
	s.loggedOut = true
	s.snap = session.Snapshot{Phase: session.PhaseUnauthenticated, Epoch: s.snap.Epoch + 1}
	return nil
}

func (s *stubSession) Snapshot() session.Snapshot { return s.snap }

func (s *stubSession) ListPatients(context.Context) ([]selection.Patient, error) {
	return s.patients, s.primeErr
}

func (s *stubSession) SelectPractitioner(_ context.Context, id string) (session.Snapshot, error) {
	if s.selectErr != nil {
		return s.snap, s.selectErr
	}
	s.snap.Practitioner = &selection.Practitioner{ID: id}
	return s.snap, nil
}

func (s *stubSession) SelectPatient(_ context.Context, p selection.Patient) (session.Snapshot, error) {
	s.lastPatient = p
	if s.selectErr != nil {
		return s.snap, s.selectErr
	}
	s.snap.Patient = &p
	return s.snap, nil
}

func (s *stubSession) Start(context.Context) (session.Handle, error) {
	return s.handle, s.startErr
}

func (s *stubSession) CompleteRecording(_ context.Context, summary string, opts session.CompleteOptions) (session.Snapshot, error) {
	s.lastSummary = summary
	s.lastComplete = opts
	if s.completeErr != nil {
		return s.snap, s.completeErr
	}
	s.snap.Phase = session.PhaseDone
	return s.snap, nil
}

func sessionRouter(svc SessionService) http.Handler {
	h := NewSessionHandler(svc, logging.Discard())
	r := chi.NewRouter()
	r.Get("/auth/callback", h.AuthCallback)
	r.Post("/logout", h.Logout)
	r.Get("/state", h.State)
	r.Get("/patients", h.Patients)
	r.Put("/selection/practitioner/{id}", h.SelectPractitioner)
	r.Put("/selection/patient", h.SelectPatient)
	r.Post("/session/start", h.Start)
	r.Post("/session/complete", h.Complete)
	return r
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestAuthCallback(t *testing.T) {
	svc := &stubSession{patients: []selection.Patient{{ExternalID: "p-1", DisplayName: "Jane Doe"}}}
	rec := do(t, sessionRouter(svc), http.MethodGet, "/auth/callback?code=abc", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc", svc.lastCode)
	body := decodeBody(t, rec)
	assert.Equal(t, "selecting", body["state"].(map[string]any)["phase"])
	assert.Len(t, body["patients"], 1)
}

func TestAuthCallbackPrimeFailureKeepsLogin(t *testing.T) {
	svc := &stubSession{primeErr: errors.New("patients unavailable")}
	rec := do(t, sessionRouter(svc), http.MethodGet, "/auth/callback?code=abc", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Empty(t, body["patients"])
}

func TestAuthCallbackErrors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		svc    *stubSession
		status int
	}{
		{"missing code", "/auth/callback", &stubSession{}, http.StatusBadRequest},
		{"denied", "/auth/callback?error=access_denied", &stubSession{}, http.StatusUnauthorized},
		{"exchange failure", "/auth/callback?code=x", &stubSession{loginErr: errors.New("invalid_grant")}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, sessionRouter(tt.svc), http.MethodGet, tt.target, "")
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestLogoutResets(t *testing.T) {
	svc := &stubSession{snap: session.Snapshot{Phase: session.PhaseActive, Epoch: 2}}
	rec := do(t, sessionRouter(svc), http.MethodPost, "/logout", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, svc.loggedOut)
	body := decodeBody(t, rec)
	assert.Equal(t, "unauthenticated", body["phase"])
	assert.Equal(t, float64(3), body["epoch"])
}

func TestLogoutFailureKeepsSession(t *testing.T) {
	svc := &stubSession{
		snap:      session.Snapshot{Phase: session.PhaseActive, Epoch: 2},
		logoutErr: fmt.Errorf("session: logout: %w: %w", session.ErrLogoutFailed, errors.New("redis down")),
	}
	rec := do(t, sessionRouter(svc), http.MethodPost, "/logout", "")

	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.False(t, svc.loggedOut)
	body := decodeBody(t, rec)
	assert.Equal(t, "logout_failed", body["kind"])
	assert.Equal(t, session.PhaseActive, svc.Snapshot().Phase)
}

func TestSelectPatient(t *testing.T) {
	svc := &stubSession{snap: session.Snapshot{Phase: session.PhaseSelecting}}
	rec := do(t, sessionRouter(svc), http.MethodPut, "/selection/patient",
		`{"mrn":"MRN-1","external_id":"p-1","given_names":["Jane"],"family_name":"Doe","display_name":"Jane Doe"}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "p-1", svc.lastPatient.ExternalID)
	assert.Equal(t, []string{"Jane"}, svc.lastPatient.GivenNames)
}

func TestSelectPatientRejectedWithoutPractitioner(t *testing.T) {
	svc := &stubSession{selectErr: &selection.ValidationError{Reasons: []selection.Reason{selection.ReasonMissingPractitioner}}}
	rec := do(t, sessionRouter(svc), http.MethodPut, "/selection/patient", `{"external_id":"p-1"}`)

	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "validation", body["kind"])
	assert.Equal(t, []any{"missing_practitioner"}, body["reasons"])
}

func TestSelectPatientMalformedBody(t *testing.T) {
	rec := do(t, sessionRouter(&stubSession{}), http.MethodPut, "/selection/patient", `{"unknown":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, sessionRouter(&stubSession{}), http.MethodPut, "/selection/patient", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSelectPractitioner(t *testing.T) {
	svc := &stubSession{}
	rec := do(t, sessionRouter(svc), http.MethodPut, "/selection/practitioner/dr-lee", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dr-lee", decodeBody(t, rec)["practitioner"].(map[string]any)["id"])

	svc.selectErr = emr.ErrNotFound
	rec = do(t, sessionRouter(svc), http.MethodPut, "/selection/practitioner/nobody", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"incomplete selection", &selection.ValidationError{Reasons: []selection.Reason{selection.ReasonMissingPatient}}, http.StatusConflict, "validation"},
		{"in flight", session.ErrStartInFlight, http.StatusConflict, "in_flight"},
		{"signed out", session.ErrNotAuthenticated, http.StatusUnauthorized, "unauthenticated"},
		{"stale", session.ErrStaleResult, http.StatusConflict, "stale"},
		{"start failed", &session.StartError{Attempt: 2, Err: errors.New("503")}, http.StatusBadGateway, "start_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, sessionRouter(&stubSession{startErr: tt.err}), http.MethodPost, "/session/start", "")
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.kind, decodeBody(t, rec)["kind"])
		})
	}
}

func TestStartCreated(t *testing.T) {
	svc := &stubSession{handle: session.Handle{SessionID: "sess-1", PatientID: "p-1", PractitionerID: "dr-lee"}}
	rec := do(t, sessionRouter(svc), http.MethodPost, "/session/start", "")

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "sess-1", decodeBody(t, rec)["session_id"])
}

func TestComplete(t *testing.T) {
	svc := &stubSession{snap: session.Snapshot{Phase: session.PhaseActive}}
	rec := do(t, sessionRouter(svc), http.MethodPost, "/session/complete",
		`{"summary":"Follow up in two weeks.","attach":true,"encounter_id":" enc-1 "}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Follow up in two weeks.", svc.lastSummary)
	assert.Equal(t, session.CompleteOptions{Attach: true, EncounterID: "enc-1"}, svc.lastComplete)
	assert.Equal(t, "done", decodeBody(t, rec)["phase"])
}

func TestCompleteEmptySummary(t *testing.T) {
	svc := &stubSession{completeErr: session.ErrEmptySummary}
	rec := do(t, sessionRouter(svc), http.MethodPost, "/session/complete", `{"summary":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPatientsUnauthenticated(t *testing.T) {
	rec := do(t, sessionRouter(&stubSession{primeErr: session.ErrNotAuthenticated}), http.MethodGet, "/patients", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJSONError(t *testing.T) {
	rec := httptest.NewRecorder()
	jsonError(rec, "oops", http.StatusTeapot)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "oops", decodeBody(t, rec)["error"])
}
