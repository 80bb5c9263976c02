package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/clinic-scribe/internal/emr"
	"github.com/wolfman30/clinic-scribe/internal/selection"
	"github.com/wolfman30/clinic-scribe/internal/session"
	"github.com/wolfman30/clinic-scribe/pkg/logging"
)

// SessionService is the lifecycle surface the HTTP API drives.
type SessionService interface {
	Login(ctx context.Context, code string) (session.Snapshot, error)
	Prime(ctx context.Context) ([]selection.Patient, error)
	Logout(ctx context.Context) error
	Snapshot() session.Snapshot
	ListPatients(ctx context.Context) ([]selection.Patient, error)
	SelectPractitioner(ctx context.Context, id string) (session.Snapshot, error)
	SelectPatient(ctx context.Context, p selection.Patient) (session.Snapshot, error)
	Start(ctx context.Context) (session.Handle, error)
	CompleteRecording(ctx context.Context, summary string, opts session.CompleteOptions) (session.Snapshot, error)
}

// SessionHandler serves the clinician session endpoints.
type SessionHandler struct {
	svc    SessionService
	logger *logging.Logger
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(svc SessionService, logger *logging.Logger) *SessionHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &SessionHandler{svc: svc, logger: logger.Component("http.session")}
}

type errorBody struct {
	Error   string             `json:"error"`
	Kind    string             `json:"kind,omitempty"`
	Reasons []selection.Reason `json:"reasons,omitempty"`
	Attempt int64              `json:"attempt,omitempty"`
}

type loginResponse struct {
	State    session.Snapshot    `json:"state"`
	Patients []selection.Patient `json:"patients"`
}

// AuthCallback completes the authorization-code redirect.
// GET /auth/callback?code=
func (h *SessionHandler) AuthCallback(w http.ResponseWriter, r *http.Request) {
	if errParam := r.URL.Query().Get("error"); errParam != "" {
		jsonError(w, "authorization denied: "+errParam, http.StatusUnauthorized)
		return
	}
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if code == "" {
		jsonError(w, "missing code", http.StatusBadRequest)
		return
	}
	snap, err := h.svc.Login(r.Context(), code)
	if err != nil {
		h.logger.Warn("login failed", "error", err)
		jsonError(w, "authorization code exchange failed", http.StatusBadGateway)
		return
	}

	resp := loginResponse{State: snap, Patients: []selection.Patient{}}
	patients, err := h.svc.Prime(r.Context())
	if err != nil {
		// Login stands; the patient list can be fetched again from /patients.
		h.logger.Warn("initial patient load failed", "error", err)
	} else {
		resp.Patients = patients
	}
	resp.State = h.svc.Snapshot()
	writeJSON(w, http.StatusOK, resp)
}

// Logout clears the credential and resets the session. A credential that
// cannot be cleared leaves the session signed in and answers 502.
// POST /logout
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Logout(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Snapshot())
}

// State returns the current snapshot.
// GET /state
func (h *SessionHandler) State(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Snapshot())
}

// Patients lists the patients visible to the signed-in user.
// GET /patients
func (h *SessionHandler) Patients(w http.ResponseWriter, r *http.Request) {
	patients, err := h.svc.ListPatients(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"patients": patients})
}

// SelectPractitioner selects a practitioner by id.
// PUT /selection/practitioner/{id}
func (h *SessionHandler) SelectPractitioner(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		jsonError(w, "missing practitioner id", http.StatusBadRequest)
		return
	}
	snap, err := h.svc.SelectPractitioner(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// SelectPatient selects the patient in the request body.
// PUT /selection/patient
func (h *SessionHandler) SelectPatient(w http.ResponseWriter, r *http.Request) {
	var p selection.Patient
	if err := decodeJSON(w, r, &p); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	snap, err := h.svc.SelectPatient(r.Context(), p)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Start opens a recording session for the current selection.
// POST /session/start
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	handle, err := h.svc.Start(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, handle)
}

type completeRequest struct {
	Summary     string `json:"summary"`
	Attach      bool   `json:"attach"`
	EncounterID string `json:"encounter_id,omitempty"`
}

// Complete hands over the finished summary and optionally files it.
// POST /session/complete
func (h *SessionHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	snap, err := h.svc.CompleteRecording(r.Context(), req.Summary, session.CompleteOptions{
		Attach:      req.Attach,
		EncounterID: strings.TrimSpace(req.EncounterID),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *SessionHandler) writeError(w http.ResponseWriter, err error) {
	var (
		verr     *selection.ValidationError
		startErr *session.StartError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusConflict, errorBody{Error: verr.Error(), Kind: "validation", Reasons: verr.Reasons})
	case errors.As(err, &startErr):
		writeJSON(w, http.StatusBadGateway, errorBody{Error: startErr.Error(), Kind: "start_failed", Attempt: startErr.Attempt})
	case errors.Is(err, session.ErrNotAuthenticated):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error(), Kind: "unauthenticated"})
	case errors.Is(err, session.ErrStartInFlight):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Kind: "in_flight"})
	case errors.Is(err, session.ErrStaleResult):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Kind: "stale"})
	case errors.Is(err, session.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Kind: "invalid_transition"})
	case errors.Is(err, session.ErrLogoutFailed):
		h.logger.Error("logout failed", "error", err)
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error(), Kind: "logout_failed"})
	case errors.Is(err, session.ErrEmptySummary):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: "validation"})
	case errors.Is(err, emr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Kind: "not_found"})
	default:
		h.logger.Warn("upstream call failed", "error", err)
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error(), Kind: "upstream"})
	}
}
