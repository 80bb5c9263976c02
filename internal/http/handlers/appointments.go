package handlers

import (
	"errors"
	"net/http"

	"github.com/wolfman30/clinic-scribe/internal/appointment"
	"github.com/wolfman30/clinic-scribe/pkg/logging"
)

// TokenSource yields the current access token, "" when signed out, with the
// session epoch it was issued in.
type TokenSource interface {
	TokenEpoch() (string, int64)
}

// AppointmentHandler serves appointment search.
type AppointmentHandler struct {
	searcher appointment.Searcher
	tokens   TokenSource
	defaults appointment.Defaults
	policy   appointment.RolloverPolicy
	logger   *logging.Logger
}

// NewAppointmentHandler creates an appointment handler.
func NewAppointmentHandler(searcher appointment.Searcher, tokens TokenSource, defaults appointment.Defaults, policy appointment.RolloverPolicy, logger *logging.Logger) *AppointmentHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AppointmentHandler{
		searcher: searcher,
		tokens:   tokens,
		defaults: defaults,
		policy:   policy,
		logger:   logger.Component("http.appointments"),
	}
}

type searchResponse struct {
	Provenance   appointment.Provenance `json:"provenance"`
	Appointments int                    `json:"appointments"`
	Bundle       any                    `json:"bundle"`
	Query        appointment.Query      `json:"query"`
}

type searchErrorBody struct {
	Error      string `json:"error"`
	Kind       string `json:"kind"`
	StatusCode int    `json:"status_code,omitempty"`
	Retryable  bool   `json:"retryable"`
}

// Search validates the form, sends the query and reports the outcome.
// POST /appointments/search
func (h *AppointmentHandler) Search(w http.ResponseWriter, r *http.Request) {
	var form appointment.Form
	if err := decodeJSON(w, r, &form); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	query, err := appointment.Build(form, h.defaults, h.policy)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, searchErrorBody{Error: err.Error(), Kind: string(appointment.KindValidation), Retryable: true})
		return
	}

	token, epoch := h.tokens.TokenEpoch()
	if token == "" {
		jsonError(w, "sign in before searching", http.StatusUnauthorized)
		return
	}

	outcome, err := h.searcher.Search(r.Context(), token, query)
	// A logout while the request was out voids its result.
	if _, now := h.tokens.TokenEpoch(); now != epoch {
		h.logger.Info("discarding search result from a previous session", "epoch", epoch, "current_epoch", now)
		writeJSON(w, http.StatusConflict, searchErrorBody{Error: "session changed during search", Kind: "stale"})
		return
	}
	if err != nil {
		var searchErr *appointment.SearchError
		if !errors.As(err, &searchErr) {
			searchErr = &appointment.SearchError{Kind: appointment.KindUnknown, Message: err.Error()}
		}
		status := http.StatusBadGateway
		if searchErr.Kind == appointment.KindValidation {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, searchErrorBody{
			Error:      searchErr.Error(),
			Kind:       string(searchErr.Kind),
			StatusCode: searchErr.StatusCode,
			Retryable:  searchErr.Retryable(),
		})
		return
	}

	count := 0
	if appts, err := outcome.Appointments(); err == nil {
		count = len(appts)
	} else {
		h.logger.Warn("bundle holds undecodable appointments", "error", err)
	}
	writeJSON(w, http.StatusOK, searchResponse{
		Provenance:   outcome.Provenance,
		Appointments: count,
		Bundle:       outcome.Bundle,
		Query:        query,
	})
}

// Slots lists the selectable start times and durations.
// GET /appointments/slots
func (h *AppointmentHandler) Slots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"slots":     appointment.Slots(),
		"durations": appointment.Durations,
		"rollover":  h.policy.String(),
	})
}
