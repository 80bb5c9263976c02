package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/wolfman30/clinic-scribe/internal/audit"
	"github.com/wolfman30/clinic-scribe/pkg/logging"
)

// AuditQuerier reads the session audit trail.
type AuditQuerier interface {
	Query(ctx context.Context, filter audit.Filter) ([]audit.Event, error)
}

// AuditHandler serves the operator audit endpoint.
type AuditHandler struct {
	store  AuditQuerier
	logger *logging.Logger
}

// NewAuditHandler creates an audit handler.
func NewAuditHandler(store AuditQuerier, logger *logging.Logger) *AuditHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AuditHandler{store: store, logger: logger.Component("http.audit")}
}

// List returns audit events, newest first.
// GET /admin/audit?session_id=&event_type=&since=&limit=
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		SessionID: q.Get("session_id"),
		EventType: audit.EventType(q.Get("event_type")),
		Limit:     100,
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 1000 {
			jsonError(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			jsonError(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		filter.Since = since
	}

	events, err := h.store.Query(r.Context(), filter)
	if err != nil {
		h.logger.Error("audit query failed", "error", err)
		jsonError(w, "failed to query audit events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}
