package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/clinic-scribe/internal/appointment"
	"github.com/wolfman30/clinic-scribe/internal/credential"
	"github.com/wolfman30/clinic-scribe/internal/emr"
	"github.com/wolfman30/clinic-scribe/internal/encounter"
	"github.com/wolfman30/clinic-scribe/internal/fhir"
	"github.com/wolfman30/clinic-scribe/internal/http/handlers"
	"github.com/wolfman30/clinic-scribe/internal/observability/metrics"
	"github.com/wolfman30/clinic-scribe/internal/session"
	"github.com/wolfman30/clinic-scribe/pkg/logging"
)

type memoryRecords struct{}

func (memoryRecords) ExchangeCode(_ context.Context, code string) (*emr.TokenGrant, error) {
	return &emr.TokenGrant{AccessToken: "tok-" + code, FHIRUserRef: "Practitioner/dr-lee"}, nil
}

func (memoryRecords) LookupPractitioner(_ context.Context, _, id string) (*fhir.Practitioner, error) {
	return &fhir.Practitioner{ResourceType: fhir.TypePractitioner, ID: id, Name: []fhir.HumanName{{Text: "Dr. Lee"}}}, nil
}

func (memoryRecords) ListPatients(context.Context, string) ([]fhir.Patient, error) {
	return []fhir.Patient{{ResourceType: fhir.TypePatient, ID: "p-1", Name: []fhir.HumanName{{Text: "Jane Doe"}}}}, nil
}

func (memoryRecords) ListEncounters(context.Context, string, string) ([]fhir.Encounter, error) {
	return []fhir.Encounter{{ID: "enc-1", Period: &fhir.Period{Start: "2024-01-01"}}}, nil
}

func (memoryRecords) CreateDocumentReference(_ context.Context, _ string, doc fhir.DocumentReference) (*fhir.DocumentReference, error) {
	doc.ID = "doc-1"
	return &doc, nil
}

type echoStarter struct{}

func (echoStarter) StartSession(_ context.Context, patientID, practitionerID string) (string, error) {
	return "sess-" + patientID + "-" + practitionerID, nil
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	find := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotImplemented)
	}))
	t.Cleanup(find.Close)

	logger := logging.Discard()
	reg := prometheus.NewRegistry()
	records := memoryRecords{}
	svc := session.NewService(session.Deps{
		Store:    credential.NewStore(credential.NewMemoryBackend(), logger),
		Records:  records,
		Sessions: echoStarter{},
		Bridge:   encounter.NewBridge(records, records, logger),
		Metrics:  metrics.NewSessionMetrics(reg),
		Logger:   logger,
	})
	searcher, err := appointment.NewClient(appointment.Config{Endpoint: find.URL}, logger, metrics.NewSearchMetrics(reg))
	if err != nil {
		t.Fatalf("search client: %v", err)
	}
	defaults := appointment.Defaults{
		PatientIDSystem: "urn:patient",
		MRNSystem:       "urn:mrn",
		ServiceType:     fhir.Coding{System: "urn:svc", Code: "1"},
		Indication:      appointment.Indication{System: "urn:ind", Code: "2"},
		LocationRef:     "Location/main",
	}

	return New(&Config{
		Logger:            logger,
		Session:           handlers.NewSessionHandler(svc, logger),
		Appointments:      handlers.NewAppointmentHandler(searcher, svc, defaults, appointment.RolloverAdvanceDate, logger),
		StateStream:       handlers.NewStateStream(svc, logger),
		Audit:             handlers.NewAuditHandler(nil, logger),
		Tokens:            svc,
		OperatorJWTSecret: "",
		MetricsHandler:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
}

func call(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRouterHealthEndpoint(t *testing.T) {
	rr := call(t, newTestRouter(t), http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", resp["status"])
	}
}

func TestRouterClinicianRoutesRequireSignIn(t *testing.T) {
	router := newTestRouter(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/patients"},
		{http.MethodPut, "/selection/practitioner/dr-lee"},
		{http.MethodPost, "/session/start"},
		{http.MethodPost, "/appointments/search"},
	} {
		rr := call(t, router, tc.method, tc.path, "")
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", tc.method, tc.path, rr.Code)
		}
	}
}

func TestRouterOperatorRoutesDisabledWithoutSecret(t *testing.T) {
	rr := call(t, newTestRouter(t), http.MethodGet, "/admin/audit", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestRouterSessionFlow(t *testing.T) {
	router := newTestRouter(t)

	rr := call(t, router, http.MethodGet, "/auth/callback?code=abc", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("callback: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = call(t, router, http.MethodPut, "/selection/patient", `{"external_id":"p-1","mrn":"MRN-1","display_name":"Jane Doe"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("select patient: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = call(t, router, http.MethodPost, "/session/start", "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("start: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var handle session.Handle
	if err := json.NewDecoder(rr.Body).Decode(&handle); err != nil {
		t.Fatalf("decode handle: %v", err)
	}
	if handle.SessionID != "sess-p-1-dr-lee" {
		t.Fatalf("unexpected session id %q", handle.SessionID)
	}

	rr = call(t, router, http.MethodPost, "/session/complete", `{"summary":"Stable.","attach":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var snap session.Snapshot
	if err := json.NewDecoder(rr.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Phase != session.PhaseDone || snap.DocumentID != "doc-1" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	rr = call(t, router, http.MethodPost, "/logout", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("logout: expected 200, got %d", rr.Code)
	}
	rr = call(t, router, http.MethodGet, "/patients", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rr.Code)
	}
}

func TestRouterAppointmentSearchFallback(t *testing.T) {
	router := newTestRouter(t)
	if rr := call(t, router, http.MethodGet, "/auth/callback?code=abc", ""); rr.Code != http.StatusOK {
		t.Fatalf("callback: expected 200, got %d", rr.Code)
	}

	form := `{"patient_id":"p-1","mrn":"203713","date":"2017-10-06","start_time":"21:00:00","duration_minutes":30}`
	rr := call(t, router, http.MethodPost, "/appointments/search", form)
	if rr.Code != http.StatusOK {
		t.Fatalf("search: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["provenance"] != "fallback" {
		t.Fatalf("expected fallback provenance, got %v", body["provenance"])
	}

	metricsResp := call(t, router, http.MethodGet, "/metrics", "")
	if !strings.Contains(metricsResp.Body.String(), `clinic_scribe_appointment_search_outcomes_total{outcome="fallback"} 1`) {
		t.Fatalf("expected fallback outcome metric, got:\n%s", metricsResp.Body.String())
	}
}
