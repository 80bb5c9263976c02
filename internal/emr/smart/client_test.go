package smart

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-scribe/internal/emr"
	"github.com/wolfman30/clinic-scribe/internal/fhir"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:     srv.URL + "/fhir",
		TokenURL:    srv.URL + "/oauth2/token",
		ClientID:    "scribe-app",
		RedirectURI: "http://localhost:8080/auth/callback",
	})
	require.NoError(t, err)
	return c
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid config", Config{BaseURL: "https://ehr.example/fhir", TokenURL: "https://ehr.example/token", ClientID: "c"}, false},
		{"missing base URL", Config{TokenURL: "https://ehr.example/token", ClientID: "c"}, true},
		{"missing token URL", Config{BaseURL: "https://ehr.example/fhir", ClientID: "c"}, true},
		{"missing client ID", Config{BaseURL: "https://ehr.example/fhir", TokenURL: "https://ehr.example/token"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, client)
		})
	}
}

func TestExchangeCode(t *testing.T) {
	idToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":      "user-1",
		"fhirUser": "https://ehr.example/fhir/Practitioner/dr-9",
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/oauth2/token", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "abc", r.PostForm.Get("code"))
		assert.Equal(t, "scribe-app", r.PostForm.Get("client_id"))
		assert.Equal(t, "http://localhost:8080/auth/callback", r.PostForm.Get("redirect_uri"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "access-1",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"scope":        "launch openid fhirUser",
			"patient":      "p-1",
			"id_token":     idToken,
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	grant, err := c.ExchangeCode(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "access-1", grant.AccessToken)
	assert.Equal(t, "Patient/p-1", grant.PatientRef)
	assert.Equal(t, "Practitioner/dr-9", grant.FHIRUserRef)
	assert.Equal(t, now.Add(time.Hour), grant.ExpiresAt)
}

func TestExchangeCodeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).ExchangeCode(context.Background(), "stale")
	var apiErr *emr.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	_, err = newTestClient(t, srv).ExchangeCode(context.Background(), " ")
	assert.Error(t, err)
}

func TestLookupPractitioner(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/fhir/Practitioner/dr-9":
			w.Header().Set("Content-Type", fhirJSON)
			_, _ = io.WriteString(w, `{"resourceType":"Practitioner","id":"dr-9","gender":"female","name":[{"prefix":["Dr."],"given":["Ana"],"family":"Ruiz"}]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"resourceType":"OperationOutcome","issue":[]}`)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	p, err := c.LookupPractitioner(context.Background(), "tok", "Practitioner/dr-9")
	require.NoError(t, err)
	assert.Equal(t, "dr-9", p.ID)
	assert.Equal(t, "Dr. Ana Ruiz", p.Name[0].Display())

	_, err = c.LookupPractitioner(context.Background(), "tok", "missing")
	assert.ErrorIs(t, err, emr.ErrNotFound)

	_, err = c.LookupPractitioner(context.Background(), "", "dr-9")
	assert.Error(t, err)
}

func TestLookupPractitionerWrongResource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"resourceType":"Patient","id":"dr-9"}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).LookupPractitioner(context.Background(), "tok", "dr-9")
	assert.ErrorIs(t, err, fhir.ErrUnexpectedType)
}

func TestListPatients(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fhir/Patient", r.URL.Path)
		_, _ = io.WriteString(w, `{"resourceType":"Bundle","type":"searchset","total":2,"entry":[
			{"resource":{"resourceType":"Patient","id":"p1","name":[{"given":["Derrick"],"family":"Lin"}]}},
			{"resource":{"resourceType":"Patient","id":"p2"}},
			{"resource":{"resourceType":"OperationOutcome","issue":[{"severity":"information","code":"informational"}]}}
		]}`)
	}))
	defer srv.Close()

	patients, err := newTestClient(t, srv).ListPatients(context.Background(), "tok")
	require.NoError(t, err)
	require.Len(t, patients, 2)
	assert.Equal(t, "p1", patients[0].ID)
}

func TestListPatientsMalformedEntryFailsClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"resourceType":"Bundle","type":"searchset","entry":[{"resource":{"id":"x"}}]}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).ListPatients(context.Background(), "tok")
	assert.ErrorIs(t, err, fhir.ErrMalformed)
}

func TestListEncounters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fhir/Encounter", r.URL.Path)
		assert.Equal(t, "p1", r.URL.Query().Get("patient"))
		_, _ = io.WriteString(w, `{"resourceType":"Bundle","type":"searchset","total":1,"entry":[
			{"resource":{"resourceType":"Encounter","id":"e1","status":"finished","period":{"start":"2024-02-01T09:00:00Z"}}}
		]}`)
	}))
	defer srv.Close()

	encounters, err := newTestClient(t, srv).ListEncounters(context.Background(), "tok", "Patient/p1")
	require.NoError(t, err)
	require.Len(t, encounters, 1)
	assert.Equal(t, "e1", encounters[0].ID)
}

func TestCreateDocumentReference(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/fhir/DocumentReference", r.URL.Path)
		assert.Equal(t, fhirJSON, r.Header.Get("Content-Type"))

		var doc fhir.DocumentReference
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&doc))
		assert.Equal(t, fhir.TypeDocumentReference, doc.ResourceType)
		assert.Equal(t, "Patient/p1", doc.Subject.Reference)

		w.Header().Set("Location", "https://ehr.example/fhir/DocumentReference/doc-77/_history/1")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	created, err := newTestClient(t, srv).CreateDocumentReference(context.Background(), "tok", fhir.DocumentReference{
		Status:  "current",
		Subject: &fhir.Reference{Reference: "Patient/p1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "doc-77", created.ID)
}

func TestCreateDocumentReferenceRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).CreateDocumentReference(context.Background(), "tok", fhir.DocumentReference{Status: "current"})
	var apiErr *emr.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}
