// Package smart talks to a SMART-on-FHIR R4 health-record API.
package smart

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfman30/clinic-scribe/internal/emr"
	"github.com/wolfman30/clinic-scribe/internal/fhir"
)

const fhirJSON = "application/fhir+json"

// Client implements emr.Records against a FHIR R4 endpoint.
type Client struct {
	baseURL      string
	tokenURL     string
	clientID     string
	clientSecret string
	redirectURI  string
	httpClient   *http.Client
	now          func() time.Time
}

// Config holds configuration for the SMART client
type Config struct {
	BaseURL      string // FHIR R4 base, e.g. https://ehr.example/api/FHIR/R4
	TokenURL     string // OAuth 2.0 token endpoint
	ClientID     string
	ClientSecret string // optional for public clients
	RedirectURI  string
	Timeout      time.Duration
}

// New creates a new SMART client
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("smart: BaseURL is required")
	}
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("smart: TokenURL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("smart: ClientID is required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		tokenURL:     cfg.TokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		redirectURI:  cfg.RedirectURI,
		httpClient:   &http.Client{Timeout: timeout},
		now:          time.Now,
	}, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
	Patient     string `json:"patient,omitempty"`
	IDToken     string `json:"id_token,omitempty"`
}

type idTokenClaims struct {
	FHIRUser string `json:"fhirUser,omitempty"`
	jwt.RegisteredClaims
}

// ExchangeCode performs the authorization_code grant.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*emr.TokenGrant, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("smart: authorization code is required")
	}

	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("client_id", c.clientID)
	if c.redirectURI != "" {
		data.Set("redirect_uri", c.redirectURI)
	}
	if c.clientSecret != "" {
		data.Set("client_secret", c.clientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("smart: failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("smart: token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &emr.APIError{Op: "exchange code", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("smart: failed to decode token response: %w", err)
	}
	if strings.TrimSpace(tr.AccessToken) == "" {
		return nil, fmt.Errorf("smart: token response has no access_token")
	}

	grant := &emr.TokenGrant{
		AccessToken: tr.AccessToken,
		TokenType:   tr.TokenType,
		Scope:       tr.Scope,
	}
	if tr.ExpiresIn > 0 {
		grant.ExpiresAt = c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	if tr.Patient != "" {
		grant.PatientRef = fhir.TypePatient + "/" + fhir.LocalID(tr.Patient, fhir.TypePatient)
	}
	if tr.IDToken != "" {
		grant.FHIRUserRef = fhirUserFromIDToken(tr.IDToken)
	}
	return grant, nil
}

// fhirUserFromIDToken reads the fhirUser claim without verifying the signature.
func fhirUserFromIDToken(raw string) string {
	var claims idTokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return ""
	}
	kind, id, ok := fhir.ParseReference(claims.FHIRUser)
	if !ok {
		return ""
	}
	return kind + "/" + id
}

// LookupPractitioner reads Practitioner/{id}.
func (c *Client) LookupPractitioner(ctx context.Context, token, id string) (*fhir.Practitioner, error) {
	id = fhir.LocalID(id, fhir.TypePractitioner)
	if id == "" {
		return nil, fmt.Errorf("smart: practitioner id is required")
	}
	raw, err := c.get(ctx, token, "lookup practitioner", "/Practitioner/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	p, err := fhir.DecodeAs[fhir.Practitioner](raw)
	if err != nil {
		return nil, fmt.Errorf("smart: lookup practitioner: %w", err)
	}
	return p, nil
}

// ListPatients runs a Patient search and returns every Patient entry.
func (c *Client) ListPatients(ctx context.Context, token string) ([]fhir.Patient, error) {
	raw, err := c.get(ctx, token, "list patients", "/Patient", url.Values{"_count": {"100"}})
	if err != nil {
		return nil, err
	}
	bundle, err := fhir.DecodeBundle(raw)
	if err != nil {
		return nil, fmt.Errorf("smart: list patients: %w", err)
	}
	return fhir.Collect[fhir.Patient](*bundle)
}

// ListEncounters searches Encounter?patient={ref}.
func (c *Client) ListEncounters(ctx context.Context, token, patientRef string) ([]fhir.Encounter, error) {
	id := fhir.LocalID(patientRef, fhir.TypePatient)
	if id == "" {
		return nil, fmt.Errorf("smart: patient reference is required")
	}
	raw, err := c.get(ctx, token, "list encounters", "/Encounter", url.Values{"patient": {id}})
	if err != nil {
		return nil, err
	}
	bundle, err := fhir.DecodeBundle(raw)
	if err != nil {
		return nil, fmt.Errorf("smart: list encounters: %w", err)
	}
	return fhir.Collect[fhir.Encounter](*bundle)
}

// CreateDocumentReference posts a DocumentReference.
func (c *Client) CreateDocumentReference(ctx context.Context, token string, doc fhir.DocumentReference) (*fhir.DocumentReference, error) {
	doc.ResourceType = fhir.TypeDocumentReference
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("smart: failed to marshal document: %w", err)
	}

	req, err := c.newRequest(ctx, token, http.MethodPost, "/DocumentReference", nil, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", fhirJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("smart: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, &emr.APIError{Op: "create document reference", StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	created := &fhir.DocumentReference{ResourceType: fhir.TypeDocumentReference}
	if len(bytes.TrimSpace(respBody)) > 0 {
		decoded, err := fhir.DecodeAs[fhir.DocumentReference](respBody)
		if err != nil {
			return nil, fmt.Errorf("smart: create document reference: %w", err)
		}
		created = decoded
	}
	// Some servers return 201 with only a Location header.
	if created.ID == "" {
		if _, id, ok := fhir.ParseReference(resp.Header.Get("Location")); ok {
			created.ID = id
		}
	}
	return created, nil
}

func (c *Client) get(ctx context.Context, token, op, path string, params url.Values) ([]byte, error) {
	req, err := c.newRequest(ctx, token, http.MethodGet, path, params, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("smart: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("smart: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &emr.APIError{Op: op, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func (c *Client) newRequest(ctx context.Context, token, method, path string, params url.Values, body io.Reader) (*http.Request, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("smart: token is required")
	}
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("smart: failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", fhirJSON)
	return req, nil
}
