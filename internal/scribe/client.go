// Package scribe is the client for the recording/summary session backend.
package scribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client opens recording sessions.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Config holds configuration for the scribe client
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// New creates a new scribe client
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("scribe: BaseURL is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type startRequest struct {
	PatientID      string `json:"patient_id"`
	PractitionerID string `json:"practitioner_id"`
}

type startResponse struct {
	SessionID string `json:"session_id"`
}

// StatusError is a non-success response from the session backend.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("scribe: API error (status %d): %s", e.StatusCode, e.Body)
}

// StartSession creates a session and returns its id.
func (c *Client) StartSession(ctx context.Context, patientID, practitionerID string) (string, error) {
	if strings.TrimSpace(patientID) == "" || strings.TrimSpace(practitionerID) == "" {
		return "", fmt.Errorf("scribe: patient and practitioner ids are required")
	}

	body, err := json.Marshal(startRequest{PatientID: patientID, PractitionerID: practitionerID})
	if err != nil {
		return "", fmt.Errorf("scribe: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sessions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("scribe: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("scribe: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var out startResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("scribe: failed to decode response: %w", err)
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("scribe: response has no session_id")
	}
	return out.SessionID, nil
}
