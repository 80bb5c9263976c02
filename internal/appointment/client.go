package appointment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/clinic-scribe/internal/fhir"
	"github.com/wolfman30/clinic-scribe/internal/observability/metrics"
	"github.com/wolfman30/clinic-scribe/pkg/logging"
)

const maxResponseBytes = 4 << 20

// Provenance tells a real result set from the synthetic fallback.
type Provenance string

const (
	ProvenanceRemote   Provenance = "remote"
	ProvenanceFallback Provenance = "fallback"
)

// Outcome is a successful search: Results when Provenance is remote,
// EmptyFallback when it is fallback.
type Outcome struct {
	Provenance Provenance  `json:"provenance"`
	Bundle     fhir.Bundle `json:"bundle"`
}

// IsFallback reports whether the outcome is the synthetic 501 result.
func (o Outcome) IsFallback() bool { return o.Provenance == ProvenanceFallback }

// Appointments returns the Appointment entries of the bundle.
func (o Outcome) Appointments() ([]fhir.Appointment, error) {
	return fhir.Collect[fhir.Appointment](o.Bundle)
}

// Searcher runs appointment searches.
type Searcher interface {
	Search(ctx context.Context, token string, q Query) (*Outcome, error)
}

// Client calls the scheduling service's appointment search operation.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *logging.Logger
	metrics    *metrics.SearchMetrics
	tracer     trace.Tracer
}

// Config holds configuration for the search client
type Config struct {
	Endpoint string
	Timeout  time.Duration
}

// NewClient creates a search client.
func NewClient(cfg Config, logger *logging.Logger, m *metrics.SearchMetrics) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("appointment: Endpoint is required")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("appointment: invalid Endpoint: %w", err)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Component("appointment"),
		metrics:    m,
		tracer:     otel.Tracer("clinic-scribe.internal.appointment"),
	}, nil
}

// Search posts q and classifies the response. Failures come back as
// *SearchError; a 501 is not a failure and yields the fallback bundle.
func (c *Client) Search(ctx context.Context, token string, q Query) (*Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "appointment.search")
	defer span.End()

	started := time.Now()
	outcome, err := c.search(ctx, token, q)
	c.metrics.ObserveLatency(time.Since(started).Seconds())

	label := ""
	var searchErr *SearchError
	switch {
	case err == nil:
		label = "results"
		if outcome.IsFallback() {
			label = "fallback"
		}
	case errors.As(err, &searchErr):
		label = string(searchErr.Kind)
	default:
		label = string(KindUnknown)
	}
	c.metrics.ObserveOutcome(label)
	span.SetAttributes(attribute.String("appointment.search.outcome", label))

	if err != nil {
		span.RecordError(err)
		c.logger.Warn("appointment search failed", "outcome", label, "error", err)
		return nil, err
	}
	c.logger.Info("appointment search completed", "outcome", label, "total", outcome.Bundle.Total)
	return outcome, nil
}

func (c *Client) search(ctx context.Context, token string, q Query) (*Outcome, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, &SearchError{Kind: KindValidation, Message: "token required"}
	}

	params, err := q.Parameters()
	if err != nil {
		return nil, &SearchError{Kind: KindValidation, Message: err.Error(), Err: err}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, &SearchError{Kind: KindValidation, Message: "encode request", Err: err}
	}

	endpoint, err := c.endpointWithToken(token)
	if err != nil {
		return nil, &SearchError{Kind: KindUnknown, Message: err.Error(), Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &SearchError{Kind: KindUnknown, Message: "create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/fhir+json")
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &SearchError{Kind: KindUnknown, Message: "transport error: " + err.Error(), Err: err}
	}
	defer resp.Body.Close()

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, &SearchError{Kind: KindUnknown, Message: "read response", StatusCode: code, Err: err}
		}
		bundle, err := fhir.DecodeBundle(raw)
		if err != nil {
			return nil, &SearchError{Kind: KindUnknown, Message: "malformed response", StatusCode: code, Err: err}
		}
		return &Outcome{Provenance: ProvenanceRemote, Bundle: *bundle}, nil
	case code == http.StatusNotImplemented:
		return &Outcome{Provenance: ProvenanceFallback, Bundle: FallbackBundle()}, nil
	case code == http.StatusBadRequest:
		return nil, &SearchError{Kind: KindBadRequest, Message: "check parameters", StatusCode: code}
	case code == http.StatusUnauthorized:
		return nil, &SearchError{Kind: KindUnauthorized, Message: "check token", StatusCode: code}
	case code == http.StatusNotFound:
		return nil, &SearchError{Kind: KindNotFound, Message: "endpoint not found", StatusCode: code}
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg := http.StatusText(code)
		if s := strings.TrimSpace(string(snippet)); s != "" {
			msg += ": " + s
		}
		return nil, &SearchError{Kind: KindUnknown, Message: msg, StatusCode: code}
	}
}

// endpointWithToken merges token_id into the endpoint's existing query.
func (c *Client) endpointWithToken(token string) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	values := u.Query()
	values.Set("token_id", token)
	u.RawQuery = values.Encode()
	return u.String(), nil
}
