// Package report forwards finished-scan findings to the external
// reporter service. The coordinator never retries a failed report;
// the caller rolls back the reported stamp and the operator retries.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrReporterFailure wraps any reporter-side failure so callers can
// distinguish it from local errors.
var ErrReporterFailure = errors.New("reporter call failed")

// ObservationKind mirrors the reporter's observation taxonomy.
const ObservationKindMalware = "malware"

// Observation is the payload for POST /report/{name}.
type Observation struct {
	Kind         string         `json:"kind"`
	Summary      string         `json:"summary"`
	InspectorURL string         `json:"inspector_url"`
	Extra        map[string]any `json:"extra"`
}

// Email is the payload for POST /report/email.
type Email struct {
	Name                  string   `json:"name"`
	Version               string   `json:"version"`
	RulesMatched          []string `json:"rules_matched"`
	Recipient             string   `json:"recipient,omitempty"`
	InspectorURL          string   `json:"inspector_url"`
	AdditionalInformation string   `json:"additional_information,omitempty"`
}

// Client is the outbound contract with the reporter service.
type Client interface {
	SendObservation(ctx context.Context, packageName string, obs Observation) error
	SendEmail(ctx context.Context, email Email) error
}

// HTTPClient posts JSON reports to the reporter service.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) SendObservation(ctx context.Context, packageName string, obs Observation) error {
	return c.post(ctx, "/report/"+url.PathEscape(packageName), obs)
}

func (c *HTTPClient) SendEmail(ctx context.Context, email Email) error {
	return c.post(ctx, "/report/email", email)
}

func (c *HTTPClient) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReporterFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: unexpected status %d", ErrReporterFailure, resp.StatusCode)
	}
	return nil
}
