package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Record is one row of an external export: an opaque id plus flat
// property values keyed by column name.
type Record struct {
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties"`
}

// Source provides raw records from the external workspace.
type Source interface {
	FetchParticipants(ctx context.Context) ([]Record, error)
	FetchLedger(ctx context.Context) ([]Record, error)
}

// exportResponse is the body served by the workspace export endpoint.
type exportResponse struct {
	Records []Record `json:"records"`
}

// HTTPSource pulls JSON exports over HTTP, authenticated by a service
// token header.
type HTTPSource struct {
	baseURL          string
	participantsPath string
	ledgerPath       string
	serviceToken     string
	httpClient       *http.Client
}

// NewHTTPSource creates a source. A zero timeout means 30 seconds.
func NewHTTPSource(baseURL, participantsPath, ledgerPath, serviceToken string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSource{
		baseURL:          baseURL,
		participantsPath: participantsPath,
		ledgerPath:       ledgerPath,
		serviceToken:     serviceToken,
		httpClient:       &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) FetchParticipants(ctx context.Context) ([]Record, error) {
	return s.fetch(ctx, s.participantsPath)
}

func (s *HTTPSource) FetchLedger(ctx context.Context) ([]Record, error) {
	return s.fetch(ctx, s.ledgerPath)
}

func (s *HTTPSource) fetch(ctx context.Context, path string) ([]Record, error) {
	base, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid sync base URL %q: %w", s.baseURL, err)
	}
	endpoint := base.JoinPath(path).String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request to %s: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if s.serviceToken != "" {
		req.Header.Set("X-Service-Token", s.serviceToken)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", endpoint, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s returned %d: %s", endpoint, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var body exportResponse
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response from %s: %w", endpoint, err)
	}
	return body.Records, nil
}
