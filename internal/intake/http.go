package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPRiskScorer calls POST {baseURL}/risk/score and {baseURL}/risk/recalculate.
type HTTPRiskScorer struct {
	url       string
	recalcURL string
	client    *http.Client
}

// NewHTTPRiskScorer creates a scorer with the given per-call timeout.
func NewHTTPRiskScorer(baseURL string, timeout time.Duration) *HTTPRiskScorer {
	base := strings.TrimRight(baseURL, "/")
	return &HTTPRiskScorer{
		url:       base + "/risk/score",
		recalcURL: base + "/risk/recalculate",
		client:    &http.Client{Timeout: timeout},
	}
}

// Score submits the intake and decodes the assessment.
func (s *HTTPRiskScorer) Score(ctx context.Context, req Request) (Assessment, error) {
	var a Assessment
	if err := postJSON(ctx, s.client, s.url, req, &a); err != nil {
		return Assessment{}, err
	}
	return a, nil
}

// Recalculate asks the risk service to re-score an encounter with updates merged in.
func (s *HTTPRiskScorer) Recalculate(ctx context.Context, encounterID string, updates Updates) (Assessment, error) {
	body := struct {
		EncounterID string  `json:"encounterId"`
		Updates     Updates `json:"updates"`
	}{EncounterID: encounterID, Updates: updates}

	var a Assessment
	if err := postJSON(ctx, s.client, s.recalcURL, body, &a); err != nil {
		return Assessment{}, err
	}
	return a, nil
}

// HTTPExtractor calls POST {baseURL}/extract.
type HTTPExtractor struct {
	url    string
	client *http.Client
}

// NewHTTPExtractor creates an extractor with the given per-call timeout.
func NewHTTPExtractor(baseURL string, timeout time.Duration) *HTTPExtractor {
	return &HTTPExtractor{
		url:    strings.TrimRight(baseURL, "/") + "/extract",
		client: &http.Client{Timeout: timeout},
	}
}

// Extract sends the narrative and returns the structured findings.
func (e *HTTPExtractor) Extract(ctx context.Context, narrative string) (*Enrichment, error) {
	var out Enrichment
	if err := postJSON(ctx, e.client, e.url, map[string]string{"narrative": narrative}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// postJSON posts body as JSON and decodes a 200 response into out.
func postJSON(ctx context.Context, client *http.Client, url string, body, out any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("received non-200 status code %d from %s", resp.StatusCode, url)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
